// Command skein is a dependency-aware issue tracker that lives in your
// repository. Issues are stored in an append-friendly JSONL log under
// .skein/ and travel through git like any other file; a local SQLite
// projection answers queries and is rebuilt whenever the log changes.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/journal"
	"github.com/skeinhq/skein/internal/syncer"
	"github.com/skeinhq/skein/internal/ui"
)

var (
	flagJSON    bool
	flagVerbose bool

	logger = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: false,
	})
)

var rootCmd = &cobra.Command{
	Use:           "skein",
	Short:         "Dependency-aware issue tracking in your repository",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			logger.SetLevel(charmlog.DebugLevel)
		} else {
			logger.SetLevel(charmlog.WarnLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable output")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "issues", Title: "Issues:"},
		&cobra.Group{ID: "graph", Title: "Dependencies:"},
		&cobra.Group{ID: "sync", Title: "Sync & maintenance:"},
	)
}

// findStateDir locates the .skein directory by walking up from the
// working directory.
func findStateDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return journal.Find(cwd)
}

// openStore opens the store for the enclosing repository. The returned
// close function flushes pending mutations.
func openStore() (*syncer.Store, func(), error) {
	stateDir, err := findStateDir()
	if err != nil {
		return nil, nil, err
	}
	store, err := syncer.Open(stateDir, logger.StandardLog())
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", "err", err)
		}
	}
	return store, closeFn, nil
}

func renderer() *ui.Renderer {
	return ui.NewRenderer(os.Stdout)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseWhen parses natural or RFC3339 dates for --due and --defer.
func parseWhen(input string) (*time.Time, error) {
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", input); err == nil {
		return &t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	result, err := w.Parse(input, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to parse time %q: %w", input, err)
	}
	if result == nil {
		return nil, fmt.Errorf("unrecognized time %q (try RFC3339 or phrases like \"next friday\")", input)
	}
	t := result.Time
	return &t, nil
}
