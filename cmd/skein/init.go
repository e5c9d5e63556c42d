package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/config"
	"github.com/skeinhq/skein/internal/journal"
	"github.com/skeinhq/skein/internal/vcs"
)

var initFlags struct {
	prefix     string
	standalone bool
	team       bool
	hidden     bool
}

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "sync",
	Short:   "Initialize the issue store in this repository",
	Long: `Create the .skein directory with an empty issue log and config.

When run inside a git repository this also registers the skein merge
driver, routes the log files to it via .gitattributes, installs hooks
that sync around pulls and pushes, and ignores the per-clone state
files. --team makes that git wiring mandatory instead of best-effort,
--hidden gitignores the whole store so it stays private to this clone,
and --standalone skips git entirely.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}

		j, err := journal.Init(cwd)
		if err != nil {
			return err
		}

		cfg := config.Default()
		if initFlags.prefix != "" {
			cfg.IDPrefix = initFlags.prefix
		}
		if err := config.Write(j.Dir(), cfg); err != nil {
			return err
		}
		if _, err := config.WriterID(j.Dir()); err != nil {
			return err
		}

		fmt.Printf("initialized issue store in %s (id prefix %q)\n", j.Dir(), cfg.IDPrefix)

		if initFlags.standalone {
			return nil
		}

		g, err := vcs.Detect(cwd)
		if err != nil {
			if errors.Is(err, vcs.ErrNotInRepo) {
				if initFlags.team || initFlags.hidden {
					return fmt.Errorf("not a git repository")
				}
				logger.Warn("not a git repository; merge driver and hooks not installed")
				return nil
			}
			return err
		}
		if initFlags.hidden {
			if err := g.IgnoreStateDir(); err != nil {
				return err
			}
			fmt.Println("issue store ignored by git; nothing will be shared")
			return nil
		}
		if err := g.InstallMergeDriver(cmd.Context()); err != nil {
			return err
		}
		if err := g.EnsureIgnores(); err != nil {
			return err
		}
		skipped, err := g.InstallHooks()
		if err != nil {
			return err
		}
		for _, name := range skipped {
			logger.Warn("existing hook left in place", "hook", name)
		}
		fmt.Println("git merge driver and hooks installed")
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initFlags.prefix, "prefix", "", "id prefix for this repository (default \"sk\")")
	initCmd.Flags().BoolVar(&initFlags.standalone, "standalone", false, "skip git integration (no merge driver, hooks, or ignores)")
	initCmd.Flags().BoolVar(&initFlags.team, "team", false, "share the store through git (merge driver and hooks; the default in a git repository)")
	initCmd.Flags().BoolVar(&initFlags.hidden, "hidden", false, "keep the store in this clone only (.skein/ fully gitignored)")
	initCmd.MarkFlagsMutuallyExclusive("standalone", "team", "hidden")
	rootCmd.AddCommand(initCmd)
}
