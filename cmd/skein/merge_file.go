package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/config"
	"github.com/skeinhq/skein/internal/errs"
	"github.com/skeinhq/skein/internal/journal"
	"github.com/skeinhq/skein/internal/merge"
	"github.com/skeinhq/skein/internal/types"
)

var mergeFileCmd = &cobra.Command{
	Use:     "merge-file <ancestor> <ours> <theirs>",
	GroupID: "sync",
	Short:   "Three-way merge of issue logs (git merge driver)",
	Long: `Merge-file is the git merge driver registered by init as
"skein merge-file %O %A %B". It reconciles two divergent issue logs
record by record and writes the result over <ours>. A zero exit means
the merge resolved cleanly; non-zero tells git to leave the file
conflicted for manual resolution.`,
	Hidden: true,
	Args:   cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ancestorPath, oursPath, theirsPath := args[0], args[1], args[2]

		ancestor, err := readLogFile(ancestorPath)
		if err != nil {
			return err
		}
		ours, err := readLogFile(oursPath)
		if err != nil {
			return err
		}
		theirs, err := readLogFile(theirsPath)
		if err != nil {
			return err
		}

		in := merge.Input{
			Ancestor: ancestor,
			Local:    ours,
			Remote:   theirs,
			IDPrefix: config.Default().IDPrefix,
		}

		// The tombstone log merges separately via git's union driver,
		// but the local copy still guards against resurrecting an id
		// deleted on this side.
		if stateDir, err := findStateDir(); err == nil {
			cfg, err := config.Load(stateDir)
			if err == nil {
				in.IDPrefix = cfg.IDPrefix
			}
			if j, err := journal.Open(stateDir); err == nil {
				if tombstones, err := j.ReadTombstones(); err == nil {
					in.LocalTombstones = tombstones
				}
			}
		}

		result, err := merge.Merge(in)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrMergeConflict, err)
		}

		var buf bytes.Buffer
		if err := journal.EncodeIssues(&buf, result.Issues); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrMergeConflict, err)
		}
		if err := os.WriteFile(oursPath, buf.Bytes(), 0644); err != nil {
			return err
		}

		for _, warning := range result.Warnings {
			fmt.Fprintf(os.Stderr, "skein: %s\n", warning)
		}
		logger.Debug("merged issue logs",
			"issues", len(result.Issues),
			"added", result.Added,
			"local_wins", result.LocalWins,
			"remote_wins", result.RemoteWins,
			"reallocated", len(result.Reallocated))
		return nil
	},
}

// readLogFile parses one merge stage. Git hands over temp files that may
// be empty (an empty ancestor means unrelated histories).
func readLogFile(path string) ([]*types.Issue, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	issues, err := journal.ParseIssues(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return issues, nil
}

func init() {
	rootCmd.AddCommand(mergeFileCmd)
}
