package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/errs"
	"github.com/skeinhq/skein/internal/graph"
	"github.com/skeinhq/skein/internal/journal"
	"github.com/skeinhq/skein/internal/vcs"
)

type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

var doctorFix bool

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: "sync",
	Short:   "Diagnose the store and its git wiring",
	Long: `Doctor checks that the store is initialized, the git merge driver
and hooks are installed, the log is free of conflict markers, the
dependency graph is sound, and the query cache matches the log. With
--fix it repairs what it safely can: reinstalls the driver and hooks
and rebuilds the cache. Repairs only touch per-clone state, never the
shared log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var checks []doctorCheck
		add := func(name string, ok bool, detail string) {
			checks = append(checks, doctorCheck{Name: name, OK: ok, Detail: detail})
		}

		stateDir, err := findStateDir()
		if err != nil {
			add("initialized", false, "no "+journal.DirName+" directory found; run `skein init`")
			return doctorReport(checks)
		}
		add("initialized", true, stateDir)

		g, err := vcs.Detect(stateDir)
		switch {
		case errors.Is(err, errs.ErrToolMissing):
			add("git installed", false, "git binary not found in PATH")
		case errors.Is(err, vcs.ErrNotInRepo):
			add("git repository", false, "state directory is not inside a git repository")
		case err != nil:
			add("git repository", false, err.Error())
		default:
			add("git repository", true, g.Root())
			switch {
			case g.MergeDriverInstalled(ctx):
				add("merge driver", true, "")
			case doctorFix:
				if err := g.InstallMergeDriver(ctx); err != nil {
					add("merge driver", false, err.Error())
				} else {
					add("merge driver", true, "installed")
				}
			default:
				add("merge driver", false, "run `skein doctor --fix` to register")
			}
			if doctorFix {
				if _, err := g.InstallHooks(); err != nil {
					add("hooks", false, err.Error())
				}
			}
			for _, hook := range vcs.HookNames() {
				if g.HookInstalled(hook) {
					add(hook+" hook", true, "")
				} else if doctorFix {
					add(hook+" hook", false, "existing hook left in place")
				} else {
					add(hook+" hook", false, "run `skein doctor --fix` to install")
				}
			}
			if g.MergeInProgress() {
				add("merge in progress", false, "resolve the merge, then run `skein sync`")
			}
		}

		j, err := journal.Open(stateDir)
		if err != nil {
			add("log readable", false, err.Error())
			return doctorReport(checks)
		}
		issues, issuesErr := j.ReadIssues()
		tombstones, tsErr := j.ReadTombstones()
		switch {
		case errors.Is(issuesErr, errs.ErrMergeConflict) || errors.Is(tsErr, errs.ErrMergeConflict):
			add("log clean", false, "log contains unresolved conflict markers")
			return doctorReport(checks)
		case issuesErr != nil:
			add("log readable", false, issuesErr.Error())
			return doctorReport(checks)
		case tsErr != nil:
			add("log readable", false, tsErr.Error())
			return doctorReport(checks)
		}
		add("log clean", true, fmt.Sprintf("%d issues, %d tombstones", len(issues), len(tombstones)))

		collapsed := journal.Collapse(issues, tombstones)
		gr := graph.Build(collapsed)

		if dangling := gr.Dangling(); len(dangling) > 0 {
			ids := make([]string, 0, len(dangling))
			for id := range dangling {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			add("dependency targets", false, fmt.Sprintf("%d issues reference missing ids: %v", len(ids), ids))
		} else {
			add("dependency targets", true, "")
		}

		if cycles := gr.DetectCycles(); len(cycles) > 0 {
			add("dependency cycles", false, fmt.Sprintf("%d cycles, e.g. %v", len(cycles), cycles[0]))
		} else {
			add("dependency cycles", true, "")
		}

		store, closeStore, err := openStore()
		if err != nil {
			add("cache", false, err.Error())
			return doctorReport(checks)
		}
		defer closeStore()
		logHash, err := store.Journal().Hash()
		if err != nil {
			return err
		}
		cacheHash, err := store.Cache().SourceHash(ctx)
		if err != nil {
			add("cache", false, err.Error())
			return doctorReport(checks)
		}
		switch {
		case cacheHash == logHash:
			add("cache fresh", true, fmt.Sprintf("log hash %.8s", logHash))
		case doctorFix:
			if err := store.Rebuild(ctx); err != nil {
				add("cache fresh", false, err.Error())
			} else {
				add("cache fresh", true, "rebuilt from log")
			}
		default:
			add("cache fresh", false, "projection is stale; run `skein sync`")
		}

		return doctorReport(checks)
	},
}

func doctorReport(checks []doctorCheck) error {
	failed := 0
	for _, c := range checks {
		if !c.OK {
			failed++
		}
	}
	if flagJSON {
		if err := printJSON(checks); err != nil {
			return err
		}
	} else {
		for _, c := range checks {
			mark := "ok"
			if !c.OK {
				mark = "FAIL"
			}
			if c.Detail != "" {
				fmt.Printf("%-4s  %-20s %s\n", mark, c.Name, c.Detail)
			} else {
				fmt.Printf("%-4s  %s\n", mark, c.Name)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	return nil
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "repair what can be repaired safely")
	rootCmd.AddCommand(doctorCmd)
}
