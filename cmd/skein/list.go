package main

import (
	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/cache"
	"github.com/skeinhq/skein/internal/types"
)

var listFlags struct {
	status    string
	issueType string
	priority  int
	assignee  string
	label     string
	limit     int
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "issues",
	Short:   "List issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		filter := types.IssueFilter{
			Status:    types.Status(listFlags.status),
			IssueType: types.IssueType(listFlags.issueType),
			Assignee:  listFlags.assignee,
			Label:     listFlags.label,
			Limit:     listFlags.limit,
		}
		if cmd.Flags().Changed("priority") {
			filter.Priority = &listFlags.priority
		}

		issues, err := store.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(issues)
		}
		renderer().IssueTable(issues)
		return nil
	},
}

var readyFlags struct {
	includeDeferred bool
	assignee        string
	limit           int
}

var readyCmd = &cobra.Command{
	Use:     "ready",
	GroupID: "issues",
	Short:   "List issues that are ready to work on",
	Long: `Ready issues are open, past any defer time, not part of a
dependency cycle, and have no open blocker. Ordered by priority, then
age.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		issues, err := store.Ready(cmd.Context(), cache.ReadyOptions{
			IncludeDeferred: readyFlags.includeDeferred,
			Assignee:        readyFlags.assignee,
			Limit:           readyFlags.limit,
		})
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(issues)
		}
		renderer().IssueTable(issues)
		return nil
	},
}

var blockedCmd = &cobra.Command{
	Use:     "blocked",
	GroupID: "issues",
	Short:   "List blocked issues and what blocks them",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		blocked, err := store.Blocked(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(blocked)
		}
		renderer().BlockedTable(blocked)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "issues",
	Short:   "Show aggregate issue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(stats)
		}
		renderer().Stats(stats)
		return nil
	},
}

func init() {
	f := listCmd.Flags()
	f.StringVarP(&listFlags.status, "status", "s", "", "filter by status")
	f.StringVarP(&listFlags.issueType, "type", "t", "", "filter by type")
	f.IntVarP(&listFlags.priority, "priority", "p", 0, "filter by exact priority")
	f.StringVarP(&listFlags.assignee, "assignee", "a", "", "filter by assignee")
	f.StringVarP(&listFlags.label, "label", "l", "", "filter by label")
	f.IntVar(&listFlags.limit, "limit", 0, "maximum results")

	rf := readyCmd.Flags()
	rf.BoolVar(&readyFlags.includeDeferred, "include-deferred", false, "include deferred issues")
	rf.StringVarP(&readyFlags.assignee, "assignee", "a", "", "filter by assignee")
	rf.IntVar(&readyFlags.limit, "limit", 0, "maximum results")

	rootCmd.AddCommand(listCmd, readyCmd, blockedCmd, statsCmd)
}
