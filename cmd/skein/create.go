package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/types"
)

var createFlags struct {
	description string
	issueType   string
	priority    int
	assignee    string
	labels      []string
	due         string
	deferUntil  string
	blockedBy   []string
	parent      string
}

var createCmd = &cobra.Command{
	Use:     "create <title>",
	GroupID: "issues",
	Short:   "Create an issue",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := cmd.Context()

		priority := createFlags.priority
		if !cmd.Flags().Changed("priority") {
			priority = store.Config().DefaultPriority
		}
		issue := &types.Issue{
			Title:       args[0],
			Description: createFlags.description,
			IssueType:   types.IssueType(createFlags.issueType),
			Priority:    priority,
			Assignee:    createFlags.assignee,
			Labels:      createFlags.labels,
		}
		if createFlags.due != "" {
			if issue.DueAt, err = parseWhen(createFlags.due); err != nil {
				return err
			}
		}
		if createFlags.deferUntil != "" {
			if issue.DeferUntil, err = parseWhen(createFlags.deferUntil); err != nil {
				return err
			}
		}

		id, err := store.Create(ctx, issue)
		if err != nil {
			return err
		}

		for _, blocker := range createFlags.blockedBy {
			dep := &types.Dependency{From: blocker, To: id, Type: types.DepBlocks}
			if err := store.AddDependency(ctx, dep); err != nil {
				return fmt.Errorf("created %s, but failed to add blocker %s: %w", id, blocker, err)
			}
		}
		if createFlags.parent != "" {
			dep := &types.Dependency{From: createFlags.parent, To: id, Type: types.DepParentChild}
			if err := store.AddDependency(ctx, dep); err != nil {
				return fmt.Errorf("created %s, but failed to set parent %s: %w", id, createFlags.parent, err)
			}
		}
		if err := store.AutoFlush(ctx); err != nil {
			return err
		}

		if flagJSON {
			created, err := store.Get(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(created)
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	f := createCmd.Flags()
	f.StringVarP(&createFlags.description, "description", "d", "", "longer description")
	f.StringVarP(&createFlags.issueType, "type", "t", "task", "issue type (task, bug, feature, epic, chore)")
	f.IntVarP(&createFlags.priority, "priority", "p", 2, "priority, 0 (lowest) to 4 (critical); default from config")
	f.StringVarP(&createFlags.assignee, "assignee", "a", "", "assignee")
	f.StringArrayVarP(&createFlags.labels, "label", "l", nil, "label (repeatable)")
	f.StringVar(&createFlags.due, "due", "", "due date (RFC3339 or natural language)")
	f.StringVar(&createFlags.deferUntil, "defer", "", "hide from ready work until this time")
	f.StringArrayVar(&createFlags.blockedBy, "blocked-by", nil, "id of a blocking issue (repeatable)")
	f.StringVar(&createFlags.parent, "parent", "", "parent issue id")
	rootCmd.AddCommand(createCmd)
}
