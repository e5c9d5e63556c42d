package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/types"
)

var updateFlags struct {
	title        string
	description  string
	status       string
	priority     int
	assignee     string
	issueType    string
	due          string
	deferUntil   string
	addLabels    []string
	removeLabels []string
}

var updateCmd = &cobra.Command{
	Use:     "update <id>",
	GroupID: "issues",
	Short:   "Update fields of an issue",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := cmd.Context()
		flags := cmd.Flags()

		updated, err := store.Update(ctx, args[0], func(issue *types.Issue) error {
			if flags.Changed("title") {
				issue.Title = updateFlags.title
			}
			if flags.Changed("description") {
				issue.Description = updateFlags.description
			}
			if flags.Changed("priority") {
				issue.Priority = updateFlags.priority
			}
			if flags.Changed("assignee") {
				issue.Assignee = updateFlags.assignee
			}
			if flags.Changed("type") {
				issue.IssueType = types.IssueType(updateFlags.issueType)
			}
			if flags.Changed("status") {
				next := types.Status(updateFlags.status)
				if next == types.StatusClosed {
					return fmt.Errorf("use `skein close %s` to close an issue", issue.ID)
				}
				if issue.Status == types.StatusClosed {
					// Reopening clears the close record.
					issue.ClosedAt = nil
					issue.CloseReason = ""
				}
				issue.Status = next
			}
			if flags.Changed("due") {
				t, err := parseWhen(updateFlags.due)
				if err != nil {
					return err
				}
				issue.DueAt = t
			}
			if flags.Changed("defer") {
				t, err := parseWhen(updateFlags.deferUntil)
				if err != nil {
					return err
				}
				issue.DeferUntil = t
			}
			for _, label := range updateFlags.addLabels {
				if !contains(issue.Labels, label) {
					issue.Labels = append(issue.Labels, label)
				}
			}
			for _, label := range updateFlags.removeLabels {
				issue.Labels = remove(issue.Labels, label)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := store.AutoFlush(ctx); err != nil {
			return err
		}

		if flagJSON {
			return printJSON(updated)
		}
		fmt.Printf("updated %s\n", updated.ID)
		return nil
	},
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}

func remove(items []string, s string) []string {
	out := items[:0]
	for _, item := range items {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}

func init() {
	f := updateCmd.Flags()
	f.StringVar(&updateFlags.title, "title", "", "new title")
	f.StringVarP(&updateFlags.description, "description", "d", "", "new description")
	f.StringVarP(&updateFlags.status, "status", "s", "", "new status (open, in_progress, blocked, review)")
	f.IntVarP(&updateFlags.priority, "priority", "p", 2, "new priority")
	f.StringVarP(&updateFlags.assignee, "assignee", "a", "", "new assignee")
	f.StringVarP(&updateFlags.issueType, "type", "t", "", "new type")
	f.StringVar(&updateFlags.due, "due", "", "new due date")
	f.StringVar(&updateFlags.deferUntil, "defer", "", "new defer time")
	f.StringArrayVar(&updateFlags.addLabels, "add-label", nil, "add a label (repeatable)")
	f.StringArrayVar(&updateFlags.removeLabels, "remove-label", nil, "remove a label (repeatable)")
	rootCmd.AddCommand(updateCmd)
}
