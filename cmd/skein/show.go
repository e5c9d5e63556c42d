package main

import (
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "issues",
	Short:   "Show one issue in full",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := cmd.Context()

		issue, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(issue)
		}

		g, err := store.Graph(ctx)
		if err != nil {
			return err
		}
		renderer().IssueDetail(issue, g.DisplayName(issue.ID), g.BlockedBy(issue.ID), g.Blocks(issue.ID))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
