package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/config"
	"github.com/skeinhq/skein/internal/types"
)

var closeReason string

var closeCmd = &cobra.Command{
	Use:     "close <id>...",
	GroupID: "issues",
	Short:   "Close one or more issues",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := cmd.Context()

		for _, id := range args {
			_, err := store.Update(ctx, id, func(issue *types.Issue) error {
				if issue.Status == types.StatusClosed {
					return fmt.Errorf("issue %s is already closed", id)
				}
				now := time.Now().UTC()
				issue.Status = types.StatusClosed
				issue.ClosedAt = &now
				issue.CloseReason = closeReason
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("closed %s\n", id)
		}
		return store.AutoFlush(ctx)
	},
}

var deleteFlags struct {
	reason string
	force  bool
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "issues",
	Short:   "Delete an issue permanently",
	Long: `Delete writes a tombstone for the issue. The id can never be
reused, and the deletion survives merges: an edit made concurrently on
another clone will not resurrect the issue.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := cmd.Context()
		id := args[0]

		issue, err := store.Get(ctx, id)
		if err != nil {
			return err
		}

		if !deleteFlags.force {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Permanently delete %s (%q)?", id, issue.Title)).
				Description("The id is tombstoned and can never be reused.").
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("aborted")
				return nil
			}
		}

		writerID, err := config.WriterID(store.Journal().Dir())
		if err != nil {
			return err
		}
		if err := store.Delete(ctx, id, writerID, deleteFlags.reason); err != nil {
			return err
		}
		if err := store.AutoFlush(ctx); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", id)
		return nil
	},
}

func init() {
	closeCmd.Flags().StringVarP(&closeReason, "reason", "r", "completed", "close reason")
	deleteCmd.Flags().StringVarP(&deleteFlags.reason, "reason", "r", "", "deletion reason")
	deleteCmd.Flags().BoolVarP(&deleteFlags.force, "force", "f", false, "skip confirmation")
	rootCmd.AddCommand(closeCmd, deleteCmd)
}
