package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Export pending changes and reimport the log",
	Long: `Sync flushes any unexported mutations to the durable log and then
reimports the log into the query cache. Normally a no-op when nothing
changed; --force rebuilds the cache from the log unconditionally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := cmd.Context()

		if err := store.Flush(ctx); err != nil {
			return err
		}
		if syncForce {
			if err := store.Rebuild(ctx); err != nil {
				return err
			}
		} else if err := store.Refresh(ctx); err != nil {
			return err
		}

		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(stats)
		}
		fmt.Printf("synced: %d issues, %d tombstones\n", stats.Total, stats.Tombstones)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "rebuild the cache even if the log is unchanged")
	rootCmd.AddCommand(syncCmd)
}
