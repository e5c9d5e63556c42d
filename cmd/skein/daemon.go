package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run and control the background sync daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run watches the durable log for external changes (pulls, merges,
edits from other tools) and keeps the query cache fresh, so individual
commands skip the staleness check round trip. One daemon per clone; a
lock file protects against double starts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		stateDir := store.Journal().Dir()
		debounce := store.Config().SyncDebounce

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d := daemon.New(store, stateDir, daemon.Options{Debounce: debounce})
		logger.Info("daemon starting", "dir", stateDir, "pid", os.Getpid())
		return d.Run(ctx)
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		stateDir, err := findStateDir()
		if err != nil {
			return err
		}
		pid := daemon.LockedPID(stateDir)
		if pid == 0 {
			if flagJSON {
				return printJSON(map[string]bool{"running": false})
			}
			fmt.Println("daemon not running")
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		info, err := daemon.NewClient(stateDir).Status(ctx)
		if err != nil {
			return fmt.Errorf("daemon (pid %d) not responding: %w", pid, err)
		}
		if flagJSON {
			return printJSON(info)
		}
		fmt.Printf("daemon running: pid %d, up since %s, %d issues (log %.8s)\n",
			info.PID, info.StartedAt.Format(time.RFC3339), info.Issues, info.LogHash)
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		stateDir, err := findStateDir()
		if err != nil {
			return err
		}
		if daemon.LockedPID(stateDir) == 0 {
			fmt.Println("daemon not running")
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := daemon.NewClient(stateDir).Stop(ctx); err != nil {
			return err
		}
		fmt.Println("daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonRunCmd, daemonStatusCmd, daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}
