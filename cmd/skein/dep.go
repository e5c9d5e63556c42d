package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/types"
)

var depType string

var depCmd = &cobra.Command{
	Use:     "dep",
	GroupID: "graph",
	Short:   "Manage dependencies between issues",
}

var depAddCmd = &cobra.Command{
	Use:   "add <from> <to>",
	Short: "Add a dependency edge",
	Long: `Add records a dependency from one issue onto another. With the
default type "blocks", <from> blocks <to>: <to> is not ready work until
<from> is closed. Type "parent-child" places <to> under <from> in the
hierarchy.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := types.DependencyType(depType)
		if !typ.IsValid() {
			return fmt.Errorf("unknown dependency type %q", depType)
		}
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := cmd.Context()

		dep := &types.Dependency{From: args[0], To: args[1], Type: typ}
		if err := store.AddDependency(ctx, dep); err != nil {
			return err
		}
		if err := store.AutoFlush(ctx); err != nil {
			return err
		}
		fmt.Printf("added %s %s %s\n", args[0], typ, args[1])
		return nil
	},
}

var depRemoveCmd = &cobra.Command{
	Use:   "remove <from> <to>",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := types.DependencyType(depType)
		if !typ.IsValid() {
			return fmt.Errorf("unknown dependency type %q", depType)
		}
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := cmd.Context()

		if err := store.RemoveDependency(ctx, args[0], args[1], typ); err != nil {
			return err
		}
		if err := store.AutoFlush(ctx); err != nil {
			return err
		}
		fmt.Printf("removed %s %s %s\n", args[0], typ, args[1])
		return nil
	},
}

var treeDepth int

var depTreeCmd = &cobra.Command{
	Use:   "tree <id>",
	Short: "Show the dependency tree rooted at an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := cmd.Context()

		if _, err := store.Get(ctx, args[0]); err != nil {
			return err
		}
		g, err := store.Graph(ctx)
		if err != nil {
			return err
		}
		nodes := g.Subtree(args[0], treeDepth)
		if flagJSON {
			return printJSON(nodes)
		}
		renderer().Tree(nodes)
		return nil
	},
}

func init() {
	depCmd.PersistentFlags().StringVarP(&depType, "type", "t", string(types.DepBlocks), "dependency type (blocks, related, parent-child, discovered-from)")
	depTreeCmd.Flags().IntVar(&treeDepth, "depth", 10, "maximum depth to display")
	depCmd.AddCommand(depAddCmd, depRemoveCmd, depTreeCmd)
	rootCmd.AddCommand(depCmd)
}
