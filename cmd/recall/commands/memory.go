package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newMemoryCmd creates the `recall memory` command group.
func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage long-term memory",
		Long: `Search, list and delete stored memories.

Examples:
  recall memory search "standup time"
  recall memory list
  recall memory delete 20260827_091500_000042
  recall memory stats`,
	}

	cmd.AddCommand(
		newMemorySearchCmd(),
		newMemoryListCmd(),
		newMemoryDeleteCmd(),
		newMemoryStatsCmd(),
	)
	return cmd
}

func newMemorySearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories by meaning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openMemoryStore(cfg, newLogger(cmd, cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			threshold, _ := cmd.Flags().GetFloat64("threshold")
			minResults, _ := cmd.Flags().GetInt("min-results")

			query := strings.Join(args, " ")
			results, err := store.Search(cmd.Context(), query, threshold, minResults)
			if err != nil {
				return fmt.Errorf("searching memories: %w", err)
			}
			if len(results) == 0 {
				fmt.Println("No matching memories.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%.3f  %s  %s\n", r.Similarity, r.MemoryID, r.Content)
			}
			return nil
		},
	}

	cmd.Flags().Float64("threshold", 0, "minimum similarity (0 uses the configured default)")
	cmd.Flags().Int("min-results", 0, "results returned even below the threshold")
	return cmd
}

func newMemoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored memories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openMemoryStore(cfg, newLogger(cmd, cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			memories, err := store.All()
			if err != nil {
				return fmt.Errorf("listing memories: %w", err)
			}
			if len(memories) == 0 {
				fmt.Println("No memories stored.")
				return nil
			}
			for _, m := range memories {
				fmt.Printf("%s  %s\n", m.ID, m.Content)
			}
			return nil
		},
	}
}

func newMemoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a memory and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openMemoryStore(cfg, newLogger(cmd, cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := store.Delete(args[0])
			if err != nil {
				return fmt.Errorf("deleting memory: %w", err)
			}
			if !deleted {
				fmt.Printf("No memory with id %s.\n", args[0])
				return nil
			}
			fmt.Printf("Deleted %s.\n", args[0])
			return nil
		},
	}
}

func newMemoryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show memory store counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openMemoryStore(cfg, newLogger(cmd, cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			memories, chunks, err := store.Count()
			if err != nil {
				return fmt.Errorf("counting memories: %w", err)
			}
			fmt.Printf("memories: %d\nchunks:   %d\n", memories, chunks)
			return nil
		},
	}
}
