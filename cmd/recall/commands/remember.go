package commands

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/recall/pkg/recall/assistant"
	"github.com/jholhewres/recall/pkg/recall/memory"
)

// newRememberCmd creates the `recall remember` command.
func newRememberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remember <fact>",
		Short: "Add a fact to long-term memory",
		Long: `Add a fact the assistant should remember in future conversations.
Useful for preferences, personal context and recurring information.

Examples:
  recall remember "I prefer responses in German"
  recall remember "My daily standup is at 9am"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)

			store, err := openMemoryStore(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			fact := strings.Join(args, " ")
			id, err := store.Save(cmd.Context(), fact)
			if err != nil {
				return fmt.Errorf("saving memory: %w", err)
			}
			fmt.Printf("Remembered (%s): %q\n", id, fact)
			return nil
		},
	}
}

// openMemoryStore builds the embedder and opens the memory store.
func openMemoryStore(cfg *assistant.Config, logger *slog.Logger) (*memory.Store, error) {
	embedder, err := memory.NewEmbeddingProvider(cfg.Memory.Embedding)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	store, err := memory.Open(cfg.Memory.DataDir, embedder, cfg.Memory.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}
	return store, nil
}
