// Package commands implements the recall CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/recall/pkg/recall/assistant"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "recall",
		Short: "recall - personal assistant with semantic memory",
		Long: `recall is a personal assistant daemon with chunked semantic memory.
It answers over WhatsApp or Telegram webhooks, remembers facts across
conversations and runs scheduled tasks.

Examples:
  recall serve
  recall remember "my standup is at 9am"
  recall memory search "standup"
  recall schedule add "daily at 9:00" "send me a morning briefing" --chat-id 15551234567`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newRememberCmd(),
		newMemoryCmd(),
		newScheduleCmd(),
		newWebhookCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the configuration honoring the --config flag.
func resolveConfig(cmd *cobra.Command) (*assistant.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := assistant.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the logger from config plus the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *assistant.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
