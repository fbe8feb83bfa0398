package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/recall/pkg/recall/assistant"
	"github.com/jholhewres/recall/pkg/recall/channels"
	"github.com/jholhewres/recall/pkg/recall/gateway"
	"github.com/jholhewres/recall/pkg/recall/memory"
	"github.com/jholhewres/recall/pkg/recall/messages"
	"github.com/jholhewres/recall/pkg/recall/runner"
	"github.com/jholhewres/recall/pkg/recall/scheduler"
	"github.com/jholhewres/recall/pkg/recall/session"
	"github.com/jholhewres/recall/pkg/recall/storage"
)

// newServeCmd creates the `recall serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook daemon",
		Long: `Start recall as a daemon: webhook gateway, message pipeline and
task scheduler.

Examples:
  recall serve
  recall serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──
	db, err := storage.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	embedder, err := memory.NewEmbeddingProvider(cfg.Memory.Embedding)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}
	memStore, err := memory.Open(cfg.Memory.DataDir, embedder, cfg.Memory.Store, logger)
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer memStore.Close()

	sessions, err := session.NewLogger(cfg.SessionsDir, logger)
	if err != nil {
		return fmt.Errorf("creating session logger: %w", err)
	}
	msgStore := messages.NewStore(db, logger)
	if removed, err := msgStore.Cleanup(30 * 24 * time.Hour); err != nil {
		logger.Warn("message cleanup failed", "error", err)
	} else if removed > 0 {
		logger.Info("old messages cleaned up", "removed", removed)
	}

	// ── Channel and runner ──
	channel, err := channels.NewClient(cfg.Channel)
	if err != nil {
		return fmt.Errorf("creating channel client: %w", err)
	}
	cli, err := runner.New(cfg.Runner, logger)
	if err != nil {
		return err
	}

	// ── Pipeline ──
	a := assistant.New(channel, cli, memStore, msgStore, sessions, cfg.AllowedUsers, logger)

	sched := scheduler.New(scheduler.NewSQLiteJobStorage(db), a.HandleScheduledJob, logger)
	sched.SetDeliverHandler(a.Deliver)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	gw := gateway.New(a, channel, gateway.Config{
		Address: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}, logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("recall running, press Ctrl+C to stop",
		"platform", channel.Name(),
		"address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		gw.Stop(shutdownCtx)
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out, forcing exit")
	}
	return nil
}
