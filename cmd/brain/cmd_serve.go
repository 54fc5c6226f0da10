package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"brain/internal/config"
	"brain/internal/orchestrator"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd runs the server process: boot, maintenance timers, config watch
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server process with periodic maintenance",
	Long: `Boots the store (migrations, stale-claim recovery), schedules the
maintenance timers (memory rebalance, stale-claim sweep, session cleanup),
and watches the config file for logging changes. The server never executes
user code; run 'brain work' for that.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	brain, err := orchestrator.Boot(cfg)
	if err != nil {
		return fmt.Errorf("failed to boot: %w", err)
	}
	defer brain.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brain.StartMaintenance(ctx)

	watcher, err := config.NewWatcher(configPath, cfg.DataDir)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("Config watcher failed to start", zap.Error(err))
	} else {
		defer watcher.Wait()
	}

	logger.Info("Server running",
		zap.String("store", brain.Store.Path()),
		zap.Int("schema", brain.Store.SchemaVersion()))
	fmt.Printf("🧠 brain serving (store %s)\n", brain.Store.Path())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	cancel()
	return nil
}
