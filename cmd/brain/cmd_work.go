package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"brain/internal/orchestrator"
	"brain/internal/worker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCount int

// workCmd runs a worker pool against the shared store
var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run worker processes that claim and execute queued code",
	Long: `Starts a pool of workers against the shared store. Each worker polls
the queue, claims one execution at a time via the atomic claim, spawns the
interpreter in its own process group, and records the result. Multiple
'brain work' invocations may run concurrently.`,
	RunE: runWork,
}

func init() {
	workCmd.Flags().IntVarP(&workerCount, "workers", "n", 0, "worker count (default from config)")
}

func runWork(cmd *cobra.Command, args []string) error {
	brain, err := orchestrator.Boot(cfg)
	if err != nil {
		return fmt.Errorf("failed to boot: %w", err)
	}
	defer brain.Close()

	size := workerCount
	if size <= 0 {
		size = cfg.Worker.MaxWorkers
	}
	if size < cfg.Worker.MinWorkers {
		size = cfg.Worker.MinWorkers
	}

	pool := worker.NewPool(brain.Queue, worker.Config{
		LogDir:            cfg.ExecutionLogDir(),
		StorePath:         cfg.StorePath(),
		PollInterval:      cfg.PollInterval(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		WallClockLimit:    cfg.WallClockLimit(),
		InlineOutputCap:   int64(cfg.Execution.InlineOutputCap),
	}, size)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Stopping workers", zap.String("signal", sig.String()))
		cancel()
	}()

	fmt.Printf("⚙️  brain workers starting (n=%d)\n", size)
	return pool.Run(ctx)
}
