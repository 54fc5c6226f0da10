// Package orchestrator owns startup and composition: it opens the store,
// wires every component in order, recovers stale claims, runs periodic
// maintenance, and answers the caller-facing named operations.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"brain/internal/config"
	"brain/internal/execution"
	"brain/internal/logging"
	"brain/internal/memory"
	"brain/internal/monitor"
	"brain/internal/session"
	"brain/internal/store"
)

// Maintenance cadence.
const (
	rebalanceEvery      = time.Hour
	staleSweepEvery     = time.Minute
	sessionCleanupEvery = 5 * time.Minute
)

// Brain is the immutable bundle of component handles. It is constructed
// once by Boot and passed by reference; it holds no mutable state of its
// own beyond the components it wraps.
type Brain struct {
	cfg      *config.Config
	Store    *store.Store
	Memories *memory.Manager
	Sessions *session.Manager
	Queue    *execution.Queue
	Monitor  *monitor.Monitor

	maintWG sync.WaitGroup
}

// Boot opens the store, migrates the schema, wires components in their
// fixed order, and runs one stale-claim sweep so recovered work is queued
// before anything is accepted.
func Boot(cfg *config.Config) (*Brain, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "Boot")
	defer timer.Stop()

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	b := &Brain{cfg: cfg, Store: st}
	b.Memories = memory.NewManager(st, memory.Config{
		HotCapacity:          cfg.Memory.HotCapacity,
		HotTarget:            cfg.Memory.HotTarget,
		CompressionThreshold: cfg.Memory.CompressionThreshold,
		MaxValueBytes:        cfg.Memory.MaxValueBytes,
	})
	b.Sessions = session.NewManager(st, cfg.SessionTTL())
	b.Queue = execution.NewQueue(st, cfg.Execution.MaxRetries)
	b.Monitor = monitor.New(st, b.Memories, b.Sessions, b.Queue)

	if stats, err := b.Queue.SweepStale(b.staleAfterSeconds(), b.heartbeatSeconds()); err != nil {
		logging.BootError("Startup stale sweep failed: %v", err)
	} else if stats.Requeued > 0 || stats.Failed > 0 {
		logging.Boot("Startup recovery: requeued=%d failed=%d", stats.Requeued, stats.Failed)
	}

	logging.Boot("Brain booted: store=%s schema=v%d", st.Path(), st.SchemaVersion())
	return b, nil
}

func (b *Brain) staleAfterSeconds() int {
	return int(b.cfg.StaleClaimAfter().Seconds())
}

func (b *Brain) heartbeatSeconds() int {
	// A worker is presumed dead after missing two heartbeats.
	return int(b.cfg.HeartbeatInterval().Seconds()) * 2
}

// StartMaintenance schedules the periodic tasks: memory rebalance, stale
// claim sweep, and session cleanup. Failures log and the ticker continues;
// maintenance never kills the server.
func (b *Brain) StartMaintenance(ctx context.Context) {
	run := func(name string, every time.Duration, task func() error) {
		b.maintWG.Add(1)
		go func() {
			defer b.maintWG.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := task(); err != nil {
						logging.Get(logging.CategoryOps).Error("Maintenance %s failed: %v", name, err)
					}
				}
			}
		}()
	}

	run("rebalance", rebalanceEvery, func() error {
		_, err := b.Memories.Rebalance()
		return err
	})
	run("stale-sweep", staleSweepEvery, func() error {
		_, err := b.Queue.SweepStale(b.staleAfterSeconds(), b.heartbeatSeconds())
		return err
	})
	run("session-cleanup", sessionCleanupEvery, func() error {
		_, err := b.Sessions.Cleanup()
		return err
	})

	logging.Ops("Maintenance scheduled: rebalance=%s sweep=%s cleanup=%s",
		rebalanceEvery, staleSweepEvery, sessionCleanupEvery)
}

// Close waits for maintenance to stop and closes the store.
func (b *Brain) Close() error {
	b.maintWG.Wait()
	return b.Store.Close()
}
