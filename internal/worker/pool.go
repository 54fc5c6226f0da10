package worker

import (
	"context"

	"brain/internal/execution"
	"brain/internal/logging"

	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed set of workers over one queue.
type Pool struct {
	queue   *execution.Queue
	cfg     Config
	size    int
	workers []*Worker
}

// NewPool sizes a pool. Size is clamped to at least one worker.
func NewPool(queue *execution.Queue, cfg Config, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{queue: queue, cfg: cfg, size: size}
}

// Run starts every worker and blocks until all have stopped. Context
// cancellation is the normal shutdown path and is not reported as an error.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	p.workers = make([]*Worker, p.size)
	for i := 0; i < p.size; i++ {
		w := New(p.queue, p.cfg)
		p.workers[i] = w
		g.Go(func() error {
			err := w.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}
	logging.Worker("Pool started with %d workers", p.size)
	err := g.Wait()
	logging.Worker("Pool stopped")
	return err
}
