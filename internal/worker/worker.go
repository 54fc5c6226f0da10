// Package worker implements the execution runtime: processes that poll the
// queue, claim one execution at a time, spawn the interpreter, capture
// output under the flush policy, and write the terminal row.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"brain/internal/execution"
	"brain/internal/logging"

	"github.com/google/uuid"
)

// termGrace is how long a process gets between SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

// cancelPollInterval is how often a running execution checks its cancel flag.
const cancelPollInterval = time.Second

// Config carries the resolved runtime settings for one worker.
type Config struct {
	LogDir            string
	StorePath         string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	WallClockLimit    time.Duration
	InlineOutputCap   int64
}

// Worker claims and runs executions until its context is cancelled.
type Worker struct {
	id       string
	queue    *execution.Queue
	cfg      Config
	hostname string
}

// New creates a worker with a fresh identity.
func New(queue *execution.Queue, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.WallClockLimit <= 0 {
		cfg.WallClockLimit = 5 * time.Minute
	}
	if cfg.InlineOutputCap <= 0 {
		cfg.InlineOutputCap = 1 << 20
	}
	hostname, _ := os.Hostname()
	return &Worker{
		id:       uuid.NewString(),
		queue:    queue,
		cfg:      cfg,
		hostname: hostname,
	}
}

// ID returns the worker's identity as stamped on claimed rows.
func (w *Worker) ID() string { return w.id }

// Run is the worker loop: heartbeat on its interval, claim on the poll
// interval, execute claimed work inline. Returns when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create execution log dir: %w", err)
	}
	if err := w.queue.Heartbeat(w.id, w.hostname, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := w.queue.RemoveWorker(w.id); err != nil {
			logging.WorkerError("Failed to deregister worker %s: %v", w.id, err)
		}
	}()

	logging.Worker("Worker %s started (host=%s pid=%d)", w.id, w.hostname, os.Getpid())

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Worker("Worker %s stopping: %v", w.id, ctx.Err())
			return ctx.Err()
		case <-heartbeat.C:
			if err := w.queue.Heartbeat(w.id, w.hostname, os.Getpid()); err != nil {
				logging.WorkerError("Heartbeat failed: %v", err)
			}
		case <-poll.C:
			claimed, err := w.queue.Claim(w.id, os.Getpid())
			if err != nil {
				logging.WorkerError("Claim failed: %v", err)
				continue
			}
			if claimed == nil {
				continue
			}
			w.execute(ctx, claimed)
		}
	}
}

// execute runs one claimed execution end to end.
func (w *Worker) execute(ctx context.Context, e *execution.Execution) {
	timer := logging.StartTimer(logging.CategoryWorker, "execute "+e.ID)
	defer timer.Stop()

	outPath := filepath.Join(w.cfg.LogDir, e.ID+".out")
	errPath := filepath.Join(w.cfg.LogDir, e.ID+".err")

	if err := w.queue.MarkRunning(e.ID, outPath, errPath); err != nil {
		logging.WorkerError("Cannot start %s: %v", e.ID, err)
		return
	}

	stdout, err := newStreamBuffer(outPath, w.cfg.InlineOutputCap)
	if err != nil {
		w.finish(e.ID, execution.StatusFailed, fmt.Sprintf("failed to open output log: %v", err), execution.FinishStats{ExitCode: -1})
		return
	}
	stderr, err := newStreamBuffer(errPath, w.cfg.InlineOutputCap)
	if err != nil {
		stdout.Close()
		w.finish(e.ID, execution.StatusFailed, fmt.Sprintf("failed to open error log: %v", err), execution.FinishStats{ExitCode: -1})
		return
	}

	runCtx, cancelRun := context.WithTimeout(ctx, w.cfg.WallClockLimit)
	defer cancelRun()

	cmd := w.buildCommand(e)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group, so termination signals reach grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		w.finish(e.ID, execution.StatusFailed, fmt.Sprintf("failed to start interpreter: %v", err), execution.FinishStats{ExitCode: -1})
		return
	}
	logging.WorkerDebug("Execution %s running as pid %d", e.ID, cmd.Process.Pid)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	status, waitErr, cancelled := w.supervise(runCtx, e.ID, cmd, waitCh)

	stdout.Close()
	stderr.Close()

	stats := execution.FinishStats{
		WallTimeMs:      time.Since(started).Milliseconds(),
		OutputSizeBytes: stdout.Written(),
		ErrorSizeBytes:  stderr.Written(),
		OutputTruncated: stdout.Truncated() || stderr.Truncated(),
	}

	var errMsg string
	switch status {
	case execution.StatusCompleted:
		stats.ExitCode = 0
	case execution.StatusTimeout:
		stats.ExitCode = -1
		errMsg = fmt.Sprintf("execution exceeded wall clock limit of %s", w.cfg.WallClockLimit)
	case execution.StatusCancelled:
		stats.ExitCode = -1
		if cancelled {
			errMsg = "cancelled by request"
		} else {
			errMsg = "worker shutting down"
		}
	case execution.StatusFailed:
		stats.ExitCode = exitCode(waitErr)
		errMsg = fmt.Sprintf("process exited with code %d", stats.ExitCode)
	}

	w.finish(e.ID, status, errMsg, stats)
}

// supervise waits for the process while honoring the wall clock limit and
// the row's cancel flag. Returns the terminal status to record.
func (w *Worker) supervise(ctx context.Context, id string, cmd *exec.Cmd, waitCh chan error) (execution.Status, error, bool) {
	cancelPoll := time.NewTicker(cancelPollInterval)
	defer cancelPoll.Stop()

	for {
		select {
		case err := <-waitCh:
			if err == nil {
				return execution.StatusCompleted, nil, false
			}
			return execution.StatusFailed, err, false
		case <-cancelPoll.C:
			requested, err := w.queue.CancelRequested(id)
			if err != nil {
				logging.WorkerError("Cancel poll for %s failed: %v", id, err)
				continue
			}
			if requested {
				logging.Worker("Execution %s cancelled; terminating pid %d", id, cmd.Process.Pid)
				w.terminate(cmd, waitCh)
				return execution.StatusCancelled, nil, true
			}
		case <-ctx.Done():
			w.terminate(cmd, waitCh)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logging.Worker("Execution %s hit wall clock limit; terminated", id)
				return execution.StatusTimeout, nil, false
			}
			return execution.StatusCancelled, nil, false
		}
	}
}

// terminate sends SIGTERM to the process group, waits out the grace
// period, then SIGKILLs whatever is left.
func (w *Worker) terminate(cmd *exec.Cmd, waitCh chan error) {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(termGrace):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-waitCh
}

// buildCommand assembles the interpreter invocation. Python code runs with
// the read-only brain prelude prepended; shell code runs verbatim.
func (w *Worker) buildCommand(e *execution.Execution) *exec.Cmd {
	var cmd *exec.Cmd
	if e.Language == execution.LangPython {
		cmd = exec.Command("python3", "-c", preludePy+"\n"+e.Code)
	} else {
		cmd = exec.Command("sh", "-c", e.Code)
	}
	cmd.Env = append(os.Environ(), "BRAIN_DB="+w.cfg.StorePath)
	return cmd
}

func (w *Worker) finish(id string, status execution.Status, errMsg string, stats execution.FinishStats) {
	won, err := w.queue.Finish(id, status, errMsg, stats)
	if err != nil {
		logging.WorkerError("Failed to record terminal status for %s: %v", id, err)
		return
	}
	if !won {
		logging.WorkerDebug("Execution %s was recovered elsewhere; result dropped", id)
	}
}

// exitCode extracts the process exit code from a Wait error.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
