// Package monitor provides the read-only ops surface: health snapshots
// and execution inspection across the whole store.
package monitor

import (
	"fmt"

	"brain/internal/execution"
	"brain/internal/logging"
	"brain/internal/memory"
	"brain/internal/session"
	"brain/internal/store"
)

// Monitor aggregates read paths over every component.
type Monitor struct {
	store    *store.Store
	memories *memory.Manager
	sessions *session.Manager
	queue    *execution.Queue
}

// New wires the monitor.
func New(st *store.Store, mem *memory.Manager, sess *session.Manager, queue *execution.Queue) *Monitor {
	return &Monitor{store: st, memories: mem, sessions: sess, queue: queue}
}

// Health is one point-in-time snapshot of the whole system.
type Health struct {
	SchemaVersion  int
	UptimeSeconds  int64
	StoreBytes     int64
	Memories       *memory.Stats
	ActiveSessions int
	Executions     map[execution.Status]int
	LiveWorkers    int
}

// Snapshot assembles a health report. Individual read failures degrade
// the snapshot instead of failing it.
func (m *Monitor) Snapshot() (*Health, error) {
	h := &Health{
		SchemaVersion: m.store.SchemaVersion(),
		UptimeSeconds: int64(m.store.Uptime().Seconds()),
	}

	h.StoreBytes = m.store.FileSize()
	if stats, err := m.memories.GetStats(); err == nil {
		h.Memories = stats
	} else {
		logging.OpsDebug("Health: memory stats unavailable: %v", err)
	}
	if n, err := m.sessions.ActiveCount(); err == nil {
		h.ActiveSessions = n
	}
	if counts, err := m.queue.CountByStatus(); err == nil {
		h.Executions = counts
	}
	if err := m.store.DB().QueryRow(
		"SELECT COUNT(*) FROM workers WHERE last_heartbeat > datetime('now', '-60 seconds')").
		Scan(&h.LiveWorkers); err != nil {
		logging.OpsDebug("Health: worker count unavailable: %v", err)
	}

	return h, nil
}

// ExecutionDetail is one execution plus its captured output.
type ExecutionDetail struct {
	Execution *execution.Execution
	Stdout    string
	Stderr    string
}

// Execution returns one execution with its log bodies read lazily.
func (m *Monitor) Execution(id string) (*ExecutionDetail, error) {
	e, err := m.queue.GetStatus(id)
	if err != nil {
		return nil, err
	}
	stdout, stderr, err := m.queue.GetOutput(id)
	if err != nil {
		return nil, fmt.Errorf("failed to read output for %s: %w", id, err)
	}
	return &ExecutionDetail{Execution: e, Stdout: stdout, Stderr: stderr}, nil
}

// RecentExecutions lists metadata for a session's latest runs, no output
// files touched.
func (m *Monitor) RecentExecutions(sessionID string, limit int) ([]execution.RecentExecution, error) {
	return m.queue.ListRecent(sessionID, limit)
}
