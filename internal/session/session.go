// Package session issues opaque session identifiers and manages their
// ephemeral lifecycle: create, resume, update, auto-touch, and time-based
// reaping. Sessions never survive past their expiry and are never revived.
package session

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"brain/internal/document"
	"brain/internal/logging"
	"brain/internal/store"

	"github.com/google/uuid"
)

// ErrNotActive is returned by Update when the session is missing, expired,
// or terminated. Get never returns it; an unreachable session reads as nil.
var ErrNotActive = errors.New("session not active")

// Event names recorded in session_events.
const (
	EventCreated    = "created"
	EventUpdated    = "updated"
	EventExpired    = "expired"
	EventTerminated = "terminated"
)

// Session is one conversation context row.
type Session struct {
	ID               string
	UserID           string
	StartedAt        string
	LastAccessed     string
	ExpiresAt        string
	Data             document.Value
	InitialContext   document.Value
	IsActive         bool
	TerminatedReason string
	InteractionCount int
	MemoryOps        int
	ExecutionOps     int
}

// Manager is the C3 component. The cache is a private read-through copy;
// the store row stays authoritative and entries are rebuilt from it.
type Manager struct {
	store *store.Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]*Session
}

// NewManager wires session management against an opened store.
func NewManager(st *store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: st, ttl: ttl, cache: make(map[string]*Session)}
}

// userID resolves the owning user from the environment.
func userID() string {
	if u := os.Getenv("BRAIN_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

// Create inserts a fresh session and emits a created event. The initial
// context snapshot comes from the orchestrator's init assembly.
func (m *Manager) Create(initialContext document.Value) (string, error) {
	timer := logging.StartTimer(logging.CategorySession, "Create")
	defer timer.Stop()

	id := uuid.NewString()
	user := userID()
	ttlSeconds := int(m.ttl.Seconds())

	ctxText, err := initialContext.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode initial context: %w", err)
	}

	err = m.store.RetryBusy(func() error {
		tx, err := m.store.DB().Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`
			INSERT INTO sessions (id, user_id, expires_at, data, initial_context)
			VALUES (?, ?, datetime('now', ? || ' seconds'), '{}', ?)`,
			id, user, ttlSeconds, string(ctxText)); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO session_events (session_id, event, detail) VALUES (?, ?, ?)`,
			id, EventCreated, user); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		logging.Get(logging.CategorySession).Error("Create failed: %v", err)
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	logging.Session("Created session %s for user %s (ttl=%s)", id, user, m.ttl)
	return id, nil
}

// Get returns the session if active and unexpired, else nil. A successful
// get touches last_accessed. Missing or expired sessions read as (nil, nil).
func (m *Manager) Get(id string) (*Session, error) {
	timer := logging.StartTimer(logging.CategorySession, "Get")
	defer timer.Stop()

	var sess *Session
	err := m.store.RetryBusy(func() error {
		tx, err := m.store.DB().Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		s, err := scanSession(tx.QueryRow(`
			SELECT id, user_id, started_at, last_accessed, expires_at, data,
			       initial_context, is_active, terminated_reason,
			       interaction_count, memory_ops, execution_ops
			FROM sessions
			WHERE id = ? AND is_active = 1 AND expires_at > datetime('now')`, id))
		if err == sql.ErrNoRows {
			sess = nil
			return tx.Commit()
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(
			"UPDATE sessions SET last_accessed = datetime('now') WHERE id = ?", id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	m.mu.Lock()
	if sess == nil {
		delete(m.cache, id)
	} else {
		m.cache[id] = sess
	}
	m.mu.Unlock()

	return sess, nil
}

// Peek returns the cached copy without touching the store. May be stale;
// callers that need authority use Get.
func (m *Manager) Peek(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache[id]
}

// Update replaces the session's data document, advances last_accessed, and
// emits an updated event naming the top-level keys that were written.
// Updating a session Get would not return fails with ErrNotActive.
func (m *Manager) Update(id string, data document.Value) error {
	timer := logging.StartTimer(logging.CategorySession, "Update")
	defer timer.Stop()

	text, err := data.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode session data: %w", err)
	}

	keys := make([]string, 0, len(data.AsMap()))
	for k := range data.AsMap() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	detail := strings.Join(keys, " ")

	err = m.store.RetryBusy(func() error {
		tx, err := m.store.DB().Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.Exec(`
			UPDATE sessions SET data = ?, last_accessed = datetime('now')
			WHERE id = ? AND is_active = 1 AND expires_at > datetime('now')`,
			string(text), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotActive
		}
		if _, err := tx.Exec(`
			INSERT INTO session_events (session_id, event, detail) VALUES (?, ?, ?)`,
			id, EventUpdated, detail); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrNotActive) {
			return fmt.Errorf("%w: %s", ErrNotActive, id)
		}
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.cache, id) // rebuilt from the row on next Get
	m.mu.Unlock()

	logging.SessionDebug("Updated session %s (keys: %s)", id, detail)
	return nil
}

// SetInitialContext overwrites the initial_context snapshot; the
// orchestrator calls this once per init after assembling the context.
func (m *Manager) SetInitialContext(id string, ctx document.Value) error {
	text, err := ctx.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode initial context: %w", err)
	}
	return m.store.RetryBusy(func() error {
		_, err := m.store.DB().Exec(
			"UPDATE sessions SET initial_context = ? WHERE id = ?", string(text), id)
		if err != nil {
			return fmt.Errorf("failed to set initial context for %s: %w", id, err)
		}
		return nil
	})
}

// RecordActivity bumps the session's operation counters. kind is one of
// "interaction", "memory", "execution"; unknown kinds are ignored.
func (m *Manager) RecordActivity(id, kind string) {
	var column string
	switch kind {
	case "interaction":
		column = "interaction_count"
	case "memory":
		column = "memory_ops"
	case "execution":
		column = "execution_ops"
	default:
		return
	}
	_, err := m.store.DB().Exec(
		"UPDATE sessions SET "+column+" = "+column+" + 1 WHERE id = ? AND is_active = 1", id)
	if err != nil {
		logging.SessionDebug("RecordActivity(%s, %s) failed: %v", id, kind, err)
	}
}

// Terminate deactivates a session explicitly with the given reason.
func (m *Manager) Terminate(id, reason string) error {
	err := m.store.RetryBusy(func() error {
		tx, err := m.store.DB().Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.Exec(`
			UPDATE sessions SET is_active = 0, terminated_reason = ?
			WHERE id = ? AND is_active = 1`, reason, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotActive
		}
		if _, err := tx.Exec(`
			INSERT INTO session_events (session_id, event, detail) VALUES (?, ?, ?)`,
			id, EventTerminated, reason); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrNotActive) {
			return fmt.Errorf("%w: %s", ErrNotActive, id)
		}
		return fmt.Errorf("failed to terminate session %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()

	logging.Session("Terminated session %s: %s", id, reason)
	return nil
}

// Cleanup marks every active, expired session inactive with reason
// "expired", emits events, and returns the count. Idempotent.
func (m *Manager) Cleanup() (int, error) {
	timer := logging.StartTimer(logging.CategorySession, "Cleanup")
	defer timer.Stop()

	var count int
	err := m.store.RetryBusy(func() error {
		tx, err := m.store.DB().Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.Query(`
			SELECT id FROM sessions
			WHERE is_active = 1 AND expires_at < datetime('now')`)
		if err != nil {
			return err
		}
		var expired []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				expired = append(expired, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range expired {
			if _, err := tx.Exec(`
				UPDATE sessions SET is_active = 0, terminated_reason = 'expired'
				WHERE id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT INTO session_events (session_id, event, detail) VALUES (?, ?, '')`,
				id, EventExpired); err != nil {
				return err
			}
		}
		count = len(expired)
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("session cleanup failed: %w", err)
	}

	if count > 0 {
		m.mu.Lock()
		m.cache = make(map[string]*Session)
		m.mu.Unlock()
		logging.Session("Cleanup reaped %d expired sessions", count)
	}
	return count, nil
}

// ActiveCount reports how many sessions are currently reachable.
func (m *Manager) ActiveCount() (int, error) {
	var n int
	err := m.store.DB().QueryRow(`
		SELECT COUNT(*) FROM sessions
		WHERE is_active = 1 AND expires_at > datetime('now')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return n, nil
}

// Events returns the append-only event log for one session, oldest first.
func (m *Manager) Events(id string) ([]string, error) {
	rows, err := m.store.DB().Query(`
		SELECT event FROM session_events WHERE session_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read session events: %w", err)
	}
	defer rows.Close()

	var events []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err == nil {
			events = append(events, e)
		}
	}
	return events, rows.Err()
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		s          Session
		dataText   string
		ctxText    string
		active     int
		terminated sql.NullString
	)
	err := row.Scan(&s.ID, &s.UserID, &s.StartedAt, &s.LastAccessed, &s.ExpiresAt,
		&dataText, &ctxText, &active, &terminated,
		&s.InteractionCount, &s.MemoryOps, &s.ExecutionOps)
	if err != nil {
		return nil, err
	}
	s.IsActive = active == 1
	s.TerminatedReason = terminated.String

	if s.Data, err = document.Decode([]byte(dataText)); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	if s.InitialContext, err = document.Decode([]byte(ctxText)); err != nil {
		return nil, fmt.Errorf("failed to decode initial context: %w", err)
	}
	return &s, nil
}
