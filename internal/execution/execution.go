// Package execution implements the durable code-execution queue: insertion,
// the atomic single-claim handoff to workers, lifecycle metadata, lazy
// output reads, and stale-claim recovery.
package execution

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"brain/internal/logging"
	"brain/internal/store"

	"github.com/google/uuid"
)

// Status is an execution lifecycle state.
type Status string

// Lifecycle states. The four terminal states are never left once written.
const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Languages accepted by the queue.
const (
	LangPython = "python"
	LangShell  = "shell"
)

// ErrNotFound is returned for unknown execution ids.
var ErrNotFound = errors.New("execution not found")

// TruncationMarker is appended to stdout by GetOutput when the inline cap
// was hit during capture.
const TruncationMarker = "\n[Output truncated]"

// codePreviewLen bounds the preview column in recent listings.
const codePreviewLen = 80

// Execution is one queued/running/finished code run.
type Execution struct {
	ID              string
	SessionID       string
	Code            string
	Language        string
	CodeHash        string
	Priority        int
	Status          Status
	WorkerID        string
	PID             int
	CreatedAt       string
	QueuedAt        string
	ClaimedAt       string
	StartedAt       string
	CompletedAt     string
	ExitCode        *int
	ErrorMessage    string
	WallTimeMs      int64
	OutputFile      string
	ErrorFile       string
	OutputSizeBytes int64
	ErrorSizeBytes  int64
	OutputTruncated bool
	RetryCount      int
	MaxRetries      int
}

// Queue is the C2 server-side component.
type Queue struct {
	store      *store.Store
	maxRetries int
}

// NewQueue wires the execution queue against an opened store.
func NewQueue(st *store.Store, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{store: st, maxRetries: maxRetries}
}

// hashCode fingerprints submitted code.
func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Enqueue inserts a new queued execution and returns its id. The language
// is detected from content when not forced by the caller.
func (q *Queue) Enqueue(code, language, sessionID string) (*Execution, error) {
	timer := logging.StartTimer(logging.CategoryExec, "Enqueue")
	defer timer.Stop()

	if strings.TrimSpace(code) == "" {
		return nil, errors.New("code must not be empty")
	}
	if language == "" {
		language = Detect(code)
	}
	if language != LangPython && language != LangShell {
		return nil, fmt.Errorf("unsupported language %q", language)
	}

	id := uuid.NewString()
	priority := derivePriority(code)

	var sess interface{}
	if sessionID != "" {
		sess = sessionID
	}

	err := q.store.RetryBusy(func() error {
		_, err := q.store.DB().Exec(`
			INSERT INTO executions (id, session_id, code, language, code_hash, priority, status, max_retries)
			VALUES (?, ?, ?, ?, ?, ?, 'queued', ?)`,
			id, sess, code, language, hashCode(code), priority, q.maxRetries)
		return err
	})
	if err != nil {
		logging.Get(logging.CategoryExec).Error("Enqueue failed: %v", err)
		return nil, fmt.Errorf("failed to enqueue execution: %w", err)
	}

	logging.Exec("Enqueued execution %s: lang=%s priority=%d bytes=%d", id, language, priority, len(code))
	return &Execution{ID: id, Status: StatusQueued, Language: language, Priority: priority}, nil
}

// derivePriority ranks interactive snippets above obvious long-runners:
// short single-line code gets 7, code matching long-running markers gets 3,
// everything else stays at the default 5.
func derivePriority(code string) int {
	lower := strings.ToLower(code)
	longMarkers := []string{"time.sleep", "while true", "serve_forever", "sleep ", "watch ", "tail -f"}
	for _, marker := range longMarkers {
		if strings.Contains(lower, marker) {
			return 3
		}
	}
	if !strings.Contains(strings.TrimSpace(code), "\n") && len(code) < 200 {
		return 7
	}
	return 5
}

// GetStatus returns lifecycle metadata for one execution. It never reads
// the log files.
func (q *Queue) GetStatus(id string) (*Execution, error) {
	row := q.store.DB().QueryRow(selectColumns+" FROM executions WHERE id = ?", id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read execution %s: %w", id, err)
	}
	return e, nil
}

// GetOutput lazily reads the captured stdout/stderr files. When the inline
// cap was hit, the truncation marker is appended after stdout.
func (q *Queue) GetOutput(id string) (stdout, stderr string, err error) {
	e, err := q.GetStatus(id)
	if err != nil {
		return "", "", err
	}

	if e.OutputFile != "" {
		data, err := os.ReadFile(e.OutputFile)
		if err != nil && !os.IsNotExist(err) {
			return "", "", fmt.Errorf("failed to read output file: %w", err)
		}
		stdout = string(data)
	}
	if e.ErrorFile != "" {
		data, err := os.ReadFile(e.ErrorFile)
		if err != nil && !os.IsNotExist(err) {
			return "", "", fmt.Errorf("failed to read error file: %w", err)
		}
		stderr = string(data)
	}
	if e.OutputTruncated {
		stdout += TruncationMarker
	}
	return stdout, stderr, nil
}

// RecentExecution is a listing row with a truncated code preview.
type RecentExecution struct {
	ID          string
	Status      Status
	Language    string
	CodePreview string
	CreatedAt   string
	CompletedAt string
	ExitCode    *int
}

// ListRecent returns recent executions for a session, newest first.
func (q *Queue) ListRecent(sessionID string, limit int) ([]RecentExecution, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.store.DB().Query(`
		SELECT id, status, language, code, created_at, COALESCE(completed_at, ''), exit_code
		FROM executions
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []RecentExecution
	for rows.Next() {
		var (
			r        RecentExecution
			code     string
			exitCode sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Status, &r.Language, &code, &r.CreatedAt, &r.CompletedAt, &exitCode); err != nil {
			continue
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			r.ExitCode = &v
		}
		if len(code) > codePreviewLen {
			code = code[:codePreviewLen] + "…"
		}
		r.CodePreview = code
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cancel cancels an execution. A queued row goes terminal immediately; a
// running row gets its cancel flag set for the owning worker to honor.
func (q *Queue) Cancel(id string) error {
	return q.store.RetryBusy(func() error {
		res, err := q.store.DB().Exec(`
			UPDATE executions
			SET status = 'cancelled', completed_at = datetime('now'),
			    error_message = 'cancelled before claim'
			WHERE id = ? AND status = 'queued'`, id)
		if err != nil {
			return fmt.Errorf("failed to cancel execution %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			logging.Exec("Cancelled queued execution %s", id)
			return nil
		}

		res, err = q.store.DB().Exec(`
			UPDATE executions SET cancel_requested = 1
			WHERE id = ? AND status IN ('claimed','running')`, id)
		if err != nil {
			return fmt.Errorf("failed to request cancel for %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s (or already terminal)", ErrNotFound, id)
		}
		logging.Exec("Requested cancel for running execution %s", id)
		return nil
	})
}

// CancelStale bulk-marks running rows older than maxAgeSeconds as timeout.
func (q *Queue) CancelStale(maxAgeSeconds int) (int, error) {
	var count int64
	err := q.store.RetryBusy(func() error {
		res, err := q.store.DB().Exec(`
			UPDATE executions
			SET status = 'timeout', completed_at = datetime('now'),
			    error_message = 'execution exceeded ' || ? || 's and was cancelled as stale'
			WHERE status = 'running'
			  AND started_at < datetime('now', '-' || ? || ' seconds')`,
			maxAgeSeconds, maxAgeSeconds)
		if err != nil {
			return fmt.Errorf("failed to cancel stale executions: %w", err)
		}
		count, _ = res.RowsAffected()
		return nil
	})
	if count > 0 {
		logging.Exec("CancelStale marked %d executions as timeout", count)
	}
	return int(count), err
}

// CountByStatus returns row counts grouped by status.
func (q *Queue) CountByStatus() (map[Status]int, error) {
	rows, err := q.store.DB().Query("SELECT status, COUNT(*) FROM executions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			s Status
			n int
		)
		if err := rows.Scan(&s, &n); err == nil {
			counts[s] = n
		}
	}
	return counts, rows.Err()
}

const selectColumns = `
	SELECT id, COALESCE(session_id, ''), code, language, code_hash, priority, status,
	       COALESCE(worker_id, ''), COALESCE(pid, 0),
	       created_at, queued_at, COALESCE(claimed_at, ''), COALESCE(started_at, ''),
	       COALESCE(completed_at, ''), exit_code, COALESCE(error_message, ''),
	       COALESCE(wall_time_ms, 0), COALESCE(output_file, ''), COALESCE(error_file, ''),
	       output_size_bytes, error_size_bytes, output_truncated, retry_count, max_retries`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(r rowScanner) (*Execution, error) {
	var (
		e         Execution
		exitCode  sql.NullInt64
		truncated int
	)
	err := r.Scan(&e.ID, &e.SessionID, &e.Code, &e.Language, &e.CodeHash, &e.Priority, &e.Status,
		&e.WorkerID, &e.PID,
		&e.CreatedAt, &e.QueuedAt, &e.ClaimedAt, &e.StartedAt,
		&e.CompletedAt, &exitCode, &e.ErrorMessage,
		&e.WallTimeMs, &e.OutputFile, &e.ErrorFile,
		&e.OutputSizeBytes, &e.ErrorSizeBytes, &truncated, &e.RetryCount, &e.MaxRetries)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	e.OutputTruncated = truncated == 1
	return &e, nil
}
