// Package store owns the embedded SQLite database shared by the server and
// worker processes: connection setup, pragmas, versioned migrations, and the
// busy-retry helper every component funnels writes through.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"brain/internal/logging"

	_ "modernc.org/sqlite"
)

// ErrBusy is returned when the busy-retry budget is exhausted.
var ErrBusy = errors.New("store busy")

// ErrFutureSchema is returned when the store file was written by a newer
// binary than this one.
var ErrFutureSchema = errors.New("store schema is newer than this binary")

// Store wraps the shared SQLite database. One Store per process; the server
// and each worker open the same file independently and synchronize through
// WAL plus the atomic-claim pattern.
type Store struct {
	db       *sql.DB
	dbPath   string
	openedAt time.Time
}

// Open initializes the SQLite database at the given path, applies pragmas,
// and runs forward-only migrations. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection per process keeps prepared statements and
	// transactions on one handle; cross-process concurrency goes through WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		// synchronous=NORMAL is safe under WAL and much faster than FULL.
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -65536",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA auto_vacuum = INCREMENTAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			logging.StoreDebug("Pragma failed (%s): %v", p, err)
		}
	}

	s := &Store{db: db, dbPath: path, openedAt: time.Now()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store ready: schema at v%d", CurrentSchemaVersion)
	return s, nil
}

// DB returns the underlying SQL database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Uptime reports how long this process has had the store open.
func (s *Store) Uptime() time.Duration {
	return time.Since(s.openedAt)
}

// FileSize returns the size of the store file in bytes (0 for :memory:).
func (s *Store) FileSize() int64 {
	if s.dbPath == ":memory:" {
		return 0
	}
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// isBusy reports whether an error is SQLITE_BUSY/locked contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// RetryBusy runs fn, retrying with exponential backoff on lock contention.
// The total budget is a few hundred milliseconds; exhaustion wraps ErrBusy.
func (s *Store) RetryBusy(fn func() error) error {
	backoff := 5 * time.Millisecond
	deadline := time.Now().Add(300 * time.Millisecond)
	for {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if time.Now().After(deadline) {
			logging.StoreWarn("Busy-retry budget exhausted: %v", err)
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}
