package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "brain.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenMigratesToHead(t *testing.T) {
	st := openTest(t)
	if got := st.SchemaVersion(); got != CurrentSchemaVersion {
		t.Errorf("schema version = %d, want %d", got, CurrentSchemaVersion)
	}

	// Every table the schema promises must exist.
	for _, table := range []string{
		"memories", "memories_fts", "sessions", "session_events",
		"executions", "workers", "schema_version", "migration_history",
	} {
		var name string
		err := st.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brain.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := st.DB().Exec(
		"INSERT INTO memories (key, value, search_text, checksum) VALUES ('k', X'7B7D', '{}', 'c')"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	st.Close()

	st, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer st.Close()

	var n int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM memories").Scan(&n); err != nil || n != 1 {
		t.Errorf("data lost across reopen: n=%d err=%v", n, err)
	}
	var applied int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM migration_history").Scan(&applied); err != nil {
		t.Fatalf("history: %v", err)
	}
	if applied != len(migrations) {
		t.Errorf("migration_history has %d rows, want %d", applied, len(migrations))
	}
}

func TestRefusesFutureSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brain.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := st.DB().Exec(
		"UPDATE schema_version SET version = ?", CurrentSchemaVersion+10); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	st.Close()

	if _, err := Open(path); !errors.Is(err, ErrFutureSchema) {
		t.Errorf("expected ErrFutureSchema, got %v", err)
	}
}

func TestDetectsChecksumDivergence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brain.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := st.DB().Exec(
		"UPDATE migration_history SET checksum = 'tampered' WHERE version = 1"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	st.Close()

	if _, err := Open(path); err == nil {
		t.Error("expected checksum divergence error")
	}
}

func TestWALMode(t *testing.T) {
	st := openTest(t)
	var mode string
	if err := st.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestRetryBusyPassesThroughOtherErrors(t *testing.T) {
	st := openTest(t)
	sentinel := errors.New("boom")
	calls := 0
	err := st.RetryBusy(func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("non-busy errors must not retry, got %d calls", calls)
	}
}

func TestRetryBusyRetriesLockErrors(t *testing.T) {
	st := openTest(t)
	calls := 0
	err := st.RetryBusy(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestFTSTriggersMirrorMemories(t *testing.T) {
	st := openTest(t)
	if _, err := st.DB().Exec(
		"INSERT INTO memories (key, value, search_text, checksum) VALUES ('greet', X'7B7D', 'hello searchable world', 'c')"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var key string
	err := st.DB().QueryRow(
		"SELECT key FROM memories_fts WHERE memories_fts MATCH 'searchable'").Scan(&key)
	if err != nil || key != "greet" {
		t.Fatalf("fts insert trigger: key=%q err=%v", key, err)
	}

	if _, err := st.DB().Exec("DELETE FROM memories WHERE key = 'greet'"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var n int
	if err := st.DB().QueryRow(
		"SELECT COUNT(*) FROM memories_fts WHERE memories_fts MATCH 'searchable'").Scan(&n); err != nil {
		t.Fatalf("fts query: %v", err)
	}
	if n != 0 {
		t.Error("fts delete trigger did not fire")
	}
}
