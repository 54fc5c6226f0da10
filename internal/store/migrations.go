package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"brain/internal/logging"
)

// CurrentSchemaVersion is the head schema version this binary understands.
// Migrations are forward-only; a store at a higher version refuses to open.
const CurrentSchemaVersion = 3

// migration is one forward schema step. The SQL checksum is recorded in
// migration_history and verified on every open, so a store whose history
// does not match the binary's migration text refuses to run.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "core tables",
		SQL: `
CREATE TABLE IF NOT EXISTS memories (
	key TEXT PRIMARY KEY CHECK (key <> ''),
	value BLOB NOT NULL,
	is_compressed INTEGER NOT NULL DEFAULT 0,
	search_text TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'fact',
	tags TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	is_private INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	accessed_at TEXT NOT NULL DEFAULT (datetime('now')),
	access_count INTEGER NOT NULL DEFAULT 0,
	update_count INTEGER NOT NULL DEFAULT 0,
	storage_tier TEXT NOT NULL DEFAULT 'warm' CHECK (storage_tier IN ('hot','warm','cold')),
	memory_score REAL NOT NULL DEFAULT 0.5,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	needs_repair INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_memories_tier_score ON memories(storage_tier, memory_score DESC);
CREATE INDEX IF NOT EXISTS idx_memories_accessed ON memories(accessed_at DESC, access_count DESC);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL DEFAULT (datetime('now')),
	last_accessed TEXT NOT NULL DEFAULT (datetime('now')),
	expires_at TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	initial_context TEXT NOT NULL DEFAULT '{}',
	is_active INTEGER NOT NULL DEFAULT 1,
	terminated_reason TEXT,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	memory_ops INTEGER NOT NULL DEFAULT 0,
	execution_ops INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(last_accessed DESC) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	code TEXT NOT NULL,
	language TEXT NOT NULL CHECK (language IN ('python','shell')),
	code_hash TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 5 CHECK (priority BETWEEN 1 AND 10),
	status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','claimed','running','completed','failed','cancelled','timeout')),
	worker_id TEXT,
	pid INTEGER,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	queued_at TEXT NOT NULL DEFAULT (datetime('now')),
	claimed_at TEXT,
	started_at TEXT,
	completed_at TEXT,
	exit_code INTEGER,
	error_message TEXT,
	max_memory_mb INTEGER,
	cpu_time_ms INTEGER,
	wall_time_ms INTEGER,
	output_file TEXT,
	error_file TEXT,
	output_size_bytes INTEGER NOT NULL DEFAULT 0,
	error_size_bytes INTEGER NOT NULL DEFAULT 0,
	output_truncated INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3
);
CREATE INDEX IF NOT EXISTS idx_executions_queued ON executions(status, priority DESC, created_at ASC) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_executions_running ON executions(worker_id, status) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, created_at DESC);
`,
	},
	{
		Version: 2,
		Name:    "memories full-text shadow",
		SQL: `
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	key, search_text, tags, type,
	content='memories', content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, key, search_text, tags, type)
	VALUES (new.rowid, new.key, new.search_text, new.tags, new.type);
END;
CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, key, search_text, tags, type)
	VALUES ('delete', old.rowid, old.key, old.search_text, old.tags, old.type);
END;
CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, key, search_text, tags, type)
	VALUES ('delete', old.rowid, old.key, old.search_text, old.tags, old.type);
	INSERT INTO memories_fts(rowid, key, search_text, tags, type)
	VALUES (new.rowid, new.key, new.search_text, new.tags, new.type);
END;
`,
	},
	{
		Version: 3,
		Name:    "worker heartbeats and cancel flag",
		SQL: `
CREATE TABLE IF NOT EXISTS workers (
	worker_id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL DEFAULT (datetime('now')),
	last_heartbeat TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers(last_heartbeat);
ALTER TABLE executions ADD COLUMN cancel_requested INTEGER NOT NULL DEFAULT 0;
`,
	},
}

// migrationChecksum hashes a migration's SQL text.
func migrationChecksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}

// migrate brings the store to CurrentSchemaVersion, verifying the recorded
// checksums of already-applied migrations along the way.
func (s *Store) migrate() error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	bootstrap := `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS migration_history (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
	if _, err := s.db.Exec(bootstrap); err != nil {
		return fmt.Errorf("failed to create migration tables: %w", err)
	}

	head, err := s.schemaVersion()
	if err != nil {
		return err
	}
	logging.Store("Store at schema v%d, binary head v%d", head, CurrentSchemaVersion)

	if head > CurrentSchemaVersion {
		logging.StoreError("Store schema v%d is ahead of binary v%d", head, CurrentSchemaVersion)
		return fmt.Errorf("%w: store at v%d, binary supports v%d",
			ErrFutureSchema, head, CurrentSchemaVersion)
	}

	// Verify history of everything already applied.
	for _, m := range migrations {
		if m.Version > head {
			continue
		}
		var recorded string
		err := s.db.QueryRow(
			"SELECT checksum FROM migration_history WHERE version = ?", m.Version,
		).Scan(&recorded)
		if err != nil {
			return fmt.Errorf("missing migration history for v%d: %w", m.Version, err)
		}
		if recorded != migrationChecksum(m.SQL) {
			return fmt.Errorf("migration v%d (%s) checksum mismatch: store history diverged", m.Version, m.Name)
		}
	}

	for _, m := range migrations {
		if m.Version <= head {
			continue
		}
		logging.Store("Applying migration v%d: %s", m.Version, m.Name)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d (%s) failed: %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO migration_history (version, name, checksum) VALUES (?, ?, ?)",
			m.Version, m.Name, migrationChecksum(m.SQL),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to clear schema_version: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to set schema_version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
		}
	}

	return nil
}

// schemaVersion reads the head version (0 for a fresh store).
func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		// No row yet: fresh store.
		return 0, nil
	}
	return version, nil
}

// SchemaVersion exposes the applied head version (0 if unreadable).
func (s *Store) SchemaVersion() int {
	version, _ := s.schemaVersion()
	return version
}
