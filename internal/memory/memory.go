// Package memory implements the tiered key/value memory store: durable
// key→document mapping with full-text search, hot/warm/cold lifecycle,
// scoring, and the bounded init set served to the orchestrator.
package memory

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"brain/internal/document"
	"brain/internal/logging"
	"brain/internal/store"

	"github.com/klauspost/compress/gzip"
)

// Storage tiers.
const (
	TierHot  = "hot"
	TierWarm = "warm"
	TierCold = "cold"
)

// Recognized memory types. Privileged types are pinned hot; the active
// project participates in init-set ordering.
const (
	TypeUserPreferences = "user_preferences"
	TypeSystemCritical  = "system_critical"
	TypeActiveProject   = "active_project"
)

var (
	// ErrNotFound is returned when no memory exists under a key.
	ErrNotFound = errors.New("memory not found")
	// ErrIntegrity is returned when stored bytes fail their checksum.
	ErrIntegrity = errors.New("memory failed integrity check")
	// ErrTooLarge is returned when a value exceeds the configured cap.
	ErrTooLarge = errors.New("memory value too large")
	// ErrEmptyKey is returned for blank keys.
	ErrEmptyKey = errors.New("memory key must not be empty")
)

// searchTextCap bounds how much decoded text feeds the FTS shadow.
const searchTextCap = 4096

// Config tunes capacity and compression.
type Config struct {
	HotCapacity          int // steady-state hot row bound
	HotTarget            int // rebalance promotion target, below HotCapacity
	CompressionThreshold int // gzip values larger than this
	MaxValueBytes        int // reject values larger than this
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		HotCapacity:          300,
		HotTarget:            250,
		CompressionThreshold: 1024,
		MaxValueBytes:        1 << 20,
	}
}

// Entry is one memory row decoded for callers.
type Entry struct {
	Key         string
	Value       document.Value
	Type        string
	Tags        []string
	Tier        string
	Score       float64
	AccessCount int
	UpdateCount int
	SizeBytes   int
	CreatedAt   string
	UpdatedAt   string
	AccessedAt  string
}

// SetOptions carries the optional attributes of a write.
type SetOptions struct {
	Type    string
	Tags    []string
	Source  string
	Context string
	Private bool
}

// Manager is the C1 component. All state lives in the store; a Manager
// holds no row handles across operations.
type Manager struct {
	store *store.Store
	cfg   Config
}

// NewManager wires the memory store against an opened store.
func NewManager(st *store.Store, cfg Config) *Manager {
	if cfg.HotCapacity <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{store: st, cfg: cfg}
}

// privilegedType reports whether a type is pinned to the hot tier.
func privilegedType(typ string) bool {
	return typ == TypeUserPreferences || typ == TypeSystemCritical
}

// checksumOf hashes the encoded document bytes. The checksum is always
// computed over the uncompressed encoding: Set hashes before gzip, Get
// decompresses before verifying.
func checksumOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Set upserts a memory. On conflict the value is replaced, update_count
// increments, and the score is nudged toward 1 (0.9·s + 0.1).
func (m *Manager) Set(key string, value document.Value, opts SetOptions) error {
	timer := logging.StartTimer(logging.CategoryMemory, "Set")
	defer timer.Stop()

	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	raw, err := value.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode value for %q: %w", key, err)
	}
	if len(raw) > m.cfg.MaxValueBytes {
		logging.MemoryWarn("Value for %q exceeds cap: %d > %d bytes", key, len(raw), m.cfg.MaxValueBytes)
		return fmt.Errorf("%w: %d bytes (cap %d)", ErrTooLarge, len(raw), m.cfg.MaxValueBytes)
	}

	checksum := checksumOf(raw)
	stored := raw
	compressed := 0
	if len(raw) > m.cfg.CompressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err == nil && zw.Close() == nil {
			stored = buf.Bytes()
			compressed = 1
		}
	}

	searchText := string(raw)
	if len(searchText) > searchTextCap {
		searchText = searchText[:searchTextCap]
	}

	typ := opts.Type
	if typ == "" {
		typ = "fact"
	}
	insertTier := TierWarm
	if privilegedType(typ) {
		insertTier = TierHot
	}
	tags := strings.Join(opts.Tags, " ")
	private := 0
	if opts.Private {
		private = 1
	}

	logging.MemoryDebug("Set %q: type=%s size=%d compressed=%d tier=%s", key, typ, len(stored), compressed, insertTier)

	err = m.store.RetryBusy(func() error {
		_, err := m.store.DB().Exec(`
			INSERT INTO memories (key, value, is_compressed, search_text, type, tags, source, context, is_private, size_bytes, checksum, storage_tier)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				is_compressed = excluded.is_compressed,
				search_text = excluded.search_text,
				type = excluded.type,
				tags = excluded.tags,
				source = excluded.source,
				context = excluded.context,
				is_private = excluded.is_private,
				size_bytes = excluded.size_bytes,
				checksum = excluded.checksum,
				updated_at = datetime('now'),
				accessed_at = datetime('now'),
				update_count = update_count + 1,
				memory_score = min(1.0, 0.9 * memory_score + 0.1),
				storage_tier = CASE
					WHEN excluded.type IN ('user_preferences','system_critical') THEN 'hot'
					ELSE storage_tier
				END,
				needs_repair = 0`,
			key, stored, compressed, searchText, typ, tags, opts.Source, opts.Context, private, len(stored), checksum, insertTier,
		)
		return err
	})
	if err != nil {
		logging.Get(logging.CategoryMemory).Error("Set %q failed: %v", key, err)
		return fmt.Errorf("failed to set memory %q: %w", key, err)
	}

	// A privileged write can overshoot the hot cap; resolve immediately
	// rather than waiting for the next rebalance pass.
	if insertTier == TierHot {
		if n, err := m.tierCount(TierHot); err == nil && n > m.cfg.HotCapacity {
			if _, err := m.EvictOverflow(); err != nil {
				logging.MemoryWarn("Hot overflow eviction failed: %v", err)
			}
		}
	}
	return nil
}

// Get reads a memory and touches its access stats in the same transaction.
// A checksum mismatch flags the row for recovery and returns ErrIntegrity;
// the tier is left unchanged.
func (m *Manager) Get(key string) (*Entry, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Get")
	defer timer.Stop()

	var (
		stored     []byte
		compressed int
		entry      Entry
	)

	err := m.store.RetryBusy(func() error {
		tx, err := m.store.DB().Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var checksum string
		row := tx.QueryRow(`
			SELECT value, is_compressed, type, tags, storage_tier, memory_score,
			       access_count, update_count, size_bytes, checksum,
			       created_at, updated_at, accessed_at
			FROM memories WHERE key = ?`, key)
		err = row.Scan(&stored, &compressed, &entry.Type, &tagsScan{&entry.Tags}, &entry.Tier,
			&entry.Score, &entry.AccessCount, &entry.UpdateCount, &entry.SizeBytes,
			&checksum, &entry.CreatedAt, &entry.UpdatedAt, &entry.AccessedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`
			UPDATE memories SET
				accessed_at = datetime('now'),
				access_count = access_count + 1,
				memory_score = min(1.0, 0.95 * memory_score + 0.05)
			WHERE key = ?`, key); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		entry.Key = key
		entry.AccessCount++

		raw := stored
		if compressed == 1 {
			raw, err = gunzip(stored)
			if err != nil {
				return m.flagIntegrity(key, fmt.Errorf("decompress: %v", err))
			}
		}
		if checksumOf(raw) != checksum {
			return m.flagIntegrity(key, errors.New("checksum mismatch"))
		}
		entry.Value, err = document.Decode(raw)
		if err != nil {
			return m.flagIntegrity(key, fmt.Errorf("decode: %v", err))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIntegrity) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get memory %q: %w", key, err)
	}
	return &entry, nil
}

// flagIntegrity marks a row for recovery and wraps ErrIntegrity.
func (m *Manager) flagIntegrity(key string, cause error) error {
	logging.Get(logging.CategoryMemory).Error("Integrity failure for %q: %v", key, cause)
	if _, err := m.store.DB().Exec(
		"UPDATE memories SET needs_repair = 1 WHERE key = ?", key); err != nil {
		logging.MemoryWarn("Failed to flag %q for repair: %v", key, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrIntegrity, key, cause)
}

// Delete removes a memory (the FTS shadow follows via trigger).
func (m *Manager) Delete(key string) error {
	return m.store.RetryBusy(func() error {
		res, err := m.store.DB().Exec("DELETE FROM memories WHERE key = ?", key)
		if err != nil {
			return fmt.Errorf("failed to delete memory %q: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		logging.MemoryDebug("Deleted memory %q", key)
		return nil
	})
}

// Flagged lists keys marked needs_repair by failed integrity checks.
func (m *Manager) Flagged() ([]string, error) {
	rows, err := m.store.DB().Query("SELECT key FROM memories WHERE needs_repair = 1 ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged memories: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (m *Manager) tierCount(tier string) (int, error) {
	var n int
	err := m.store.DB().QueryRow(
		"SELECT COUNT(*) FROM memories WHERE storage_tier = ?", tier).Scan(&n)
	return n, err
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// tagsScan splits the flattened tag column back into a slice.
type tagsScan struct{ dst *[]string }

func (t *tagsScan) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		s = ""
	default:
		return fmt.Errorf("unexpected tags type %T", src)
	}
	if s == "" {
		*t.dst = nil
		return nil
	}
	*t.dst = strings.Fields(s)
	return nil
}
