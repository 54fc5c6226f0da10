package memory

import (
	"database/sql"
	"fmt"
	"strings"

	"brain/internal/document"
	"brain/internal/logging"
)

// SearchResult is one ranked match.
type SearchResult struct {
	Key   string
	Value document.Value
	Type  string
	Tags  []string
	Score float64 // combined fts relevance × memory score
}

// Stats summarizes the store by tier.
type Stats struct {
	ByTier     map[string]int
	Total      int
	TotalBytes int64
}

// buildMatch turns a free-text query into an FTS5 prefix expression:
// each whitespace term becomes "term"* and terms are OR-joined.
func buildMatch(query string) string {
	terms := strings.Fields(query)
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		parts = append(parts, fmt.Sprintf(`"%s"*`, t))
	}
	return strings.Join(parts, " OR ")
}

// Search runs a ranked full-text lookup over hot and warm, public rows.
// Results order by fts relevance × memory_score descending; ties break on
// most recent access. Cold and private rows never appear.
func (m *Manager) Search(query string, limit int) ([]SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Search")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}
	match := buildMatch(query)
	if match == "" {
		return nil, nil
	}

	logging.MemoryDebug("Search: query=%q match=%q limit=%d", query, match, limit)

	rows, err := m.store.DB().Query(`
		SELECT m.key, m.value, m.is_compressed, m.type, m.tags,
		       (-bm25(memories_fts)) * m.memory_score AS rank_score
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?
		  AND m.storage_tier IN ('hot','warm')
		  AND m.is_private = 0
		ORDER BY rank_score DESC, m.accessed_at DESC
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r          SearchResult
			stored     []byte
			compressed int
		)
		if err := rows.Scan(&r.Key, &stored, &compressed, &r.Type, &tagsScan{&r.Tags}, &r.Score); err != nil {
			logging.MemoryWarn("Search scan failed: %v", err)
			continue
		}
		value, err := decodeStored(stored, compressed)
		if err != nil {
			logging.MemoryWarn("Search: skipping undecodable row %q: %v", r.Key, err)
			continue
		}
		r.Value = value
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return results, fmt.Errorf("search iteration failed: %w", err)
	}

	logging.MemoryDebug("Search returned %d results", len(results))
	return results, nil
}

// TopForInit assembles the bounded init set, deterministically ordered:
// all user_preferences, then the current active_project, then rows accessed
// within 7 days by score, then warm fill by score. Cold rows never appear
// and the result never exceeds n.
func (m *Manager) TopForInit(n int) ([]Entry, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "TopForInit")
	defer timer.StopWithThreshold(thresholdInit)

	if n <= 0 {
		n = m.cfg.HotCapacity
	}

	seen := make(map[string]bool, n)
	out := make([]Entry, 0, n)

	appendRows := func(query string, args ...interface{}) error {
		if len(out) >= n {
			return nil
		}
		rows, err := m.store.DB().Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if len(out) >= n {
				break
			}
			e, err := scanEntry(rows)
			if err != nil {
				logging.MemoryWarn("TopForInit scan failed: %v", err)
				continue
			}
			if seen[e.Key] {
				continue
			}
			seen[e.Key] = true
			out = append(out, *e)
		}
		return rows.Err()
	}

	const cols = `key, value, is_compressed, type, tags, storage_tier, memory_score,
		access_count, update_count, size_bytes, created_at, updated_at, accessed_at`

	// (a) user preferences
	if err := appendRows(`SELECT `+cols+` FROM memories
		WHERE type = 'user_preferences' AND storage_tier != 'cold'
		ORDER BY key`); err != nil {
		return nil, fmt.Errorf("init set preferences: %w", err)
	}
	// (b) current active project
	if err := appendRows(`SELECT `+cols+` FROM memories
		WHERE type = 'active_project' AND storage_tier != 'cold'
		ORDER BY updated_at DESC LIMIT 1`); err != nil {
		return nil, fmt.Errorf("init set active project: %w", err)
	}
	// (c) recently accessed, by score
	if err := appendRows(`SELECT `+cols+` FROM memories
		WHERE accessed_at >= datetime('now', '-7 days')
		  AND storage_tier IN ('hot','warm')
		ORDER BY memory_score DESC, key
		LIMIT ?`, n); err != nil {
		return nil, fmt.Errorf("init set recent: %w", err)
	}
	// (d) warm fill, by score
	if err := appendRows(`SELECT `+cols+` FROM memories
		WHERE storage_tier = 'warm'
		ORDER BY memory_score DESC, key
		LIMIT ?`, n); err != nil {
		return nil, fmt.Errorf("init set warm fill: %w", err)
	}

	logging.Memory("TopForInit assembled %d entries (cap %d)", len(out), n)
	return out, nil
}

// GetStats returns row counts per tier and total stored bytes.
func (m *Manager) GetStats() (*Stats, error) {
	stats := &Stats{ByTier: map[string]int{TierHot: 0, TierWarm: 0, TierCold: 0}}

	rows, err := m.store.DB().Query(`
		SELECT storage_tier, COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM memories GROUP BY storage_tier`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute memory stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tier  string
			count int
			size  int64
		)
		if err := rows.Scan(&tier, &count, &size); err != nil {
			continue
		}
		stats.ByTier[tier] = count
		stats.Total += count
		stats.TotalBytes += size
	}
	return stats, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEntry decodes one full memory row.
func scanEntry(r rowScanner) (*Entry, error) {
	var (
		e          Entry
		stored     []byte
		compressed int
	)
	if err := r.Scan(&e.Key, &stored, &compressed, &e.Type, &tagsScan{&e.Tags}, &e.Tier,
		&e.Score, &e.AccessCount, &e.UpdateCount, &e.SizeBytes,
		&e.CreatedAt, &e.UpdatedAt, &e.AccessedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	value, err := decodeStored(stored, compressed)
	if err != nil {
		return nil, err
	}
	e.Value = value
	return &e, nil
}

// decodeStored inflates and decodes a stored value blob.
func decodeStored(stored []byte, compressed int) (document.Value, error) {
	raw := stored
	if compressed == 1 {
		var err error
		raw, err = gunzip(stored)
		if err != nil {
			return document.Null(), fmt.Errorf("decompress: %w", err)
		}
	}
	return document.Decode(raw)
}
