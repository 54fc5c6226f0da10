package memory

import (
	"fmt"
	"math"
	"time"

	"brain/internal/logging"
)

// thresholdInit flags init-set assembly that blows the latency target.
const thresholdInit = 100 * time.Millisecond

// RebalanceStats reports what one rebalance pass changed.
type RebalanceStats struct {
	Rescored     int
	HotDemoted   int
	WarmPromoted int
	ColdDemoted  int
	Evicted      int
}

// Score computes the memory score from recency, frequency, and type:
// 0.4·exp(-ageDays/7) + 0.4·min(1, log10(n+1)/3) + 0.2·typeWeight.
// The frequency term saturates at ~1000 accesses.
func Score(ageDays float64, accessCount int, typ string) float64 {
	recency := 0.4 * math.Exp(-ageDays/7.0)
	frequency := 0.4 * math.Min(1.0, math.Log10(float64(accessCount)+1)/3.0)
	weight := 0.1
	if privilegedType(typ) {
		weight = 1.0
	}
	s := recency + frequency + 0.2*weight
	if s > 1.0 {
		return 1.0
	}
	if s < 0 {
		return 0
	}
	return s
}

// Rebalance runs one tier maintenance pass:
//  1. recompute every row's memory_score from its current age, so idle
//     rows decay instead of keeping the score their last touch left behind
//  2. demote stale, low-score, non-privileged hot rows to warm
//  3. promote the best warm rows to hot up to the promotion target
//  4. demote long-idle, rarely-used warm rows to cold
//
// Any remaining hot overflow is resolved by EvictOverflow.
func (m *Manager) Rebalance() (*RebalanceStats, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Rebalance")
	defer timer.Stop()

	stats := &RebalanceStats{}

	rescored, err := m.rescore()
	if err != nil {
		return stats, err
	}
	stats.Rescored = rescored

	err = m.store.RetryBusy(func() error {
		res, err := m.store.DB().Exec(`
			UPDATE memories SET storage_tier = 'warm'
			WHERE storage_tier = 'hot'
			  AND type NOT IN ('user_preferences','system_critical')
			  AND accessed_at < datetime('now', '-1 day')
			  AND memory_score < 0.7`)
		if err != nil {
			return fmt.Errorf("hot demotion: %w", err)
		}
		n, _ := res.RowsAffected()
		stats.HotDemoted = int(n)
		return nil
	})
	if err != nil {
		return stats, err
	}

	hotCount, err := m.tierCount(TierHot)
	if err != nil {
		return stats, fmt.Errorf("hot count: %w", err)
	}
	if headroom := m.cfg.HotTarget - hotCount; headroom > 0 {
		err = m.store.RetryBusy(func() error {
			res, err := m.store.DB().Exec(`
				UPDATE memories SET storage_tier = 'hot'
				WHERE key IN (
					SELECT key FROM memories
					WHERE storage_tier = 'warm' AND memory_score >= 0.7
					ORDER BY memory_score DESC, accessed_at DESC
					LIMIT ?)`, headroom)
			if err != nil {
				return fmt.Errorf("warm promotion: %w", err)
			}
			n, _ := res.RowsAffected()
			stats.WarmPromoted = int(n)
			return nil
		})
		if err != nil {
			return stats, err
		}
	}

	err = m.store.RetryBusy(func() error {
		res, err := m.store.DB().Exec(`
			UPDATE memories SET storage_tier = 'cold'
			WHERE storage_tier = 'warm'
			  AND accessed_at < datetime('now', '-30 days')
			  AND access_count < 5`)
		if err != nil {
			return fmt.Errorf("cold demotion: %w", err)
		}
		n, _ := res.RowsAffected()
		stats.ColdDemoted = int(n)
		return nil
	})
	if err != nil {
		return stats, err
	}

	evicted, err := m.EvictOverflow()
	if err != nil {
		return stats, err
	}
	stats.Evicted = evicted

	logging.Memory("Rebalance: demoted=%d promoted=%d cold=%d evicted=%d",
		stats.HotDemoted, stats.WarmPromoted, stats.ColdDemoted, stats.Evicted)
	return stats, nil
}

// rescore recomputes memory_score for every row from how long it has sat
// unread. Set and Get nudge scores between passes; this is where the decay
// actually lands, so a row that was strong months ago cannot coast on it.
func (m *Manager) rescore() (int, error) {
	rows, err := m.store.DB().Query(`
		SELECT key, type, access_count,
		       julianday('now') - julianday(accessed_at)
		FROM memories`)
	if err != nil {
		return 0, fmt.Errorf("rescore read: %w", err)
	}

	type rescored struct {
		key   string
		score float64
	}
	var updates []rescored
	for rows.Next() {
		var key, typ string
		var count int
		var ageDays float64
		if err := rows.Scan(&key, &typ, &count, &ageDays); err != nil {
			rows.Close()
			return 0, fmt.Errorf("rescore scan: %w", err)
		}
		updates = append(updates, rescored{key, Score(ageDays, count, typ)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("rescore read: %w", err)
	}
	rows.Close()

	if len(updates) == 0 {
		return 0, nil
	}

	err = m.store.RetryBusy(func() error {
		tx, err := m.store.DB().Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare("UPDATE memories SET memory_score = ? WHERE key = ?")
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, u := range updates {
			if _, err := stmt.Exec(u.score, u.key); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("rescore %q: %w", u.key, err)
			}
		}
		stmt.Close()
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return len(updates), nil
}

// EvictOverflow demotes the oldest-accessed, least-used non-privileged hot
// rows to warm until the hot count fits the configured capacity. Returns
// how many rows were demoted.
func (m *Manager) EvictOverflow() (int, error) {
	hotCount, err := m.tierCount(TierHot)
	if err != nil {
		return 0, fmt.Errorf("hot count: %w", err)
	}
	excess := hotCount - m.cfg.HotCapacity
	if excess <= 0 {
		return 0, nil
	}

	logging.MemoryWarn("Hot tier overflow: %d rows over capacity %d", excess, m.cfg.HotCapacity)

	var evicted int64
	err = m.store.RetryBusy(func() error {
		res, err := m.store.DB().Exec(`
			UPDATE memories SET storage_tier = 'warm'
			WHERE key IN (
				SELECT key FROM memories
				WHERE storage_tier = 'hot'
				  AND type NOT IN ('user_preferences','system_critical')
				ORDER BY accessed_at ASC, access_count ASC
				LIMIT ?)`, excess)
		if err != nil {
			return fmt.Errorf("overflow eviction: %w", err)
		}
		evicted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return int(evicted), err
	}
	return int(evicted), nil
}
