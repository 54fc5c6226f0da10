package execution

import (
	"database/sql"
	"fmt"

	"brain/internal/logging"
)

// Claim atomically hands the single best queued execution to a worker.
// One UPDATE over a priority-ordered subselect moves the row to claimed and
// stamps the worker in the same statement, so two workers can never claim
// the same row. Returns (nil, nil) when the queue is empty.
func (q *Queue) Claim(workerID string, pid int) (*Execution, error) {
	var claimed *Execution
	err := q.store.RetryBusy(func() error {
		row := q.store.DB().QueryRow(`
			UPDATE executions
			SET status = 'claimed', worker_id = ?, pid = ?, claimed_at = datetime('now')
			WHERE id = (
				SELECT id FROM executions
				WHERE status = 'queued'
				ORDER BY priority DESC, created_at ASC
				LIMIT 1)
			RETURNING id, code, language, priority, retry_count, max_retries`, workerID, pid)

		var e Execution
		err := row.Scan(&e.ID, &e.Code, &e.Language, &e.Priority, &e.RetryCount, &e.MaxRetries)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim failed: %w", err)
		}
		e.Status = StatusClaimed
		e.WorkerID = workerID
		e.PID = pid
		claimed = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		logging.Exec("Worker %s claimed execution %s (priority %d)", workerID, claimed.ID, claimed.Priority)
	}
	return claimed, nil
}

// MarkRunning transitions a claimed row to running and records where the
// worker will write its output.
func (q *Queue) MarkRunning(id, outputFile, errorFile string) error {
	return q.store.RetryBusy(func() error {
		res, err := q.store.DB().Exec(`
			UPDATE executions
			SET status = 'running', started_at = datetime('now'),
			    output_file = ?, error_file = ?
			WHERE id = ? AND status = 'claimed'`, outputFile, errorFile, id)
		if err != nil {
			return fmt.Errorf("failed to mark %s running: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("execution %s is no longer claimed", id)
		}
		return nil
	})
}

// FinishStats carries the terminal accounting of one run.
type FinishStats struct {
	ExitCode        int
	WallTimeMs      int64
	OutputSizeBytes int64
	ErrorSizeBytes  int64
	OutputTruncated bool
}

// Finish writes a terminal status. The write is guarded by the current
// running state, so a row already swept to timeout or requeued by the
// stale-claim recovery is left untouched; the guard failing is reported
// so the worker can stop caring about the row.
func (q *Queue) Finish(id string, status Status, errMsg string, stats FinishStats) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish requires a terminal status, got %q", status)
	}
	truncated := 0
	if stats.OutputTruncated {
		truncated = 1
	}
	var won bool
	err := q.store.RetryBusy(func() error {
		res, err := q.store.DB().Exec(`
			UPDATE executions
			SET status = ?, completed_at = datetime('now'),
			    exit_code = ?, error_message = NULLIF(?, ''),
			    wall_time_ms = ?, output_size_bytes = ?, error_size_bytes = ?,
			    output_truncated = ?
			WHERE id = ? AND status = 'running'`,
			string(status), stats.ExitCode, errMsg,
			stats.WallTimeMs, stats.OutputSizeBytes, stats.ErrorSizeBytes,
			truncated, id)
		if err != nil {
			return fmt.Errorf("failed to finish execution %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		won = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if won {
		logging.Exec("Execution %s finished: status=%s exit=%d wall=%dms", id, status, stats.ExitCode, stats.WallTimeMs)
	} else {
		logging.Get(logging.CategoryExec).Warn("Execution %s already left running state; terminal write skipped", id)
	}
	return won, nil
}

// CancelRequested reports whether a cancel flag has been set on the row.
func (q *Queue) CancelRequested(id string) (bool, error) {
	var flag int
	err := q.store.DB().QueryRow(
		"SELECT cancel_requested FROM executions WHERE id = ?", id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

// Heartbeat upserts a worker liveness record.
func (q *Queue) Heartbeat(workerID, hostname string, pid int) error {
	return q.store.RetryBusy(func() error {
		_, err := q.store.DB().Exec(`
			INSERT INTO workers (worker_id, hostname, pid, last_heartbeat)
			VALUES (?, ?, ?, datetime('now'))
			ON CONFLICT(worker_id) DO UPDATE SET
				last_heartbeat = datetime('now'), pid = excluded.pid`,
			workerID, hostname, pid)
		if err != nil {
			return fmt.Errorf("heartbeat for %s failed: %w", workerID, err)
		}
		return nil
	})
}

// RemoveWorker drops a worker's liveness record on clean shutdown.
func (q *Queue) RemoveWorker(workerID string) error {
	_, err := q.store.DB().Exec("DELETE FROM workers WHERE worker_id = ?", workerID)
	return err
}

// SweepStats reports one stale-claim recovery pass.
type SweepStats struct {
	Requeued int
	Failed   int
}

// SweepStale recovers executions stranded by dead workers: claimed or
// running rows older than staleAfterSeconds whose worker has no heartbeat
// within heartbeatSeconds are requeued with a bumped retry count, or
// failed once retries are exhausted.
func (q *Queue) SweepStale(staleAfterSeconds, heartbeatSeconds int) (*SweepStats, error) {
	stats := &SweepStats{}
	err := q.store.RetryBusy(func() error {
		tx, err := q.store.DB().Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		const staleWhere = `
			status IN ('claimed','running')
			AND claimed_at < datetime('now', '-' || ? || ' seconds')
			AND worker_id NOT IN (
				SELECT worker_id FROM workers
				WHERE last_heartbeat > datetime('now', '-' || ? || ' seconds'))`

		res, err := tx.Exec(`
			UPDATE executions
			SET status = 'failed', completed_at = datetime('now'),
			    error_message = 'worker died; retries exhausted'
			WHERE `+staleWhere+` AND retry_count + 1 >= max_retries`,
			staleAfterSeconds, heartbeatSeconds)
		if err != nil {
			return fmt.Errorf("stale fail pass: %w", err)
		}
		n, _ := res.RowsAffected()
		stats.Failed = int(n)

		res, err = tx.Exec(`
			UPDATE executions
			SET status = 'queued', worker_id = NULL, pid = NULL,
			    claimed_at = NULL, started_at = NULL,
			    retry_count = retry_count + 1
			WHERE `+staleWhere,
			staleAfterSeconds, heartbeatSeconds)
		if err != nil {
			return fmt.Errorf("stale requeue pass: %w", err)
		}
		n, _ = res.RowsAffected()
		stats.Requeued = int(n)

		return tx.Commit()
	})
	if err != nil {
		return stats, err
	}
	if stats.Requeued > 0 || stats.Failed > 0 {
		logging.Exec("SweepStale: requeued=%d failed=%d", stats.Requeued, stats.Failed)
	}
	return stats, nil
}
