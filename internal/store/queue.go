package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// EnqueueForIntegration replaces any existing queued entry for taskID with
// a fresh one, so at most one queued|merging entry per task ever exists.
func (s *Store) EnqueueForIntegration(ctx context.Context, taskID int64, branch, repoPath string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return wrapBackend("EnqueueForIntegration", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status = 'excluded'
			WHERE task_id = ? AND status IN ('queued', 'merging');
		`, taskID); err != nil {
			return wrapBackend("EnqueueForIntegration", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (task_id, branch, repo_path, status, queued_at, pr_number)
			VALUES (?, ?, ?, 'queued', ?, 0);
		`, taskID, branch, repoPath, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return wrapBackend("EnqueueForIntegration", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return wrapBackend("EnqueueForIntegration", err)
		}
		return tx.Commit()
	})
	return id, err
}

// ListQueued returns every queue entry in status 'queued', FIFO by
// queued_at (oldest first) — the order PipelineDriver drains integrations.
func (s *Store) ListQueued(ctx context.Context) ([]QueueEntry, error) {
	return s.queryQueue(ctx, "ListQueued", `
		SELECT id, task_id, branch, repo_path, status, queued_at, pr_number
		FROM queue_entries WHERE status = 'queued' ORDER BY queued_at ASC, id ASC;
	`)
}

// ListQueuedForRepo returns every queue entry for repoPath regardless of
// status, ordered by queued_at ASC.
func (s *Store) ListQueuedForRepo(ctx context.Context, repoPath string) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, branch, repo_path, status, queued_at, pr_number
		FROM queue_entries WHERE repo_path = ? ORDER BY queued_at ASC, id ASC;
	`, repoPath)
	if err != nil {
		return nil, wrapBackend("ListQueuedForRepo", err)
	}
	defer rows.Close()
	return scanQueueRows(rows, "ListQueuedForRepo")
}

func (s *Store) queryQueue(ctx context.Context, op, query string, args ...any) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapBackend(op, err)
	}
	defer rows.Close()
	return scanQueueRows(rows, op)
}

// UpdateQueueStatus transitions a queue entry's status.
func (s *Store) UpdateQueueStatus(ctx context.Context, id int64, status QueueStatus) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE queue_entries SET status = ? WHERE id = ?;`, string(status), id)
		if err != nil {
			return wrapBackend("UpdateQueueStatus", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFoundf("UpdateQueueStatus")
		}
		return nil
	})
}

// UpdateQueuePR records the PR number associated with a queue entry.
func (s *Store) UpdateQueuePR(ctx context.Context, id int64, prNumber int) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE queue_entries SET pr_number = ? WHERE id = ?;`, prNumber, id)
		if err != nil {
			return wrapBackend("UpdateQueuePR", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFoundf("UpdateQueuePR")
		}
		return nil
	})
}

// ResetStuckQueueEntries is part of crash recovery at startup: any entry
// left 'merging' when the process died reverts to 'queued'.
func (s *Store) ResetStuckQueueEntries(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE queue_entries SET status = 'queued' WHERE status = 'merging';`)
		if err != nil {
			return wrapBackend("ResetStuckQueueEntries", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// RecycleFailedTasks is part of crash recovery at startup: any task
// abandoned in a non-terminal phase with attempt < max_attempts reverts to
// 'retry' so PipelineDriver picks it back up.
func (s *Store) RecycleFailedTasks(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pipeline_tasks SET status = 'retry'
			WHERE status IN ('spec', 'qa', 'qa_fix', 'impl', 'rebase', 'test')
			AND attempt < max_attempts;
		`)
		if err != nil {
			return wrapBackend("RecycleFailedTasks", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func scanQueueRows(rows *sql.Rows, op string) ([]QueueEntry, error) {
	var out []QueueEntry
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, decodeErrorf(op, err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBackend(op, err)
	}
	return out, nil
}

func scanQueue(rows *sql.Rows) (QueueEntry, error) {
	var q QueueEntry
	var status, queuedAt string
	err := rows.Scan(&q.ID, &q.TaskID, &q.Branch, &q.RepoPath, &status, &queuedAt, &q.PRNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueueEntry{}, notFoundf("scanQueue")
		}
		return QueueEntry{}, err
	}
	q.Status = QueueStatus(status)
	ts, perr := time.Parse(time.RFC3339Nano, queuedAt)
	if perr != nil {
		return QueueEntry{}, perr
	}
	q.QueuedAt = ts
	return q, nil
}
