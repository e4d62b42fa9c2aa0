package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CreateTask inserts a task in StatusBacklog (unless Status is already set
// by the caller, e.g. a resumed task) and returns its assigned ID.
func (s *Store) CreateTask(ctx context.Context, t PipelineTask) (int64, error) {
	if t.Status == "" {
		t.Status = StatusBacklog
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 5
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO pipeline_tasks (title, description, repo_path, branch, status, attempt, max_attempts, last_error, created_by, notify_chat, session_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.Title, t.Description, t.RepoPath, t.Branch, string(t.Status), t.Attempt, t.MaxAttempts, t.LastError, t.CreatedBy, t.NotifyChat, t.SessionID, t.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return wrapBackend("CreateTask", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return wrapBackend("CreateTask", err)
		}
		return nil
	})
	return id, err
}

// GetTask returns ErrNotFound if id does not exist.
func (s *Store) GetTask(ctx context.Context, id int64) (PipelineTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, repo_path, branch, status, attempt, max_attempts, last_error, created_by, notify_chat, session_id, created_at
		FROM pipeline_tasks WHERE id = ?;
	`, id)
	return scanTask(row, "GetTask")
}

// ListActiveTasks returns every task in a non-terminal status.
func (s *Store) ListActiveTasks(ctx context.Context) ([]PipelineTask, error) {
	return s.listTasksWhere(ctx, "ListActiveTasks", activeStatusPlaceholders())
}

// ListAllTasks returns every task regardless of status, newest first.
func (s *Store) ListAllTasks(ctx context.Context) ([]PipelineTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, repo_path, branch, status, attempt, max_attempts, last_error, created_by, notify_chat, session_id, created_at
		FROM pipeline_tasks ORDER BY id DESC;
	`)
	if err != nil {
		return nil, wrapBackend("ListAllTasks", err)
	}
	defer rows.Close()
	return scanTasks(rows, "ListAllTasks")
}

func (s *Store) listTasksWhere(ctx context.Context, op, whereIn string) ([]PipelineTask, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, title, description, repo_path, branch, status, attempt, max_attempts, last_error, created_by, notify_chat, session_id, created_at
		FROM pipeline_tasks WHERE status IN (%s) ORDER BY id ASC;
	`, whereIn))
	if err != nil {
		return nil, wrapBackend(op, err)
	}
	defer rows.Close()
	return scanTasks(rows, op)
}

func activeStatusPlaceholders() string {
	s := ""
	for i, st := range activeStatuses {
		if i > 0 {
			s += ", "
		}
		s += "'" + string(st) + "'"
	}
	return s
}

// NextTask selects the highest-priority active task: ordered by the
// (weight, created_at) tuple from spec.md's "Algorithmic note — next_task",
// ties within the same second broken by the autoincrement id (the
// monotonic tiebreaker spec.md §9 calls out as an open question this
// implementation resolves deterministically). Returns ErrNotFound if no
// active task exists.
func (s *Store) NextTask(ctx context.Context) (PipelineTask, error) {
	tasks, err := s.ListActiveTasks(ctx)
	if err != nil {
		return PipelineTask{}, err
	}
	if len(tasks) == 0 {
		return PipelineTask{}, notFoundf("NextTask")
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		wi, wj := taskWeight[tasks[i].Status], taskWeight[tasks[j].Status]
		if wi != wj {
			return wi < wj
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks[0], nil
}

// UpdateStatus transitions a task to newStatus.
func (s *Store) UpdateStatus(ctx context.Context, id int64, newStatus TaskStatus) error {
	return s.execTaskUpdate(ctx, "UpdateStatus", `UPDATE pipeline_tasks SET status = ? WHERE id = ?;`, string(newStatus), id)
}

// UpdateBranch sets the task's working branch name.
func (s *Store) UpdateBranch(ctx context.Context, id int64, branch string) error {
	return s.execTaskUpdate(ctx, "UpdateBranch", `UPDATE pipeline_tasks SET branch = ? WHERE id = ?;`, branch, id)
}

// UpdateError records the task's last_error.
func (s *Store) UpdateError(ctx context.Context, id int64, errMsg string) error {
	return s.execTaskUpdate(ctx, "UpdateError", `UPDATE pipeline_tasks SET last_error = ? WHERE id = ?;`, errMsg, id)
}

// SetSessionID binds an agent-resume session id to the task.
func (s *Store) SetSessionID(ctx context.Context, id int64, sessionID string) error {
	return s.execTaskUpdate(ctx, "SetSessionID", `UPDATE pipeline_tasks SET session_id = ? WHERE id = ?;`, sessionID, id)
}

// IncrementAttempt bumps attempt by one and returns the new value.
func (s *Store) IncrementAttempt(ctx context.Context, id int64) (int, error) {
	var attempt int
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return wrapBackend("IncrementAttempt", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT attempt FROM pipeline_tasks WHERE id = ?;`, id)
		if err := row.Scan(&attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFoundf("IncrementAttempt")
			}
			return wrapBackend("IncrementAttempt", err)
		}
		attempt++
		if _, err := tx.ExecContext(ctx, `UPDATE pipeline_tasks SET attempt = ? WHERE id = ?;`, attempt, id); err != nil {
			return wrapBackend("IncrementAttempt", err)
		}
		if err := tx.Commit(); err != nil {
			return wrapBackend("IncrementAttempt", err)
		}
		return nil
	})
	return attempt, err
}

// DeleteTask removes a task row (and leaves its TaskOutput/QueueEntry
// history in place for audit purposes).
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_tasks WHERE id = ?;`, id)
		if err != nil {
			return wrapBackend("DeleteTask", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFoundf("DeleteTask")
		}
		return nil
	})
}

func (s *Store) execTaskUpdate(ctx context.Context, op, query string, arg any, id int64) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, arg, id)
		if err != nil {
			return wrapBackend(op, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFoundf(op)
		}
		return nil
	})
}

func scanTask(row rowScanner, op string) (PipelineTask, error) {
	var t PipelineTask
	var status, createdAt string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.RepoPath, &t.Branch, &status, &t.Attempt, &t.MaxAttempts, &t.LastError, &t.CreatedBy, &t.NotifyChat, &t.SessionID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PipelineTask{}, notFoundf(op)
		}
		return PipelineTask{}, wrapBackend(op, err)
	}
	t.Status = TaskStatus(status)
	ts, perr := time.Parse(time.RFC3339Nano, createdAt)
	if perr != nil {
		return PipelineTask{}, decodeErrorf(op, perr)
	}
	t.CreatedAt = ts
	return t, nil
}

func scanTasks(rows *sql.Rows, op string) ([]PipelineTask, error) {
	var out []PipelineTask
	for rows.Next() {
		t, err := scanTask(rows, op)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBackend(op, err)
	}
	return out, nil
}
