package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskColumns = `task_id, path, stage, status, retry_count, last_error, next_attempt_at, created_at, updated_at`

// EnqueueTask inserts a pending task. A task that already succeeded is
// re-queued with its retry count reset; any other existing task is untouched.
// It reports whether the task was queued.
func (s *SQLiteStore) EnqueueTask(ctx context.Context, t *Task) (bool, error) {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.NextAttemptAt.IsZero() {
		t.NextAttemptAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, 0, '', ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			path = excluded.path,
			stage = excluded.stage,
			status = excluded.status,
			retry_count = 0,
			last_error = '',
			next_attempt_at = excluded.next_attempt_at,
			updated_at = excluded.updated_at
		WHERE ingest_tasks.status = ?`,
		t.ID, t.Path, t.Stage, string(TaskPending), unixNano(t.NextAttemptAt), unixNano(t.CreatedAt), now.UnixNano(),
		string(TaskSucceeded))
	if err != nil {
		return false, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		t.Status = TaskPending
		t.RetryCount = 0
	}
	return n > 0, nil
}

// ClaimTask moves the oldest due pending task to processing. The status
// guard on the UPDATE makes the claim exclusive; a lost race retries with
// the next candidate. Returns nil when nothing is due.
func (s *SQLiteStore) ClaimTask(ctx context.Context, now time.Time) (*Task, error) {
	for {
		var id string
		err := s.db.QueryRowContext(ctx, `
			SELECT task_id FROM ingest_tasks
			WHERE status = ? AND next_attempt_at <= ?
			ORDER BY next_attempt_at, created_at, task_id LIMIT 1`,
			string(TaskPending), now.UnixNano()).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select due task: %w", err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE ingest_tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
			string(TaskProcessing), now.UnixNano(), id, string(TaskPending))
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.GetTask(ctx, id)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// UpdateTask writes the outcome of an attempt. The task must be processing.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingest_tasks SET stage = ?, status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		t.Stage, string(t.Status), t.RetryCount, t.LastError, unixNano(t.NextAttemptAt), t.UpdatedAt.UnixNano(),
		t.ID, string(TaskProcessing))
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not processing", t.ID)
	}
	return nil
}

// GetTask returns a task, or nil when it does not exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM ingest_tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                      Task
		status                 string
		next, created, updated int64
	)
	if err := row.Scan(&t.ID, &t.Path, &t.Stage, &status, &t.RetryCount, &t.LastError, &next, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.NextAttemptAt = fromUnixNano(next)
	t.CreatedAt = fromUnixNano(created)
	t.UpdatedAt = fromUnixNano(updated)
	return &t, nil
}

// ListTasks returns tasks with the given status, or all tasks when status
// is empty, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, status TaskStatus) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM ingest_tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, task_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ResetTask moves a dead-lettered task back to pending with zero retries.
func (s *SQLiteStore) ResetTask(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingest_tasks SET status = ?, retry_count = 0, last_error = '', next_attempt_at = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(TaskPending), now.UnixNano(), now.UnixNano(), id, string(TaskDeadLetter))
	if err != nil {
		return fmt.Errorf("reset task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("task %s is %s, not %s", id, t.Status, TaskDeadLetter)
}

// RecoverTasks returns tasks left in processing by a crash to pending.
func (s *SQLiteStore) RecoverTasks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_tasks SET status = ?, updated_at = ? WHERE status = ?`,
		string(TaskPending), time.Now().UnixNano(), string(TaskProcessing))
	if err != nil {
		return 0, fmt.Errorf("recover tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TaskCounts returns the number of tasks per status.
func (s *SQLiteStore) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ingest_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// RetryTotal sums the retry counts of all tasks.
func (s *SQLiteStore) RetryTotal(ctx context.Context) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(retry_count), 0) FROM ingest_tasks`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum retries: %w", err)
	}
	return total, nil
}
