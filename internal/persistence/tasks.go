package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Add inserts a new task record. The task keeps whatever status it carries;
// callers normally insert Pending tasks built by NewTask.
func (s *Store) Add(ctx context.Context, task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("add task: empty id")
	}
	if !task.Status.Valid() {
		return fmt.Errorf("add task %s: invalid status %q", task.ID, task.Status)
	}
	stepsJSON, err := encodeSteps(task.Steps)
	if err != nil {
		return fmt.Errorf("add task %s: %w", task.ID, err)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, content, surface_kind, status, created_at, started_at, completed_at,
				error, retry_count, max_retries, steps_json, current_step_index, version
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			task.ID, task.Content, task.SurfaceKind, task.Status, task.CreatedAt,
			nullableTime(task.StartedAt), nullableTime(task.CompletedAt),
			task.Error, task.RetryCount, task.MaxRetries, stepsJSON,
			task.CurrentStepIndex, task.Version,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
		return nil
	})
}

// Get returns the task with the given id, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// GetAll returns every task, oldest first.
func (s *Store) GetAll(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` FROM tasks ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// FindNextPending returns the earliest Pending task in store order, or
// (nil, nil) when the queue is empty.
func (s *Store) FindNextPending(ctx context.Context) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		FROM tasks
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1;
	`, StatusPending)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find next pending: %w", err)
	}
	return task, nil
}

// Update applies mutate to the whole task record and writes it back under
// the version guard. The read, the mutation, and the write happen in one
// transaction; concurrent writers for the same id are serialized by the
// single-connection pool and the version check catches anything that slips
// past it. The updated task is returned.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Task) error) (*Task, error) {
	var updated *Task
	var from, to Status

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, selectColumns+` FROM tasks WHERE id = ?;`, id)
		task, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update task %s: not found", id)
		}
		if err != nil {
			return fmt.Errorf("read task %s: %w", id, err)
		}

		from = task.Status
		expectedVersion := task.Version
		if err := mutate(task); err != nil {
			return fmt.Errorf("mutate task %s: %w", id, err)
		}
		if !task.Status.Valid() {
			return fmt.Errorf("update task %s: invalid status %q", id, task.Status)
		}
		to = task.Status
		task.Version = expectedVersion + 1

		stepsJSON, err := encodeSteps(task.Steps)
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET content = ?, surface_kind = ?, status = ?, started_at = ?,
				completed_at = ?, error = ?, retry_count = ?, max_retries = ?,
				steps_json = ?, current_step_index = ?, version = ?
			WHERE id = ? AND version = ?;
		`,
			task.Content, task.SurfaceKind, task.Status,
			nullableTime(task.StartedAt), nullableTime(task.CompletedAt),
			task.Error, task.RetryCount, task.MaxRetries, stepsJSON,
			task.CurrentStepIndex, task.Version,
			id, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("write task %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		if affected == 0 {
			return fmt.Errorf("update task %s: %w", id, ErrVersionConflict)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update %s: %w", id, err)
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishStateChange(id, from, to, updated)
	return updated, nil
}

// Delete removes a task record. Deleting a missing task is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
		return nil
	})
}

// RequeueRunning resets every RUNNING task back to PENDING. Called once at
// startup: a task persisted as running belongs to a process that no longer
// exists. Step statuses are left as they are; the retry policy owns any
// further reset.
func (s *Store) RequeueRunning(ctx context.Context) (int64, error) {
	var requeued int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, version = version + 1
			WHERE status = ?;
		`, StatusPending, StatusRunning)
		if err != nil {
			return fmt.Errorf("requeue running tasks: %w", err)
		}
		requeued, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue running tasks: %w", err)
		}
		return nil
	})
	return requeued, err
}

// Counts returns the number of pending and running tasks.
func (s *Store) Counts(ctx context.Context) (pending, running int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM tasks GROUP BY status;
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, fmt.Errorf("scan task counts: %w", err)
		}
		switch status {
		case StatusPending:
			pending = count
		case StatusRunning:
			running = count
		}
	}
	return pending, running, rows.Err()
}

const selectColumns = `
	SELECT id, content, surface_kind, status, created_at, started_at,
		completed_at, error, retry_count, max_retries, steps_json,
		current_step_index, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task        Task
		startedAt   sql.NullTime
		completedAt sql.NullTime
		stepsJSON   string
	)
	if err := row.Scan(
		&task.ID, &task.Content, &task.SurfaceKind, &task.Status,
		&task.CreatedAt, &startedAt, &completedAt, &task.Error,
		&task.RetryCount, &task.MaxRetries, &stepsJSON,
		&task.CurrentStepIndex, &task.Version,
	); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &task.Steps); err != nil {
			return nil, fmt.Errorf("decode steps for %s: %w", task.ID, err)
		}
	}
	return &task, nil
}

func encodeSteps(steps []Step) (string, error) {
	if len(steps) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("encode steps: %w", err)
	}
	return string(raw), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
