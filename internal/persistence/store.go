// Package persistence is the keyed task store. It owns the Task and Step
// records, persists them in SQLite, and publishes lifecycle events on the
// bus when a task's status changes. Whole records are read, mutated, and
// written back under an optimistic version guard.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/splitter"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion = 1

	// DefaultMaxRetries is the whole-task retry budget when a task does
	// not carry its own.
	DefaultMaxRetries = 3
)

// ErrVersionConflict is returned when an Update loses the optimistic
// concurrency race. The single-coordinator design makes this rare, but the
// guard stays on so independent writers cannot silently lose updates.
var ErrVersionConflict = errors.New("task version conflict")

// Status is the lifecycle state shared by tasks and steps.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status is an end state for a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four persisted statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Step is one ordered segment of a multi-step task.
type Step struct {
	Index       int        `json:"index"`
	Content     string     `json:"content"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Task is a persisted work item for a remote surface.
type Task struct {
	ID               string     `json:"id"`
	Content          string     `json:"content"`
	SurfaceKind      string     `json:"surface_kind"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Error            string     `json:"error,omitempty"`
	RetryCount       int        `json:"retry_count"`
	MaxRetries       int        `json:"max_retries"`
	Steps            []Step     `json:"steps,omitempty"`
	CurrentStepIndex int        `json:"current_step_index"`
	Version          int64      `json:"version"`
}

// MultiStep reports whether the task carries parsed step segments.
func (t *Task) MultiStep() bool {
	return len(t.Steps) >= 2
}

// NewTask builds a Pending task from raw content, parsing step segments
// out of it. maxRetries <= 0 selects the default budget.
func NewTask(content, surfaceKind string, maxRetries int) *Task {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	task := &Task{
		ID:          uuid.NewString(),
		Content:     content,
		SurfaceKind: surfaceKind,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
		MaxRetries:  maxRetries,
	}
	if segments := splitter.Split(content); segments != nil {
		task.Steps = make([]Step, len(segments))
		for i, segment := range segments {
			task.Steps[i] = Step{Index: i, Content: segment, Status: StatusPending}
		}
	}
	return task
}

// Store is the SQLite-backed task store.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns the task database location under the home dir.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "gohelm.db")
}

// Open opens (creating if needed) the task database at path.
// eventBus may be nil; lifecycle events are then not published.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single connection serializes all writers per the store contract.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id                 TEXT PRIMARY KEY,
			content            TEXT NOT NULL,
			surface_kind       TEXT NOT NULL DEFAULT 'chat',
			status             TEXT NOT NULL,
			created_at         TIMESTAMP NOT NULL,
			started_at         TIMESTAMP,
			completed_at       TIMESTAMP,
			error              TEXT NOT NULL DEFAULT '',
			retry_count        INTEGER NOT NULL DEFAULT 0,
			max_retries        INTEGER NOT NULL DEFAULT 3,
			steps_json         TEXT NOT NULL DEFAULT '',
			current_step_index INTEGER NOT NULL DEFAULT 0,
			version            INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status_created
			ON tasks (status, created_at);
	`); err != nil {
		return fmt.Errorf("create tasks schema: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) publishStateChange(taskID string, from, to Status, task *Task) {
	if s.bus == nil || from == to {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
	switch to {
	case StatusCompleted:
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskTerminalEvent{
			TaskID: taskID, Status: string(to), RetryCount: task.RetryCount,
		})
	case StatusFailed:
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskTerminalEvent{
			TaskID: taskID, Status: string(to), Error: task.Error, RetryCount: task.RetryCount,
		})
	}
}
