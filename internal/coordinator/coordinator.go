// Package coordinator schedules tasks against the remote surface. Exactly
// one task runs at a time; everything else waits in the persistent queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/pipeline"
	"github.com/basket/go-helm/internal/remote"
	"github.com/basket/go-helm/internal/shared"
	"github.com/basket/go-helm/internal/surface"
)

// Link is the coordinator's view of the remote channel: task traffic plus
// the liveness operations used before each run. *remote.Channel implements
// it.
type Link interface {
	Send(ctx context.Context, msg remote.Message) (remote.Response, error)
	Probe(ctx context.Context) bool
	Bootstrap(ctx context.Context) bool
}

// Config wires the coordinator's collaborators.
type Config struct {
	Store   *persistence.Store
	Link    Link
	Factory *surface.Factory
	Runner  *pipeline.Runner
	Bus     *bus.Bus
	Logger  *slog.Logger
	// RetryDelay is the pause before a failed task goes back to the queue.
	RetryDelay time.Duration
	// PollInterval is the fallback scheduling tick for work that arrives
	// without a nudge, such as tasks inserted by another process.
	PollInterval time.Duration
}

const (
	defaultRetryDelay   = 5 * time.Second
	defaultPollInterval = 2 * time.Second
)

// ErrTaskNotFound is returned by Stop for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

type activeRun struct {
	taskID string
	agent  surface.Agent
	cancel context.CancelFunc
}

// Coordinator owns the single-flight task loop.
type Coordinator struct {
	store   *persistence.Store
	link    Link
	factory *surface.Factory
	runner  *pipeline.Runner
	bus     *bus.Bus
	logger  *slog.Logger

	retryDelay   time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	active *activeRun

	wake chan struct{}
	wg   sync.WaitGroup
}

// New builds a coordinator from cfg.
func New(cfg Config) *Coordinator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Coordinator{
		store:        cfg.Store,
		link:         cfg.Link,
		factory:      cfg.Factory,
		runner:       cfg.Runner,
		bus:          cfg.Bus,
		logger:       cfg.Logger.With("component", "coordinator"),
		retryDelay:   cfg.RetryDelay,
		pollInterval: cfg.PollInterval,
		wake:         make(chan struct{}, 1),
	}
}

// Run drives scheduling until ctx is canceled, then waits for the active
// task goroutine to unwind.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		c.scheduleNext(ctx)
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// Nudge asks the loop to look for pending work now instead of at the next
// tick. Safe from any goroutine; duplicate nudges coalesce.
func (c *Coordinator) Nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Submit persists a new task and nudges the scheduler. The returned task
// reflects the queued state.
func (c *Coordinator) Submit(ctx context.Context, content, surfaceKind string, maxRetries int) (*persistence.Task, error) {
	if content == "" {
		return nil, fmt.Errorf("task content must not be empty")
	}
	if surfaceKind == "" {
		surfaceKind = shared.DefaultSurfaceKind
	}
	if _, err := c.factory.New(surfaceKind, c.link, c.logger); err != nil {
		return nil, err
	}
	task := persistence.NewTask(content, surfaceKind, maxRetries)
	if err := c.store.Add(ctx, task); err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	c.logger.Info("task queued", "task_id", task.ID, "surface_kind", surfaceKind, "steps", len(task.Steps))
	c.Nudge()
	return task, nil
}

// Active returns the id of the task currently running, or "".
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.taskID
}

// scheduleNext starts the earliest pending task unless one is already
// running.
func (c *Coordinator) scheduleNext(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	busy := c.active != nil
	c.mu.Unlock()
	if busy {
		return
	}

	task, err := c.store.FindNextPending(ctx)
	if err != nil {
		c.logger.Error("find pending task", "error", err.Error())
		return
	}
	if task == nil {
		return
	}
	c.startTask(ctx, task)
}

func (c *Coordinator) startTask(ctx context.Context, task *persistence.Task) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithSurfaceKind(ctx, task.SurfaceKind)
	logger := c.logger.With("task_id", task.ID, "trace_id", traceID)

	// The channel is probed before every run. Bootstrap is strictly a
	// fallback for a failed probe; a live session is never reactivated.
	if !c.link.Probe(ctx) {
		logger.Warn("companion probe failed, bootstrapping")
		if !c.link.Bootstrap(ctx) {
			if ctx.Err() != nil {
				return
			}
			// Probe, then bootstrap and re-probe; two chances in total.
			c.handleFailure(ctx, task.ID, &remote.ConnectivityError{
				Attempts: 2,
				Last:     errors.New("bootstrap did not restore the companion"),
			})
			return
		}
		logger.Info("companion bootstrapped")
	}

	agent, err := c.factory.New(task.SurfaceKind, c.link, c.logger)
	if err != nil {
		// Unknown surface kinds never become runnable; fail outright.
		c.failTask(ctx, task.ID, err.Error())
		return
	}

	updated, err := c.store.Update(ctx, task.ID, func(t *persistence.Task) error {
		if t.Status != persistence.StatusPending {
			return fmt.Errorf("task is %s, not PENDING", t.Status)
		}
		now := time.Now().UTC()
		t.Status = persistence.StatusRunning
		t.StartedAt = &now
		t.Error = ""
		return nil
	})
	if err != nil {
		logger.Warn("claim task", "error", err.Error())
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.active = &activeRun{taskID: updated.ID, agent: agent, cancel: cancel}
	c.mu.Unlock()

	logger.Info("task started", "attempt", updated.RetryCount+1, "max_retries", updated.MaxRetries)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		runErr := c.runner.Run(runCtx, updated, agent)
		c.onTerminal(ctx, updated.ID, runErr)
	}()
}

// onTerminal records the run outcome and clears the active slot. ctx is
// the scheduler context, not the canceled run context, so bookkeeping
// still reaches the store after a stop.
func (c *Coordinator) onTerminal(ctx context.Context, taskID string, runErr error) {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()

	switch {
	case runErr == nil:
		if _, err := c.store.Update(ctx, taskID, func(t *persistence.Task) error {
			now := time.Now().UTC()
			t.Status = persistence.StatusCompleted
			t.CompletedAt = &now
			return nil
		}); err != nil {
			c.logger.Error("mark task completed", "task_id", taskID, "error", err.Error())
		} else {
			c.logger.Info("task completed", "task_id", taskID)
		}
	case errors.Is(runErr, context.Canceled):
		// A stop already forced the task back to PENDING; a shutdown
		// leaves it RUNNING for crash recovery on the next start.
		c.logger.Info("task run canceled", "task_id", taskID)
	default:
		c.handleFailure(ctx, taskID, runErr)
	}
	c.Nudge()
}

// handleFailure retries the whole task from its first step while attempts
// remain, otherwise marks it failed.
func (c *Coordinator) handleFailure(ctx context.Context, taskID string, cause error) {
	var exhausted bool
	updated, err := c.store.Update(ctx, taskID, func(t *persistence.Task) error {
		// Every failure consumes an attempt; the failure that reaches the
		// ceiling is terminal, it does not earn one more run.
		t.RetryCount++
		if t.RetryCount >= t.MaxRetries {
			exhausted = true
			now := time.Now().UTC()
			t.Status = persistence.StatusFailed
			t.CompletedAt = &now
			t.Error = cause.Error()
			return nil
		}
		t.Status = persistence.StatusPending
		t.StartedAt = nil
		t.Error = cause.Error()
		t.CurrentStepIndex = 0
		for i := range t.Steps {
			t.Steps[i] = persistence.Step{Index: i, Content: t.Steps[i].Content, Status: persistence.StatusPending}
		}
		return nil
	})
	if err != nil {
		c.logger.Error("record task failure", "task_id", taskID, "error", err.Error())
		return
	}
	if exhausted {
		c.logger.Error("task failed permanently", "task_id", taskID, "error", cause.Error())
		return
	}

	c.logger.Warn("task failed, will retry",
		"task_id", taskID, "attempt", updated.RetryCount, "max_retries", updated.MaxRetries,
		"delay", c.retryDelay.String(), "error", cause.Error())
	if c.bus != nil {
		c.bus.Publish(bus.TopicTaskRetrying, bus.TaskTerminalEvent{
			TaskID:     taskID,
			Status:     string(persistence.StatusPending),
			Error:      cause.Error(),
			RetryCount: updated.RetryCount,
		})
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(c.retryDelay):
			c.Nudge()
		}
	}()
}

func (c *Coordinator) failTask(ctx context.Context, taskID, detail string) {
	if _, err := c.store.Update(ctx, taskID, func(t *persistence.Task) error {
		now := time.Now().UTC()
		t.Status = persistence.StatusFailed
		t.CompletedAt = &now
		t.Error = detail
		return nil
	}); err != nil {
		c.logger.Error("mark task failed", "task_id", taskID, "error", err.Error())
	}
}

// Stop halts a task. If it is the active run the surface is told to abort
// and the run goroutine is canceled. In every case the task is forced back
// to PENDING, which makes Stop idempotent and keeps a task stoppable even
// when the in-memory state disagrees with the store.
func (c *Coordinator) Stop(ctx context.Context, taskID string) error {
	task, err := c.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	c.mu.Lock()
	run := c.active
	if run != nil && run.taskID != taskID {
		run = nil
	}
	c.mu.Unlock()

	if run != nil {
		if err := run.agent.Abort(ctx); err != nil {
			c.logger.Warn("surface abort failed", "task_id", taskID, "error", err.Error())
		}
		run.cancel()
	}

	if _, err := c.store.Update(ctx, taskID, func(t *persistence.Task) error {
		t.Status = persistence.StatusPending
		t.StartedAt = nil
		t.CompletedAt = nil
		t.CurrentStepIndex = 0
		for i := range t.Steps {
			t.Steps[i] = persistence.Step{Index: i, Content: t.Steps[i].Content, Status: persistence.StatusPending}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("requeue stopped task: %w", err)
	}

	c.logger.Info("task stopped", "task_id", taskID, "was_active", run != nil)
	if c.bus != nil {
		c.bus.Publish(bus.TopicTaskStopped, bus.TaskTerminalEvent{
			TaskID: taskID,
			Status: string(persistence.StatusPending),
		})
	}
	return nil
}
