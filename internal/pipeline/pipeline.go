// Package pipeline runs a task's steps against a surface agent, one at a
// time, persisting per-step state as it goes.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/inference"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/shared"
	"github.com/basket/go-helm/internal/surface"
)

// Options tunes step execution.
type Options struct {
	// SubmitTimeout bounds input preparation plus submission for one step.
	// The completion wait that follows has no fixed bound.
	SubmitTimeout time.Duration
	// Monitor configures the completion inference for each step.
	Monitor inference.Options
}

func (o Options) withDefaults() Options {
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 30 * time.Second
	}
	return o
}

// Runner executes task steps sequentially. A step failure aborts the run;
// remaining steps are never submitted.
type Runner struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	opts   Options
}

// NewRunner builds a runner over store. eventBus receives step lifecycle
// events and feeds change notifications to the completion monitors.
func NewRunner(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, opts Options) *Runner {
	return &Runner{
		store:  store,
		bus:    eventBus,
		logger: logger.With("component", "pipeline"),
		opts:   opts.withDefaults(),
	}
}

// Run executes task's steps through agent, starting at the task's current
// step index. It returns the first step failure, or nil when every step
// completed.
func (r *Runner) Run(ctx context.Context, task *persistence.Task, agent surface.Agent) error {
	// Content without a delimiter carries no step records; it runs as a
	// single submission of the raw content through the same machinery.
	if len(task.Steps) == 0 {
		return r.runAtomic(ctx, task, agent)
	}
	start := task.CurrentStepIndex
	if start < 0 {
		start = 0
	}
	for i := start; i < len(task.Steps); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runStep(ctx, task, agent, i, i == start); err != nil {
			return fmt.Errorf("step %d/%d: %w", i+1, len(task.Steps), err)
		}
	}
	return nil
}

// runAtomic submits the whole task content in one step. There are no step
// rows to persist; the task-level status carries the outcome.
func (r *Runner) runAtomic(ctx context.Context, task *persistence.Task, agent surface.Agent) error {
	logger := r.logger.With("task_id", task.ID)
	if traceID := shared.TraceID(ctx); traceID != "" {
		logger = logger.With("trace_id", traceID)
	}
	r.publishStep(bus.TopicStepStarted, task.ID, 0, "")
	logger.Info("submission started")

	if err := r.submit(ctx, agent, task.Content); err != nil {
		r.publishStep(bus.TopicStepFailed, task.ID, 0, err.Error())
		return err
	}

	monitor := inference.NewMonitor(agent, r.bus, r.logger, task.ID, r.opts.Monitor)
	result, err := monitor.Wait(ctx)
	if err != nil {
		r.publishStep(bus.TopicStepFailed, task.ID, 0, err.Error())
		return fmt.Errorf("completion wait: %w", err)
	}
	if result.Outcome == inference.OutcomeFailed {
		detail := result.Detail
		if detail == "" {
			detail = "surface reported an error"
		}
		r.publishStep(bus.TopicStepFailed, task.ID, 0, detail)
		return fmt.Errorf("surface error: %s", detail)
	}

	r.publishStep(bus.TopicStepCompleted, task.ID, 0, "")
	logger.Info("submission completed")
	return nil
}

func (r *Runner) runStep(ctx context.Context, task *persistence.Task, agent surface.Agent, index int, first bool) error {
	logger := r.logger.With("task_id", task.ID, "step", index)
	if traceID := shared.TraceID(ctx); traceID != "" {
		logger = logger.With("trace_id", traceID)
	}

	if _, err := r.store.Update(ctx, task.ID, func(t *persistence.Task) error {
		if index >= len(t.Steps) {
			return fmt.Errorf("step index %d out of range", index)
		}
		now := time.Now().UTC()
		t.Steps[index].Status = persistence.StatusRunning
		t.Steps[index].StartedAt = &now
		t.CurrentStepIndex = index
		return nil
	}); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}
	r.publishStep(bus.TopicStepStarted, task.ID, index, "")
	logger.Info("step started")

	// Later steps reuse the input surface the previous step wrote into.
	if !first {
		if err := agent.Reset(ctx); err != nil {
			logger.Warn("input reset failed", "error", err.Error())
		}
	}

	ctx = shared.WithStepIndex(ctx, index)
	if err := r.submit(ctx, agent, task.Steps[index].Content); err != nil {
		r.failStep(ctx, task.ID, index, err.Error())
		return err
	}

	monitor := inference.NewMonitor(agent, r.bus, r.logger, task.ID, r.opts.Monitor)
	result, err := monitor.Wait(ctx)
	if err != nil {
		r.failStep(ctx, task.ID, index, err.Error())
		return fmt.Errorf("completion wait: %w", err)
	}
	if result.Outcome == inference.OutcomeFailed {
		detail := result.Detail
		if detail == "" {
			detail = "surface reported an error"
		}
		r.failStep(ctx, task.ID, index, detail)
		return fmt.Errorf("surface error: %s", detail)
	}

	if _, err := r.store.Update(ctx, task.ID, func(t *persistence.Task) error {
		now := time.Now().UTC()
		t.Steps[index].Status = persistence.StatusCompleted
		t.Steps[index].CompletedAt = &now
		return nil
	}); err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}
	r.publishStep(bus.TopicStepCompleted, task.ID, index, "")
	logger.Info("step completed")
	return nil
}

func (r *Runner) submit(ctx context.Context, agent surface.Agent, content string) error {
	submitCtx, cancel := context.WithTimeout(ctx, r.opts.SubmitTimeout)
	defer cancel()
	if err := agent.PrepareInput(submitCtx); err != nil {
		return err
	}
	return agent.Submit(submitCtx, content)
}

func (r *Runner) failStep(ctx context.Context, taskID string, index int, detail string) {
	// Persisting the step failure is best effort; the task-level failure
	// path records the error regardless.
	if _, err := r.store.Update(ctx, taskID, func(t *persistence.Task) error {
		if index >= len(t.Steps) {
			return nil
		}
		now := time.Now().UTC()
		t.Steps[index].Status = persistence.StatusFailed
		t.Steps[index].CompletedAt = &now
		t.Steps[index].Error = detail
		return nil
	}); err != nil && ctx.Err() == nil {
		r.logger.Warn("persist step failure", "task_id", taskID, "step", index, "error", err.Error())
	}
	r.publishStep(bus.TopicStepFailed, taskID, index, detail)
}

func (r *Runner) publishStep(topic, taskID string, index int, detail string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, bus.StepEvent{TaskID: taskID, Index: index, Error: detail})
}
