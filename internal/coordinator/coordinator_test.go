package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/inference"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/pipeline"
	"github.com/basket/go-helm/internal/remote"
	"github.com/basket/go-helm/internal/surface"
)

// fakeLink plays the remote channel and a well-behaved companion in one.
// After each accepted submission the simulated surface reports busy for
// two status checks and then settles, unless busyForever is set.
type fakeLink struct {
	mu          sync.Mutex
	alive       bool
	bootstrapOK bool
	bootstraps  int
	failSubmit  bool
	busyForever bool
	submissions []string
	submitTries int
	stops       []string
	observes    int
}

func (l *fakeLink) Probe(context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive
}

func (l *fakeLink) Bootstrap(context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bootstraps++
	if l.bootstrapOK {
		l.alive = true
	}
	return l.bootstrapOK
}

func (l *fakeLink) Send(_ context.Context, msg remote.Message) (remote.Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch msg.Kind {
	case remote.KindSubmit:
		l.submitTries++
		if l.failSubmit {
			return remote.Response{ID: msg.ID, Success: false, Error: "input detached"}, nil
		}
		var payload map[string]string
		_ = json.Unmarshal(msg.Payload, &payload)
		l.submissions = append(l.submissions, payload["content"])
		l.observes = 0
		return remote.Response{ID: msg.ID, Success: true}, nil
	case remote.KindCheckStatus:
		l.observes++
		busy := l.busyForever || l.observes <= 2
		length := 100
		if busy {
			length = l.observes * 10
		}
		data, _ := json.Marshal(map[string]any{
			"stop_control_visible": busy,
			"transcript_length":    length,
			"quiet_ms":             10000,
			"input_ready":          true,
		})
		return remote.Response{ID: msg.ID, Success: true, Data: data}, nil
	case remote.KindStop:
		var payload map[string]string
		_ = json.Unmarshal(msg.Payload, &payload)
		l.stops = append(l.stops, payload["mode"])
		return remote.Response{ID: msg.ID, Success: true}, nil
	default:
		return remote.Response{ID: msg.ID, Success: true}, nil
	}
}

func (l *fakeLink) submitAttempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitTries
}

func (l *fakeLink) submitted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.submissions...)
}

func (l *fakeLink) stopModes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.stops...)
}

func newTestCoordinator(t *testing.T, link *fakeLink) (*Coordinator, *persistence.Store, *bus.Bus) {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gohelm.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := pipeline.NewRunner(store, eventBus, logger, pipeline.Options{
		SubmitTimeout: time.Second,
		Monitor: inference.Options{
			PollInterval:       5 * time.Millisecond,
			DebounceWindow:     10 * time.Millisecond,
			StabilityThreshold: 2,
			WatchdogInterval:   100 * time.Millisecond,
			StallThreshold:     500 * time.Millisecond,
		},
	})
	c := New(Config{
		Store:        store,
		Link:         link,
		Factory:      surface.NewFactory(),
		Runner:       runner,
		Bus:          eventBus,
		Logger:       logger,
		RetryDelay:   20 * time.Millisecond,
		PollInterval: time.Hour,
	})
	return c, store, eventBus
}

func waitForStatus(t *testing.T, store *persistence.Store, taskID string, want persistence.Status) *persistence.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if task != nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := store.Get(context.Background(), taskID)
	t.Fatalf("task %s never reached %s, last seen %+v", taskID, want, task)
	return nil
}

func TestCoordinatorRunsTaskToCompletion(t *testing.T) {
	link := &fakeLink{alive: true}
	c, store, _ := newTestCoordinator(t, link)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := c.Submit(ctx, "summarize the meeting notes", surface.KindChat, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.scheduleNext(ctx)

	done := waitForStatus(t, store, task.ID, persistence.StatusCompleted)
	if done.CompletedAt == nil || done.StartedAt == nil {
		t.Fatal("completed task missing timestamps")
	}
	if got := link.submitted(); len(got) != 1 || got[0] != "summarize the meeting notes" {
		t.Fatalf("submissions = %v", got)
	}
	if c.Active() != "" {
		t.Fatalf("Active = %q after completion", c.Active())
	}
}

func TestCoordinatorSingleFlight(t *testing.T) {
	link := &fakeLink{alive: true}
	c, store, _ := newTestCoordinator(t, link)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := c.Submit(ctx, "first task", surface.KindChat, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := c.Submit(ctx, "second task", surface.KindChat, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	c.scheduleNext(ctx)
	if active := c.Active(); active != first.ID {
		t.Fatalf("Active = %q, want %q", active, first.ID)
	}
	// A second scheduling pass while the first task runs must not start
	// the second task.
	c.scheduleNext(ctx)
	if got, _ := store.Get(ctx, second.ID); got.Status != persistence.StatusPending {
		t.Fatalf("second task status = %s, want PENDING", got.Status)
	}

	waitForStatus(t, store, first.ID, persistence.StatusCompleted)
	c.scheduleNext(ctx)
	waitForStatus(t, store, second.ID, persistence.StatusCompleted)

	got := link.submitted()
	if len(got) != 2 || got[0] != "first task" || got[1] != "second task" {
		t.Fatalf("submission order = %v", got)
	}
}

func TestCoordinatorRetriesThenFails(t *testing.T) {
	link := &fakeLink{alive: true, failSubmit: true}
	c, store, eventBus := newTestCoordinator(t, link)
	sub := eventBus.Subscribe(bus.TopicTaskRetrying)
	defer eventBus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	task, err := c.Submit(ctx, "doomed task", surface.KindChat, 2)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, store, task.ID, persistence.StatusFailed)
	if failed.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", failed.RetryCount)
	}
	if failed.Error == "" {
		t.Fatal("failed task missing error detail")
	}
	// maxRetries=2 allows two runs in total; the second failure is
	// terminal and must not earn a third.
	if got := link.submitAttempts(); got != 2 {
		t.Fatalf("submit attempts = %d, want 2", got)
	}

	select {
	case ev := <-sub.Ch():
		retry, ok := ev.Payload.(bus.TaskTerminalEvent)
		if !ok || retry.TaskID != task.ID || retry.RetryCount != 1 {
			t.Fatalf("unexpected retry event %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no retry event published")
	}
}

func TestCoordinatorBootstrapsDeadCompanion(t *testing.T) {
	link := &fakeLink{alive: false, bootstrapOK: true}
	c, store, _ := newTestCoordinator(t, link)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := c.Submit(ctx, "wake up and work", surface.KindChat, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.scheduleNext(ctx)

	waitForStatus(t, store, task.ID, persistence.StatusCompleted)
	link.mu.Lock()
	bootstraps := link.bootstraps
	link.mu.Unlock()
	if bootstraps != 1 {
		t.Fatalf("bootstraps = %d, want 1", bootstraps)
	}
}

func TestCoordinatorUnreachableCompanionFailsTask(t *testing.T) {
	link := &fakeLink{alive: false, bootstrapOK: false}
	c, store, _ := newTestCoordinator(t, link)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	task, err := c.Submit(ctx, "nobody home", surface.KindChat, 2)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, store, task.ID, persistence.StatusFailed)
	if !strings.Contains(failed.Error, "companion unreachable") {
		t.Fatalf("error = %q, want connectivity detail", failed.Error)
	}
}

func TestCoordinatorStopActiveTask(t *testing.T) {
	link := &fakeLink{alive: true, busyForever: true}
	c, store, _ := newTestCoordinator(t, link)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := c.Submit(ctx, "never-ending story", surface.KindChat, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.scheduleNext(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for c.Active() != task.ID && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Active() != task.ID {
		t.Fatal("task never became active")
	}

	if err := c.Stop(ctx, task.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stopped := waitForStatus(t, store, task.ID, persistence.StatusPending)
	if stopped.StartedAt != nil {
		t.Fatal("stopped task should have no start timestamp")
	}
	for i, step := range stopped.Steps {
		if step.Status != persistence.StatusPending {
			t.Fatalf("step %d status = %s, want PENDING", i, step.Status)
		}
	}

	deadline = time.Now().Add(2 * time.Second)
	for c.Active() != "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Active() != "" {
		t.Fatal("active slot never cleared after stop")
	}

	modes := link.stopModes()
	if len(modes) == 0 || modes[len(modes)-1] != "abort" {
		t.Fatalf("stop modes = %v, want trailing abort", modes)
	}
}

func TestCoordinatorStopIsIdempotent(t *testing.T) {
	link := &fakeLink{alive: true}
	c, store, _ := newTestCoordinator(t, link)
	ctx := context.Background()

	task, err := c.Submit(ctx, "queued but quiet", surface.KindChat, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := c.Stop(ctx, task.ID); err != nil {
		t.Fatalf("Stop on pending task: %v", err)
	}
	if err := c.Stop(ctx, task.ID); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got, _ := store.Get(ctx, task.ID); got.Status != persistence.StatusPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
}

func TestCoordinatorStopUnknownTask(t *testing.T) {
	link := &fakeLink{alive: true}
	c, _, _ := newTestCoordinator(t, link)

	err := c.Stop(context.Background(), "no-such-task")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestCoordinatorSubmitValidation(t *testing.T) {
	link := &fakeLink{alive: true}
	c, _, _ := newTestCoordinator(t, link)

	if _, err := c.Submit(context.Background(), "", surface.KindChat, 0); err == nil {
		t.Fatal("expected empty content to be rejected")
	}
	if _, err := c.Submit(context.Background(), "hello", "spreadsheet", 0); err == nil {
		t.Fatal("expected unknown surface kind to be rejected")
	}
}
