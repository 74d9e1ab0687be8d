package pipeline_test

import (
	"context"
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
	"github.com/basket/go-helm/internal/surface"
)

// fakeAgent simulates a surface that goes busy after each submission and
// then settles. failSubmission and failObservation select a submission
// index (0-based) that should fail at that stage; -1 disables.
type fakeAgent struct {
	mu              sync.Mutex
	submissions     []string
	resets          int
	observes        int
	failSubmission  int
	failObservation int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{failSubmission: -1, failObservation: -1}
}

func (a *fakeAgent) Kind() string { return surface.KindChat }

func (a *fakeAgent) PrepareInput(context.Context) error { return nil }

func (a *fakeAgent) Submit(_ context.Context, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failSubmission == len(a.submissions) {
		return &surface.SubmissionError{SurfaceKind: surface.KindChat, Op: "submit", Reason: "input detached"}
	}
	a.submissions = append(a.submissions, content)
	a.observes = 0
	return nil
}

func (a *fakeAgent) Observe(context.Context) (surface.Observation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observes++
	current := len(a.submissions) - 1
	if a.failObservation == current && a.observes > 2 {
		return surface.Observation{Failed: true, FailureDetail: "generation aborted"}, nil
	}
	if a.observes <= 2 {
		return surface.Observation{Busy: true, OutputLength: a.observes * 10}, nil
	}
	return surface.Observation{OutputLength: 100}, nil
}

func (a *fakeAgent) Reset(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets++
	return nil
}

func (a *fakeAgent) Abort(context.Context) error { return nil }

func (a *fakeAgent) submitted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.submissions...)
}

func (a *fakeAgent) resetCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resets
}

func testRunner(t *testing.T) (*pipeline.Runner, *persistence.Store, *bus.Bus) {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gohelm.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := pipeline.Options{
		SubmitTimeout: time.Second,
		Monitor: inference.Options{
			PollInterval:       5 * time.Millisecond,
			DebounceWindow:     15 * time.Millisecond,
			StabilityThreshold: 2,
			WatchdogInterval:   50 * time.Millisecond,
			StallThreshold:     200 * time.Millisecond,
		},
	}
	return pipeline.NewRunner(store, eventBus, logger, opts), store, eventBus
}

func addTask(t *testing.T, store *persistence.Store, content string) *persistence.Task {
	t.Helper()
	task := persistence.NewTask(content, surface.KindChat, persistence.DefaultMaxRetries)
	if err := store.Add(context.Background(), task); err != nil {
		t.Fatalf("add task: %v", err)
	}
	return task
}

func TestRunnerCompletesAllSteps(t *testing.T) {
	runner, store, _ := testRunner(t)
	task := addTask(t, store, "outline--------draft--------polish")
	agent := newFakeAgent()

	if err := runner.Run(context.Background(), task, agent); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := agent.submitted()
	want := []string{"outline", "draft", "polish"}
	if len(got) != len(want) {
		t.Fatalf("submitted %d steps, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("submission %d = %q, want %q", i, got[i], want[i])
		}
	}
	if agent.resetCount() != 2 {
		t.Fatalf("resets = %d, want 2", agent.resetCount())
	}

	stored, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i, step := range stored.Steps {
		if step.Status != persistence.StatusCompleted {
			t.Fatalf("step %d status = %s, want COMPLETED", i, step.Status)
		}
		if step.StartedAt == nil || step.CompletedAt == nil {
			t.Fatalf("step %d missing timestamps", i)
		}
	}
	if stored.CurrentStepIndex != 2 {
		t.Fatalf("CurrentStepIndex = %d, want 2", stored.CurrentStepIndex)
	}
}

func TestRunnerAtomicTaskSkipsReset(t *testing.T) {
	runner, store, _ := testRunner(t)
	task := addTask(t, store, "just one instruction")
	agent := newFakeAgent()

	if err := runner.Run(context.Background(), task, agent); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agent.resetCount() != 0 {
		t.Fatalf("resets = %d, want 0 for an atomic task", agent.resetCount())
	}
	if got := agent.submitted(); len(got) != 1 || got[0] != "just one instruction" {
		t.Fatalf("submitted = %v, want the raw content once", got)
	}
}

func TestRunnerAtomicTaskFailure(t *testing.T) {
	runner, store, _ := testRunner(t)
	task := addTask(t, store, "just one instruction")
	agent := newFakeAgent()
	agent.failObservation = 0

	err := runner.Run(context.Background(), task, agent)
	if err == nil {
		t.Fatal("expected surface failure to surface")
	}
	if !strings.Contains(err.Error(), "generation aborted") {
		t.Fatalf("err = %v, want surface detail", err)
	}
}

func TestRunnerAbortsOnStepFailure(t *testing.T) {
	runner, store, _ := testRunner(t)
	task := addTask(t, store, "one--------two--------three")
	agent := newFakeAgent()
	agent.failObservation = 1

	err := runner.Run(context.Background(), task, agent)
	if err == nil {
		t.Fatal("expected step failure to abort the run")
	}
	if !strings.Contains(err.Error(), "generation aborted") {
		t.Fatalf("err = %v, want surface detail", err)
	}
	if len(agent.submitted()) != 2 {
		t.Fatalf("submissions = %d, want 2 (third step never submitted)", len(agent.submitted()))
	}

	stored, getErr := store.Get(context.Background(), task.ID)
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if stored.Steps[0].Status != persistence.StatusCompleted {
		t.Fatalf("step 0 status = %s", stored.Steps[0].Status)
	}
	if stored.Steps[1].Status != persistence.StatusFailed {
		t.Fatalf("step 1 status = %s", stored.Steps[1].Status)
	}
	if stored.Steps[1].Error != "generation aborted" {
		t.Fatalf("step 1 error = %q", stored.Steps[1].Error)
	}
	if stored.Steps[2].Status != persistence.StatusPending {
		t.Fatalf("step 2 status = %s, want PENDING", stored.Steps[2].Status)
	}
}

func TestRunnerSubmissionFailure(t *testing.T) {
	runner, store, _ := testRunner(t)
	task := addTask(t, store, "alpha--------beta")
	agent := newFakeAgent()
	agent.failSubmission = 0

	err := runner.Run(context.Background(), task, agent)
	if err == nil {
		t.Fatal("expected submission failure")
	}
	if !strings.Contains(err.Error(), "input detached") {
		t.Fatalf("err = %v", err)
	}

	stored, getErr := store.Get(context.Background(), task.ID)
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if stored.Steps[0].Status != persistence.StatusFailed {
		t.Fatalf("step 0 status = %s, want FAILED", stored.Steps[0].Status)
	}
}

func TestRunnerPublishesStepEvents(t *testing.T) {
	runner, store, eventBus := testRunner(t)
	sub := eventBus.Subscribe("task.step.")
	defer eventBus.Unsubscribe(sub)

	task := addTask(t, store, "first--------second")
	agent := newFakeAgent()
	if err := runner.Run(context.Background(), task, agent); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var topics []string
	deadline := time.After(time.Second)
	for len(topics) < 4 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-deadline:
			t.Fatalf("saw %v, want 4 step events", topics)
		}
	}
	want := []string{bus.TopicStepStarted, bus.TopicStepCompleted, bus.TopicStepStarted, bus.TopicStepCompleted}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, topics[i], want[i])
		}
	}
}

func TestRunnerContextCancellation(t *testing.T) {
	runner, store, _ := testRunner(t)
	task := addTask(t, store, "only step")
	agent := newFakeAgent()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runner.Run(ctx, task, agent); err == nil {
		t.Fatal("expected canceled context to abort the run")
	}
}
