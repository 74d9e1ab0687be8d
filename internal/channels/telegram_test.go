package channels

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/persistence"
)

func TestTelegramIsAChannel(t *testing.T) {
	ch, _ := newTestChannel(t, nil, bus.New())
	var c Channel = ch
	if c.Name() != "telegram" {
		t.Fatalf("Name = %q", c.Name())
	}
}

type stubController struct {
	mu      sync.Mutex
	submits []string
	stops   []string
}

func (s *stubController) Submit(_ context.Context, content, surfaceKind string, maxRetries int) (*persistence.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, content)
	return persistence.NewTask(content, "chat", maxRetries), nil
}

func (s *stubController) Stop(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, taskID)
	return nil
}

func (s *stubController) Active() string { return "" }

func newTestChannel(t *testing.T, allowed []int64, eventBus *bus.Bus) (*TelegramChannel, *stubController) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gohelm.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	controller := &stubController{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTelegramChannel("test-token", allowed, controller, store, logger, eventBus), controller
}

func TestAllowedRequiresAllowlist(t *testing.T) {
	ch, _ := newTestChannel(t, nil, nil)
	if ch.allowed(42) {
		t.Fatal("empty allowlist must reject everyone")
	}

	ch, _ = newTestChannel(t, []int64{42}, nil)
	if !ch.allowed(42) {
		t.Fatal("listed user rejected")
	}
	if ch.allowed(7) {
		t.Fatal("unlisted user accepted")
	}
}

func TestTrackUntrackTask(t *testing.T) {
	ch, _ := newTestChannel(t, []int64{1}, nil)
	ch.trackTask("task-1", 99)

	chatID, ok := ch.untrackTask("task-1")
	if !ok || chatID != 99 {
		t.Fatalf("untrack = (%d, %v)", chatID, ok)
	}
	if _, ok := ch.untrackTask("task-1"); ok {
		t.Fatal("second untrack should miss")
	}
}

func TestNotifyOutcomeOnlyForTrackedTasks(t *testing.T) {
	eventBus := bus.New()
	ch, _ := newTestChannel(t, []int64{1}, eventBus)
	ch.trackTask("task-1", 5)

	// bot is nil in tests; notifyOutcome must still consume tracking state
	// without panicking.
	ch.notifyOutcome(bus.Event{
		Topic:   bus.TopicTaskCompleted,
		Payload: bus.TaskTerminalEvent{TaskID: "task-1", Status: string(persistence.StatusCompleted)},
	})
	if _, ok := ch.untrackTask("task-1"); ok {
		t.Fatal("notified task should be untracked")
	}

	ch.notifyOutcome(bus.Event{
		Topic:   bus.TopicTaskFailed,
		Payload: bus.TaskTerminalEvent{TaskID: "unknown", Status: string(persistence.StatusFailed)},
	})
}

func TestMonitorOutcomesStopsOnCancel(t *testing.T) {
	eventBus := bus.New()
	ch, _ := newTestChannel(t, []int64{1}, eventBus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ch.monitorOutcomes(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

func TestStatusText(t *testing.T) {
	ch, _ := newTestChannel(t, []int64{1}, nil)
	got := ch.statusText(context.Background())
	if got != "pending: 0, running: 0, active: none" {
		t.Fatalf("statusText = %q", got)
	}
}
