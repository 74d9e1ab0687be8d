package inference

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/surface"
)

// Observer produces signal snapshots for the step under observation.
// Surface agents satisfy it.
type Observer interface {
	Observe(ctx context.Context) (surface.Observation, error)
}

// Options tunes the monitor's polling and self-healing behavior.
type Options struct {
	// PollInterval is how often the observer is polled.
	PollInterval time.Duration
	// DebounceWindow and StabilityThreshold are passed to the session.
	DebounceWindow     time.Duration
	StabilityThreshold int
	// WatchdogInterval is how often the watchdog checks poll liveness.
	WatchdogInterval time.Duration
	// StallThreshold is how long the poll loop may go silent before the
	// watchdog restarts it.
	StallThreshold time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 3 * time.Second
	}
	if o.StabilityThreshold <= 0 {
		o.StabilityThreshold = 3
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 4 * time.Second
	}
	if o.StallThreshold <= 0 {
		o.StallThreshold = 8 * time.Second
	}
	return o
}

// Result is the monitor's final verdict for one step.
type Result struct {
	Outcome Outcome
	Detail  string
}

// Monitor polls an observer until the completion session reaches a
// verdict. A watchdog restarts the poll loop if it goes silent, and
// surface change pushes from the bus feed the session's quiet clock.
type Monitor struct {
	observer Observer
	bus      *bus.Bus
	logger   *slog.Logger
	taskID   string
	opts     Options

	mu       sync.Mutex
	session  *Session
	lastTick time.Time
}

// NewMonitor builds a monitor for one step of taskID. eventBus may be nil
// when no change pushes are available; polling alone still converges.
func NewMonitor(observer Observer, eventBus *bus.Bus, logger *slog.Logger, taskID string, opts Options) *Monitor {
	return &Monitor{
		observer: observer,
		bus:      eventBus,
		logger:   logger.With("component", "inference", "task_id", taskID),
		taskID:   taskID,
		opts:     opts.withDefaults(),
	}
}

// Wait blocks until the step completes, fails, or ctx is canceled.
func (m *Monitor) Wait(ctx context.Context) (Result, error) {
	now := time.Now()
	m.mu.Lock()
	m.session = NewSession(SessionConfig{
		DebounceWindow:     m.opts.DebounceWindow,
		StabilityThreshold: m.opts.StabilityThreshold,
	}, now)
	m.lastTick = now
	m.mu.Unlock()

	var changeCh <-chan bus.Event
	if m.bus != nil {
		sub := m.bus.Subscribe(bus.TopicSurfaceChanged)
		defer m.bus.Unsubscribe(sub)
		changeCh = sub.Ch()
	}

	resultCh := make(chan Result, 1)
	pollCtx, cancelPoll := context.WithCancel(ctx)
	go m.poll(pollCtx, resultCh)
	defer func() { cancelPoll() }()

	watchdog := time.NewTicker(m.opts.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case res := <-resultCh:
			return res, nil
		case ev, ok := <-changeCh:
			if !ok {
				changeCh = nil
				continue
			}
			change, isChange := ev.Payload.(bus.SurfaceChangedEvent)
			if !isChange || (change.TaskID != "" && change.TaskID != m.taskID) {
				continue
			}
			at := change.At
			if at.IsZero() {
				at = time.Now()
			}
			m.mu.Lock()
			m.session.NoteChange(at)
			m.mu.Unlock()
		case <-watchdog.C:
			m.mu.Lock()
			silence := time.Since(m.lastTick)
			if silence > m.opts.StallThreshold {
				m.lastTick = time.Now()
			}
			m.mu.Unlock()
			if silence <= m.opts.StallThreshold {
				continue
			}
			m.logger.Warn("observation loop stalled, restarting", "silence", silence.String())
			cancelPoll()
			pollCtx, cancelPoll = context.WithCancel(ctx)
			go m.poll(pollCtx, resultCh)
			if m.bus != nil {
				m.bus.Publish(bus.TopicStallRecovered,
					bus.StallRecoveredEvent{TaskID: m.taskID, Silence: silence})
			}
		}
	}
}

func (m *Monitor) poll(ctx context.Context, resultCh chan<- Result) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		m.lastTick = time.Now()
		m.mu.Unlock()

		obs, err := m.observer.Observe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("observation failed", "error", err.Error())
			continue
		}

		m.mu.Lock()
		decision := m.session.Advance(obs, time.Now())
		m.mu.Unlock()
		if decision.Outcome == OutcomeNone {
			continue
		}
		select {
		case resultCh <- Result{Outcome: decision.Outcome, Detail: decision.Detail}:
		default:
		}
		return
	}
}
