// Package inference decides when a submitted step has finished. Remote
// surfaces expose no completion callback, so the decision is inferred
// from busy markers, error markers, and output growth observed over time.
package inference

import (
	"time"

	"github.com/basket/go-helm/internal/surface"
)

// Outcome is the session's verdict for one step submission.
type Outcome int

const (
	// OutcomeNone means the session has not reached a verdict yet.
	OutcomeNone Outcome = iota
	// OutcomeCompleted means the surface produced output and settled.
	OutcomeCompleted
	// OutcomeFailed means the surface reported an explicit error.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// Decision is the result of feeding one observation into a session.
type Decision struct {
	Outcome Outcome
	// Detail carries the surface's error text for a failed outcome.
	Detail string
}

// SessionConfig tunes the completion heuristics for one step.
type SessionConfig struct {
	// DebounceWindow is the minimum quiet period after the last observed
	// activity before the session may conclude completion.
	DebounceWindow time.Duration
	// StabilityThreshold is how many consecutive observations must show
	// an unchanged output length before the output counts as settled.
	StabilityThreshold int
}

// Session is the per-step completion state machine. It is a pure
// accumulator: time flows in through the arguments, never from the clock,
// which keeps the heuristics directly testable. Callers serialize access.
type Session struct {
	cfg SessionConfig

	// hasSeenBusy gates completion: until the surface has been observed
	// busy at least once, a quiet surface means the submission has not
	// started yet, not that it finished.
	hasSeenBusy bool
	stability   int
	lastOutput  int
	hasOutput   bool
	lastChange  time.Time
}

// NewSession starts a session at now, which seeds the quiet-period clock.
func NewSession(cfg SessionConfig, now time.Time) *Session {
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 3
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 3 * time.Second
	}
	return &Session{cfg: cfg, lastChange: now}
}

// NoteChange records an out-of-band change notification from the surface.
// Change pushes and polled observations feed the same quiet-period clock,
// so a push between polls still defers completion.
func (s *Session) NoteChange(at time.Time) {
	if at.After(s.lastChange) {
		s.lastChange = at
	}
	s.stability = 0
}

// Advance feeds one observation into the session and returns the verdict.
// An explicit error marker wins over everything, a busy marker wins over
// any completion evidence, and completion itself requires all of: busy
// seen at least once, output length stable across StabilityThreshold
// observations, and DebounceWindow of quiet since the last activity.
func (s *Session) Advance(obs surface.Observation, now time.Time) Decision {
	if obs.Failed {
		return Decision{Outcome: OutcomeFailed, Detail: obs.FailureDetail}
	}

	if obs.Busy {
		s.hasSeenBusy = true
		s.stability = 0
		s.lastChange = now
		s.lastOutput = obs.OutputLength
		s.hasOutput = true
		return Decision{}
	}

	if !s.hasOutput || obs.OutputLength != s.lastOutput {
		s.lastOutput = obs.OutputLength
		s.hasOutput = true
		s.stability = 0
		s.lastChange = now
		return Decision{}
	}
	s.stability++

	if !s.hasSeenBusy {
		return Decision{}
	}
	if s.stability < s.cfg.StabilityThreshold {
		return Decision{}
	}

	quiet := now.Sub(s.lastChange)
	// The surface's own quiet measurement can only shorten ours; trust
	// whichever says activity was more recent.
	if obs.QuietFor > 0 && obs.QuietFor < quiet {
		quiet = obs.QuietFor
	}
	if quiet < s.cfg.DebounceWindow {
		return Decision{}
	}
	return Decision{Outcome: OutcomeCompleted}
}
