// Package surface holds the execution agents that drive a remote surface
// through its embedded companion. Each surface kind has its own adapter
// translating raw companion observations into the abstract signals the
// inference machine consumes; the rest of the system never sees raw
// surface state.
package surface

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-helm/internal/remote"
)

// Caller dispatches messages to the companion agent with channel-level
// retry semantics. *remote.Channel implements it.
type Caller interface {
	Send(ctx context.Context, msg remote.Message) (remote.Response, error)
}

// Observation is the surface-agnostic signal snapshot for one step
// submission. Adapters fill it from whatever their surface exposes.
type Observation struct {
	// Busy is the explicit marker that the surface is actively producing
	// output (a stop affordance, a spinner).
	Busy bool
	// Failed is the explicit marker that the surface reported an error.
	Failed bool
	// FailureDetail carries the surface's error text when Failed is set.
	FailureDetail string
	// OutputLength is a monotonic measure of produced output.
	OutputLength int
	// QuietFor is how long the observed region has gone without mutating.
	QuietFor time.Duration
}

// Agent prepares input, submits content, and observes one remote surface.
// Instances are created per task run and discarded afterwards; they carry
// no cross-task state.
type Agent interface {
	// Kind names the surface variant this agent drives.
	Kind() string
	// PrepareInput verifies the input target is ready for a submission.
	PrepareInput(ctx context.Context) error
	// Submit types and sends one step's content into the surface.
	Submit(ctx context.Context, content string) error
	// Observe collects the current signal snapshot.
	Observe(ctx context.Context) (Observation, error)
	// Reset clears transient input between steps.
	Reset(ctx context.Context) error
	// Abort best-effort cancels whatever the surface is doing.
	Abort(ctx context.Context) error
}

// SubmissionError reports that an agent could not prepare or submit input.
type SubmissionError struct {
	SurfaceKind string
	Op          string
	Reason      string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s %s failed: %s", e.SurfaceKind, e.Op, e.Reason)
}
