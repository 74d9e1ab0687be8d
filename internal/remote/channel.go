package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-helm/internal/shared"
)

// Transport delivers a single request to the companion agent and returns
// its response. Implementations own the wire; the Channel owns retries,
// probing, and bootstrap sequencing.
type Transport interface {
	RoundTrip(ctx context.Context, msg Message) (Response, error)
	// Reactivate (re)installs the companion agent into the remote surface.
	// It is the bootstrap action behind Channel.Bootstrap.
	Reactivate(ctx context.Context) error
	Close() error
}

// Options tunes channel behaviour. Zero values select the defaults.
type Options struct {
	// MaxAttempts is the send retry budget, clamped to 3..5. Default 4.
	MaxAttempts int
	// InitialDelay is the fixed wait before the first attempt. Default 300ms.
	InitialDelay time.Duration
	// RetryBase scales the wait before attempt n as RetryBase * n. Default 500ms.
	RetryBase time.Duration
	// ProbeTimeout bounds a liveness probe. Default 1s.
	ProbeTimeout time.Duration
	// SettleDelay is the pause between bootstrap and the re-probe. Default 500ms.
	SettleDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 4
	}
	if o.MaxAttempts < 3 {
		o.MaxAttempts = 3
	}
	if o.MaxAttempts > 5 {
		o.MaxAttempts = 5
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 300 * time.Millisecond
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	return o
}

// Channel is the reliable-enough messaging layer over a Transport.
type Channel struct {
	transport Transport
	opts      Options
	logger    *slog.Logger
}

// NewChannel wraps a transport with retry, probe, and bootstrap behaviour.
func NewChannel(transport Transport, opts Options, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		transport: transport,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// Send dispatches msg, retrying transport failures with an escalating
// delay: a short fixed wait before the first attempt, then RetryBase
// scaled linearly by the attempt number. A response with Success=false is
// a companion-level answer, not a connectivity failure, and is returned
// as-is. Exhausting the budget yields a ConnectivityError naming the
// attempt count.
func (c *Channel) Send(ctx context.Context, msg Message) (Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		delay := c.opts.InitialDelay
		if attempt > 1 {
			delay = c.opts.RetryBase * time.Duration(attempt)
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}

		resp, err := c.transport.RoundTrip(ctx, msg)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		c.logger.Warn("companion send attempt failed",
			"kind", msg.Kind, "attempt", attempt, "max_attempts", c.opts.MaxAttempts,
			"task_id", shared.TaskID(ctx), "step", shared.StepIndex(ctx), "error", err)
	}
	return Response{}, &ConnectivityError{Attempts: c.opts.MaxAttempts, Last: lastErr}
}

// Probe sends a single liveness message raced against ProbeTimeout. It
// never retries and never blocks past the timeout.
func (c *Channel) Probe(ctx context.Context) bool {
	msg, err := NewMessage(KindLiveness, nil)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	type probeResult struct {
		resp Response
		err  error
	}
	done := make(chan probeResult, 1)
	go func() {
		resp, err := c.transport.RoundTrip(ctx, msg)
		done <- probeResult{resp, err}
	}()

	select {
	case <-ctx.Done():
		return false
	case result := <-done:
		return result.err == nil && result.resp.Success
	}
}

// Bootstrap re-activates the companion agent, waits a settle delay, and
// re-probes. It is a fallback for a failed probe; callers must not invoke
// it on a session already known alive.
func (c *Channel) Bootstrap(ctx context.Context) bool {
	if err := c.transport.Reactivate(ctx); err != nil {
		c.logger.Warn("companion bootstrap failed", "error", err)
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.opts.SettleDelay):
	}
	return c.Probe(ctx)
}

// Close releases the underlying transport.
func (c *Channel) Close() error {
	return c.transport.Close()
}
