package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-helm/internal/remote"
)

// chatStatus is the raw status payload the chat companion returns for a
// check_status call.
type chatStatus struct {
	StopControlVisible bool   `json:"stop_control_visible"`
	ErrorBanner        string `json:"error_banner"`
	TranscriptLength   int    `json:"transcript_length"`
	QuietMs            int64  `json:"quiet_ms"`
	InputReady         bool   `json:"input_ready"`
}

// chatAgent drives a chat-style surface: a transcript, an input box, and a
// stop control that is visible while a reply streams.
type chatAgent struct {
	caller Caller
	logger *slog.Logger
}

func newChatAgent(caller Caller, logger *slog.Logger) *chatAgent {
	return &chatAgent{caller: caller, logger: logger.With("component", "surface.chat")}
}

func (a *chatAgent) Kind() string { return KindChat }

// PrepareInput confirms the input box is present and accepting text. The
// surface may legitimately still be busy at this point; only a missing
// input target is fatal.
func (a *chatAgent) PrepareInput(ctx context.Context) error {
	st, err := a.status(ctx)
	if err != nil {
		return err
	}
	if !st.InputReady {
		return &SubmissionError{SurfaceKind: KindChat, Op: "prepare", Reason: "input target not available"}
	}
	return nil
}

func (a *chatAgent) Submit(ctx context.Context, content string) error {
	msg, err := remote.NewMessage(remote.KindSubmit, map[string]string{"content": content})
	if err != nil {
		return err
	}
	resp, err := a.caller.Send(ctx, msg)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &SubmissionError{SurfaceKind: KindChat, Op: "submit", Reason: resp.Error}
	}
	return nil
}

func (a *chatAgent) Observe(ctx context.Context) (Observation, error) {
	st, err := a.status(ctx)
	if err != nil {
		return Observation{}, err
	}
	return Observation{
		Busy:          st.StopControlVisible,
		Failed:        st.ErrorBanner != "",
		FailureDetail: st.ErrorBanner,
		OutputLength:  st.TranscriptLength,
		QuietFor:      time.Duration(st.QuietMs) * time.Millisecond,
	}, nil
}

func (a *chatAgent) Reset(ctx context.Context) error {
	return a.stop(ctx, "reset")
}

func (a *chatAgent) Abort(ctx context.Context) error {
	return a.stop(ctx, "abort")
}

func (a *chatAgent) stop(ctx context.Context, mode string) error {
	msg, err := remote.NewMessage(remote.KindStop, map[string]string{"mode": mode})
	if err != nil {
		return err
	}
	resp, err := a.caller.Send(ctx, msg)
	if err != nil {
		return err
	}
	if !resp.Success {
		// A stop with nothing in flight is not an error worth failing a
		// task over; log and move on.
		a.logger.Debug("stop rejected", "mode", mode, "reason", resp.Error)
	}
	return nil
}

func (a *chatAgent) status(ctx context.Context) (chatStatus, error) {
	msg, err := remote.NewMessage(remote.KindCheckStatus, nil)
	if err != nil {
		return chatStatus{}, err
	}
	resp, err := a.caller.Send(ctx, msg)
	if err != nil {
		return chatStatus{}, err
	}
	if !resp.Success {
		return chatStatus{}, fmt.Errorf("check_status rejected: %s", resp.Error)
	}
	if err := validateStatus(chatStatusSchema, resp.Data); err != nil {
		return chatStatus{}, err
	}
	var st chatStatus
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		return chatStatus{}, fmt.Errorf("decode chat status: %w", err)
	}
	return st, nil
}
