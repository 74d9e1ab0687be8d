package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-helm/internal/remote"
)

// studioStatus is the raw status payload the studio companion returns.
// Studio surfaces render into a document canvas with a generation spinner
// instead of a streaming transcript.
type studioStatus struct {
	SpinnerVisible bool   `json:"spinner_visible"`
	AlertText      string `json:"alert_text"`
	DocumentLength int    `json:"document_length"`
	QuietMs        int64  `json:"quiet_ms"`
	CanvasReady    bool   `json:"canvas_ready"`
}

type studioAgent struct {
	caller Caller
	logger *slog.Logger
}

func newStudioAgent(caller Caller, logger *slog.Logger) *studioAgent {
	return &studioAgent{caller: caller, logger: logger.With("component", "surface.studio")}
}

func (a *studioAgent) Kind() string { return KindStudio }

func (a *studioAgent) PrepareInput(ctx context.Context) error {
	st, err := a.status(ctx)
	if err != nil {
		return err
	}
	if !st.CanvasReady {
		return &SubmissionError{SurfaceKind: KindStudio, Op: "prepare", Reason: "canvas not ready"}
	}
	if st.SpinnerVisible {
		return &SubmissionError{SurfaceKind: KindStudio, Op: "prepare", Reason: "generation already in progress"}
	}
	return nil
}

func (a *studioAgent) Submit(ctx context.Context, content string) error {
	msg, err := remote.NewMessage(remote.KindSubmit, map[string]string{"content": content})
	if err != nil {
		return err
	}
	resp, err := a.caller.Send(ctx, msg)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &SubmissionError{SurfaceKind: KindStudio, Op: "submit", Reason: resp.Error}
	}
	return nil
}

func (a *studioAgent) Observe(ctx context.Context) (Observation, error) {
	st, err := a.status(ctx)
	if err != nil {
		return Observation{}, err
	}
	return Observation{
		Busy:          st.SpinnerVisible,
		Failed:        st.AlertText != "",
		FailureDetail: st.AlertText,
		OutputLength:  st.DocumentLength,
		QuietFor:      time.Duration(st.QuietMs) * time.Millisecond,
	}, nil
}

func (a *studioAgent) Reset(ctx context.Context) error {
	return a.stop(ctx, "reset")
}

func (a *studioAgent) Abort(ctx context.Context) error {
	return a.stop(ctx, "abort")
}

func (a *studioAgent) stop(ctx context.Context, mode string) error {
	msg, err := remote.NewMessage(remote.KindStop, map[string]string{"mode": mode})
	if err != nil {
		return err
	}
	resp, err := a.caller.Send(ctx, msg)
	if err != nil {
		return err
	}
	if !resp.Success {
		a.logger.Debug("stop rejected", "mode", mode, "reason", resp.Error)
	}
	return nil
}

func (a *studioAgent) status(ctx context.Context) (studioStatus, error) {
	msg, err := remote.NewMessage(remote.KindCheckStatus, nil)
	if err != nil {
		return studioStatus{}, err
	}
	resp, err := a.caller.Send(ctx, msg)
	if err != nil {
		return studioStatus{}, err
	}
	if !resp.Success {
		return studioStatus{}, fmt.Errorf("check_status rejected: %s", resp.Error)
	}
	if err := validateStatus(studioStatusSchema, resp.Data); err != nil {
		return studioStatus{}, err
	}
	var st studioStatus
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		return studioStatus{}, fmt.Errorf("decode studio status: %w", err)
	}
	return st, nil
}
