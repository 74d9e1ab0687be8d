package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/basket/go-helm/internal/coordinator"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/shared"
)

// taskView is the wire representation of a task.
type taskView struct {
	ID               string     `json:"id"`
	Content          string     `json:"content"`
	SurfaceKind      string     `json:"surface_kind"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Error            string     `json:"error,omitempty"`
	RetryCount       int        `json:"retry_count"`
	MaxRetries       int        `json:"max_retries"`
	CurrentStepIndex int        `json:"current_step_index"`
	Steps            []stepView `json:"steps"`
}

type stepView struct {
	Index       int        `json:"index"`
	Content     string     `json:"content"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func viewOf(t *persistence.Task) taskView {
	v := taskView{
		ID:               t.ID,
		Content:          t.Content,
		SurfaceKind:      t.SurfaceKind,
		Status:           string(t.Status),
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		Error:            t.Error,
		RetryCount:       t.RetryCount,
		MaxRetries:       t.MaxRetries,
		CurrentStepIndex: t.CurrentStepIndex,
		Steps:            make([]stepView, 0, len(t.Steps)),
	}
	for _, st := range t.Steps {
		v.Steps = append(v.Steps, stepView{
			Index:       st.Index,
			Content:     st.Content,
			Status:      string(st.Status),
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
			Error:       st.Error,
		})
	}
	return v
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return rpcFail(id, ErrCodeInvalidRequest, "invalid JSON-RPC request")
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	switch req.Method {
	case "system.status":
		pending, running, err := s.cfg.Store.Counts(ctx)
		if err != nil {
			return rpcFail(id, ErrCodeInternal, err.Error())
		}
		return rpcOK(id, map[string]any{
			"pending_tasks":      pending,
			"running_tasks":      running,
			"active_task":        s.cfg.Controller.Active(),
			"config_fingerprint": s.cfg.ConfigFingerprint,
		})

	case "task.add":
		var params struct {
			Content     string `json:"content"`
			SurfaceKind string `json:"surface_kind"`
			MaxRetries  int    `json:"max_retries"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcFail(id, ErrCodeInvalid, "invalid params: "+err.Error())
		}
		if params.MaxRetries <= 0 {
			params.MaxRetries = persistence.DefaultMaxRetries
		}
		task, err := s.cfg.Controller.Submit(ctx, params.Content, params.SurfaceKind, params.MaxRetries)
		if err != nil {
			return rpcFail(id, ErrCodeInvalid, err.Error())
		}
		return rpcOK(id, viewOf(task))

	case "task.list":
		tasks, err := s.cfg.Store.GetAll(ctx)
		if err != nil {
			return rpcFail(id, ErrCodeInternal, err.Error())
		}
		views := make([]taskView, 0, len(tasks))
		for _, t := range tasks {
			views = append(views, viewOf(t))
		}
		return rpcOK(id, map[string]any{"tasks": views})

	case "task.get":
		var params struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
			return rpcFail(id, ErrCodeInvalid, "task id required")
		}
		task, err := s.cfg.Store.Get(ctx, params.ID)
		if err != nil {
			return rpcFail(id, ErrCodeInternal, err.Error())
		}
		if task == nil {
			return rpcFail(id, ErrCodeNotFound, "task not found")
		}
		return rpcOK(id, viewOf(task))

	case "task.stop":
		var params struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
			return rpcFail(id, ErrCodeInvalid, "task id required")
		}
		if err := s.cfg.Controller.Stop(ctx, params.ID); err != nil {
			if errors.Is(err, coordinator.ErrTaskNotFound) {
				return rpcFail(id, ErrCodeNotFound, "task not found")
			}
			return rpcFail(id, ErrCodeInternal, err.Error())
		}
		return rpcOK(id, map[string]any{"stopped": params.ID})

	case "task.delete":
		var params struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
			return rpcFail(id, ErrCodeInvalid, "task id required")
		}
		if s.cfg.Controller.Active() == params.ID {
			return rpcFail(id, ErrCodeInvalid, "task is running, stop it first")
		}
		task, err := s.cfg.Store.Get(ctx, params.ID)
		if err != nil {
			return rpcFail(id, ErrCodeInternal, err.Error())
		}
		if task == nil {
			return rpcFail(id, ErrCodeNotFound, "task not found")
		}
		if err := s.cfg.Store.Delete(ctx, params.ID); err != nil {
			return rpcFail(id, ErrCodeInternal, err.Error())
		}
		return rpcOK(id, map[string]any{"deleted": params.ID})

	case "task.watch":
		var params struct {
			Enabled *bool `json:"enabled"`
		}
		enabled := true
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return rpcFail(id, ErrCodeInvalid, "invalid params: "+err.Error())
			}
			if params.Enabled != nil {
				enabled = *params.Enabled
			}
		}
		c.setWatching(enabled)
		return rpcOK(id, map[string]any{"watching": enabled})

	default:
		if !hasID {
			return nil
		}
		return rpcFail(id, ErrCodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func rpcOK(id any, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcFail(id any, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}
