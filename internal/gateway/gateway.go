// Package gateway exposes the local control API: a JSON-RPC 2.0 surface
// over websocket for task management plus a plain /healthz endpoint.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/persistence"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid  = 1000
	ErrCodeNotFound = 1404
)

// TaskController is the coordinator surface the gateway drives.
type TaskController interface {
	Submit(ctx context.Context, content, surfaceKind string, maxRetries int) (*persistence.Task, error)
	Stop(ctx context.Context, taskID string) error
	Active() string
}

type Config struct {
	Store      *persistence.Store
	Controller TaskController
	Bus        *bus.Bus
	Logger     *slog.Logger

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in system.status.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	watchMu  sync.Mutex
	watching bool
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: map[*client]struct{}{},
	}
	if cfg.Bus != nil {
		go s.forwardBusEvents(cfg.Bus)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	pending, running, err := s.cfg.Store.Counts(ctx)
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":       dbOK,
		"db_ok":         dbOK,
		"pending_tasks": pending,
		"running_tasks": running,
		"active_task":   s.cfg.Controller.Active(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; the allowlist covers cross-origin browser clients.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws write response failed", "method", req.Method, "error", err.Error())
		}
	}
}

// authorize requires a configured token and a matching Bearer header. An
// empty configured token locks the gateway rather than opening it.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) isWatching() bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return c.watching
}

func (c *client) setWatching(on bool) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.watching = on
}

// forwardBusEvents pushes task lifecycle events to clients that opted in
// via task.watch, as JSON-RPC notifications.
func (s *Server) forwardBusEvents(eventBus *bus.Bus) {
	sub := eventBus.Subscribe("task.")
	defer eventBus.Unsubscribe(sub)
	for ev := range sub.Ch() {
		note := &rpcResponse{
			JSONRPC: "2.0",
			Method:  "task.event",
			Params: map[string]any{
				"topic":   ev.Topic,
				"payload": ev.Payload,
			},
		}
		s.clientsMu.RLock()
		targets := make([]*client, 0, len(s.clients))
		for c := range s.clients {
			if c.isWatching() {
				targets = append(targets, c)
			}
		}
		s.clientsMu.RUnlock()
		for _, c := range targets {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.write(ctx, note)
			cancel()
		}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}
