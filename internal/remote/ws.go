package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-helm/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsFrame is the union of everything the companion writes on the socket:
// responses carry an id, unsolicited push events carry an event name.
type wsFrame struct {
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`

	Event  string `json:"event,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// WSTransport talks to the companion agent over a WebSocket. One reader
// goroutine routes responses to waiting round-trips and republishes push
// events (surface mutations) on the bus.
type WSTransport struct {
	url       string
	authToken string
	eventBus  *bus.Bus
	logger    *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	readCancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan Response
}

// DialSurface connects to the companion endpoint and starts the reader.
// eventBus may be nil; push events are then dropped.
func DialSurface(ctx context.Context, url, authToken string, eventBus *bus.Bus, logger *slog.Logger) (*WSTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &WSTransport{
		url:       url,
		authToken: authToken,
		eventBus:  eventBus,
		logger:    logger,
		pending:   make(map[string]chan Response),
	}
	if err := t.dial(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *WSTransport) dial(ctx context.Context) error {
	dialOpts := &websocket.DialOptions{}
	if t.authToken != "" {
		dialOpts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + t.authToken},
		}
	}
	conn, _, err := websocket.Dial(ctx, t.url, dialOpts)
	if err != nil {
		return fmt.Errorf("dial companion %s: %w", t.url, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.readCancel != nil {
		t.readCancel()
	}
	t.conn = conn
	t.readCancel = cancel
	t.mu.Unlock()

	go t.readLoop(readCtx, conn)
	return nil
}

// RoundTrip writes the message and waits for the response with the same id.
func (t *WSTransport) RoundTrip(ctx context.Context, msg Message) (Response, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return Response{}, fmt.Errorf("companion connection closed")
	}

	ch := make(chan Response, 1)
	t.pendingMu.Lock()
	t.pending[msg.ID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, msg.ID)
		t.pendingMu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return Response{}, fmt.Errorf("write %s: %w", msg.Kind, err)
	}

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case resp := <-ch:
		return resp, nil
	}
}

// Reactivate drops the current connection and dials fresh. The companion
// endpoint re-injects itself into the surface on every new connection,
// which is what bootstrap relies on.
func (t *WSTransport) Reactivate(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close(websocket.StatusNormalClosure, "reactivate")
		t.conn = nil
	}
	t.mu.Unlock()
	return t.dial(ctx)
}

// Close shuts the connection down.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readCancel != nil {
		t.readCancel()
		t.readCancel = nil
	}
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "bye")
	t.conn = nil
	return err
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame wsFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("companion read loop ended", "error", err)
			}
			return
		}

		if frame.ID != "" {
			t.pendingMu.Lock()
			ch, ok := t.pending[frame.ID]
			t.pendingMu.Unlock()
			if ok {
				ch <- Response{ID: frame.ID, Success: frame.Success, Data: frame.Data, Error: frame.Error}
			}
			continue
		}

		// Unsolicited push event from the companion.
		if frame.Event == "changed" && t.eventBus != nil {
			t.eventBus.Publish(bus.TopicSurfaceChanged, bus.SurfaceChangedEvent{
				TaskID: frame.TaskID,
				At:     time.Now(),
			})
		}
	}
}
