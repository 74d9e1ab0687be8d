// Package remote is the request/response channel to the companion agent
// embedded in a remote surface. It carries the four message kinds the
// companion understands, retries sends with an escalating delay, and owns
// liveness probing and bootstrap re-activation.
package remote

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates messages sent to the companion agent.
type Kind string

const (
	KindSubmit      Kind = "submit"
	KindCheckStatus Kind = "check_status"
	KindStop        Kind = "stop"
	KindLiveness    Kind = "liveness"
)

// Message is one request to the companion agent. Messages are created per
// call and never persisted.
type Message struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the companion agent's answer to a Message.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewMessage builds a Message with a fresh id and a JSON-encoded payload.
// A nil payload produces an empty payload field.
func NewMessage(kind Kind, payload any) (Message, error) {
	msg := Message{ID: uuid.NewString(), Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// ConnectivityError reports that the channel exhausted its retry budget
// without a response from the companion agent.
type ConnectivityError struct {
	Attempts int
	Last     error
}

func (e *ConnectivityError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("companion unreachable after %d attempts: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("companion unreachable after %d attempts", e.Attempts)
}

func (e *ConnectivityError) Unwrap() error { return e.Last }
