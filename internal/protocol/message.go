package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"claude-relay/internal/stream"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionEvent     = "session.event"
	TypeSessionComplete  = "session.complete"
	TypeSessionError     = "session.error"
	TypeSessionCancelled = "session.cancelled"
	TypeError            = "error"
)

// Client → Server message types.
const (
	TypeSessionCancel = "session.cancel"
)

// Error codes that only exist on the wire. Everything else uses the
// errkind codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrSlowSubscriber = "SLOW_SUBSCRIBER"
)

// Server → Client payloads.

type SessionEventPayload struct {
	SessionID  string          `json:"sessionId"`
	Seq        uint64          `json:"seq"`
	Origin     string          `json:"origin"` // "stdout" | "stderr"
	Line       string          `json:"line"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

type SessionEndPayload struct {
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
	Success   bool   `json:"success"`
	ExitCode  int    `json:"exitCode"`
	Message   string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCancelPayload struct {
	SessionID string `json:"sessionId"`
}

// EventMessage converts a stream event into its wire message. Terminal
// events map to the session.complete, session.error and
// session.cancelled types; everything else is a session.event.
func EventMessage(ev stream.Event) (*Message, error) {
	var (
		msgType string
		payload interface{}
	)
	switch ev.Type {
	case stream.TypeComplete, stream.TypeError, stream.TypeCancelled:
		msgType = endTypes[ev.Type]
		end := SessionEndPayload{SessionID: ev.SessionID, Seq: ev.Seq}
		if ev.Terminal != nil {
			end.Success = ev.Terminal.Success
			end.ExitCode = ev.Terminal.ExitCode
			end.Message = ev.Terminal.Message
		}
		payload = end
	default:
		msgType = TypeSessionEvent
		payload = SessionEventPayload{
			SessionID:  ev.SessionID,
			Seq:        ev.Seq,
			Origin:     string(ev.Origin),
			Line:       ev.Payload,
			Structured: ev.Structured,
		}
	}

	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	if !ev.Timestamp.IsZero() {
		msg.Timestamp = ev.Timestamp
	}
	return msg, nil
}

var endTypes = map[stream.Type]string{
	stream.TypeComplete:  TypeSessionComplete,
	stream.TypeError:     TypeSessionError,
	stream.TypeCancelled: TypeSessionCancelled,
}

// IsEnd reports whether msgType ends a subscription.
func IsEnd(msgType string) bool {
	switch msgType {
	case TypeSessionComplete, TypeSessionError, TypeSessionCancelled:
		return true
	}
	return false
}
