package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"claude-relay/internal/stream"
)

func TestNewMessage(t *testing.T) {
	payload := SessionCancelPayload{SessionID: "test-id"}

	msg, err := NewMessage(TypeSessionCancel, payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeSessionCancel {
		t.Errorf("expected type %s, got %s", TypeSessionCancel, msg.Type)
	}

	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p SessionCancelPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.SessionID != "test-id" {
		t.Errorf("expected ID 'test-id', got %s", p.SessionID)
	}
}

func TestValidateClientMessage_ValidSessionCancel(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeSessionCancel,
		"payload":   map[string]interface{}{"sessionId": "abc-123"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	result, err := ValidateClientMessage(data)
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
	if result.Type != TypeSessionCancel {
		t.Errorf("expected type %s, got %s", TypeSessionCancel, result.Type)
	}
}

func TestValidateClientMessage_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `not json`, "not a JSON message"},
		{"no type", `{"payload":{}}`, "no type"},
		{"unknown type", `{"type":"unknown.action","payload":{"sessionId":"abc"}}`, "cannot send"},
		{"server event type", `{"type":"session.event","payload":{"sessionId":"abc"}}`, "cannot send"},
		{"server error type", `{"type":"error","payload":{"sessionId":"abc"}}`, "cannot send"},
		{"no payload", `{"type":"session.cancel","timestamp":"2024-01-01T00:00:00.000Z"}`, "no payload"},
		{"empty session", `{"type":"session.cancel","payload":{}}`, "sessionId is empty"},
		{"null payload", `{"type":"session.cancel","payload":null}`, "sessionId is empty"},
		{"string payload", `{"type":"session.cancel","payload":"abc"}`, "object naming the session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateClientMessage([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(ErrInvalidMessage, "bad frame")
	if err != nil {
		t.Fatalf("NewErrorMessage failed: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected type %s, got %s", TypeError, msg.Type)
	}

	var p ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != ErrInvalidMessage {
		t.Errorf("expected code %s, got %s", ErrInvalidMessage, p.Code)
	}
}

func TestEventMessage_Output(t *testing.T) {
	ev := stream.Output(stream.OriginStdout, `{"type":"assistant"}`)
	ev.SessionID = "s1"
	ev.Seq = 7

	msg, err := EventMessage(ev)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != TypeSessionEvent {
		t.Errorf("type = %s", msg.Type)
	}
	if !msg.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("timestamp = %v, want %v", msg.Timestamp, ev.Timestamp)
	}

	var p SessionEventPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.SessionID != "s1" || p.Seq != 7 || p.Origin != "stdout" || p.Line != `{"type":"assistant"}` {
		t.Errorf("unexpected payload %+v", p)
	}
	if len(p.Structured) == 0 {
		t.Error("structured payload dropped")
	}
}

func TestEventMessage_Terminal(t *testing.T) {
	tests := []struct {
		ev      stream.Event
		want    string
		success bool
		code    int
	}{
		{stream.Complete(true, 0), TypeSessionComplete, true, 0},
		{stream.Complete(false, 2), TypeSessionComplete, false, 2},
		{stream.Failure("boom"), TypeSessionError, false, -1},
		{stream.Cancelled(), TypeSessionCancelled, false, -1},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			tt.ev.SessionID = "s1"
			msg, err := EventMessage(tt.ev)
			if err != nil {
				t.Fatal(err)
			}
			if msg.Type != tt.want || !IsEnd(msg.Type) {
				t.Errorf("type = %s, want %s", msg.Type, tt.want)
			}
			var p SessionEndPayload
			json.Unmarshal(msg.Payload, &p)
			if p.Success != tt.success || p.ExitCode != tt.code {
				t.Errorf("payload = %+v", p)
			}
		})
	}
}

func TestIsEnd(t *testing.T) {
	if IsEnd(TypeSessionEvent) || IsEnd(TypeError) {
		t.Error("non-terminal type reported as end")
	}
}
