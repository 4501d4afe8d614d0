package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// clientPayloads checks the payload of each message type a client may
// send. Every other type, including the server's own, is rejected.
var clientPayloads = map[string]func(json.RawMessage) error{
	TypeSessionCancel: checkCancel,
}

// ValidateClientMessage parses a client frame and checks its payload.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("frame is not a JSON message: %w", err)
	}

	check, ok := clientPayloads[msg.Type]
	switch {
	case msg.Type == "":
		return nil, errors.New("message has no type")
	case !ok:
		return nil, fmt.Errorf("clients cannot send %q messages", msg.Type)
	case len(msg.Payload) == 0:
		return nil, fmt.Errorf("%s message has no payload", msg.Type)
	}
	if err := check(msg.Payload); err != nil {
		return nil, fmt.Errorf("%s: %w", msg.Type, err)
	}
	return &msg, nil
}

func checkCancel(payload json.RawMessage) error {
	var p SessionCancelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("payload must be an object naming the session: %v", err)
	}
	if p.SessionID == "" {
		return errors.New("sessionId is empty")
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
