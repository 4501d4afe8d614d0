package stream

import (
	"encoding/json"
	"time"
)

// Origin identifies where an event came from.
type Origin string

const (
	OriginStdout Origin = "stdout"
	OriginStderr Origin = "stderr"
	OriginSystem Origin = "system"
)

// Type distinguishes process output from the terminal system events.
type Type string

const (
	TypeOutput    Type = "output"
	TypeComplete  Type = "complete"
	TypeError     Type = "error"
	TypeCancelled Type = "cancelled"
)

// Terminal carries the outcome attached to a terminal event.
type Terminal struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Message  string `json:"message,omitempty"`
}

// Event is one line of process output or one system notification.
// Payload is always the verbatim line; Structured is set only when the
// payload happens to be a JSON object and must be treated as advisory.
type Event struct {
	SessionID  string          `json:"sessionId"`
	Seq        uint64          `json:"seq"`
	Origin     Origin          `json:"origin"`
	Type       Type            `json:"type"`
	Payload    string          `json:"payload"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Terminal   *Terminal       `json:"terminal,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IsTerminal reports whether the event ends a stream.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case TypeComplete, TypeError, TypeCancelled:
		return true
	}
	return false
}

// Output builds an output event for one line read from the process.
func Output(origin Origin, line string) Event {
	ev := Event{
		Origin:    origin,
		Type:      TypeOutput,
		Payload:   line,
		Timestamp: time.Now().UTC(),
	}
	if looksLikeObject(line) && json.Valid([]byte(line)) {
		ev.Structured = json.RawMessage(line)
	}
	return ev
}

// Complete builds the terminal event for a process that exited on its own.
func Complete(success bool, exitCode int) Event {
	return systemEvent(TypeComplete, &Terminal{Success: success, ExitCode: exitCode}, map[string]any{
		"type":    "complete",
		"success": success,
		"code":    exitCode,
	})
}

// Failure builds the terminal event for an abnormal end.
func Failure(message string) Event {
	return systemEvent(TypeError, &Terminal{ExitCode: -1, Message: message}, map[string]any{
		"type":    "error",
		"message": message,
	})
}

// Cancelled builds the terminal event for a cancelled process.
func Cancelled() Event {
	return systemEvent(TypeCancelled, &Terminal{ExitCode: -1, Message: "cancelled"}, map[string]any{
		"type": "cancelled",
	})
}

func systemEvent(typ Type, term *Terminal, body map[string]any) Event {
	payload, _ := json.Marshal(body)
	return Event{
		Origin:     OriginSystem,
		Type:       typ,
		Payload:    string(payload),
		Structured: json.RawMessage(payload),
		Terminal:   term,
		Timestamp:  time.Now().UTC(),
	}
}

func looksLikeObject(line string) bool {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ' ', '\t', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
