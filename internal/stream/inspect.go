package stream

import "encoding/json"

// Info is a best-effort reading of a stream-json line. Every field may be
// empty; nothing downstream may depend on a field being present.
type Info struct {
	Type           string
	Subtype        string
	AgentSessionID string
	ToolUses       []string
}

type envelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Inspect interprets the structured payload of ev. It returns false when
// the event carries no JSON object.
func Inspect(ev Event) (Info, bool) {
	if len(ev.Structured) == 0 {
		return Info{}, false
	}

	var env envelope
	if err := json.Unmarshal(ev.Structured, &env); err != nil {
		return Info{}, false
	}

	info := Info{
		Type:           env.Type,
		Subtype:        env.Subtype,
		AgentSessionID: env.SessionID,
	}

	if env.Message != nil && len(env.Message.Content) > 0 {
		var blocks []contentBlock
		// Content is a string for plain text messages.
		if json.Unmarshal(env.Message.Content, &blocks) == nil {
			for _, b := range blocks {
				if b.Type == "tool_use" && b.Name != "" {
					info.ToolUses = append(info.ToolUses, b.Name)
				}
			}
		}
	}

	return info, true
}
