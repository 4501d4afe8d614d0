package session

import "time"

// State represents the lifecycle state of a session's current process.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Mode selects how the claude CLI is invoked.
type Mode string

const (
	ModeNew      Mode = "new"      // -p
	ModeContinue Mode = "continue" // -c -p
	ModeResume   Mode = "resume"   // --resume <id> -p
)

// Spec describes one execution request.
type Spec struct {
	// SessionID reuses an existing session for continue/resume. Empty
	// allocates a new one.
	SessionID   string   `json:"sessionId,omitempty"`
	ProjectPath string   `json:"projectPath"`
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Mode        Mode     `json:"mode,omitempty"`
	ExtraArgs   []string `json:"extraArgs,omitempty"`

	// AgentSessionID is the claude-side session to resume. It defaults
	// to the one reported by the session's previous process.
	AgentSessionID string `json:"agentSessionId,omitempty"`
}

// Session holds metadata and state for one logical unit of work.
type Session struct {
	ID             string    `json:"id"`
	ProjectPath    string    `json:"projectPath"`
	Mode           Mode      `json:"mode"`
	Model          string    `json:"model,omitempty"`
	Prompt         string    `json:"prompt"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	State          State     `json:"state"`
	Attempt        int       `json:"attempt"`
	PID            int       `json:"pid,omitempty"`
	ExitCode       *int      `json:"exitCode,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
	EndedAt        time.Time `json:"endedAt,omitempty"`
}
