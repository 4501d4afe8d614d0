package checkpoint

import "fmt"

// Policy decides when checkpoints are taken without an explicit request.
type Policy string

const (
	PolicyManual      Policy = "manual"
	PolicyPerPrompt   Policy = "per_prompt"
	PolicyPerResponse Policy = "per_response"
	PolicyPerToolUse  Policy = "per_tool_use"
	// PolicySmart checkpoints at the same boundaries as
	// PolicyPerToolUse, but only when the project tree changed.
	PolicySmart Policy = "smart"
)

// ParsePolicy validates a configured policy name. The empty string
// selects PolicyManual.
func ParsePolicy(name string) (Policy, error) {
	switch p := Policy(name); p {
	case "":
		return PolicyManual, nil
	case PolicyManual, PolicyPerPrompt, PolicyPerResponse, PolicyPerToolUse, PolicySmart:
		return p, nil
	default:
		return "", fmt.Errorf("unknown checkpoint policy %q", name)
	}
}

// Fires reports whether reaching a boundary of the given kind should
// produce a checkpoint. A tool_use message arrives before the tool runs,
// so the tool-driven policies also fire on responses to capture the last
// tool's effects.
func (p Policy) Fires(boundary Trigger) bool {
	switch p {
	case PolicyPerPrompt:
		return boundary == TriggerPrompt
	case PolicyPerResponse:
		return boundary == TriggerResponse
	case PolicyPerToolUse, PolicySmart:
		return boundary == TriggerToolUse || boundary == TriggerResponse
	default:
		return false
	}
}

// FilesOnly reports whether the policy skips checkpoints that would only
// record new events.
func (p Policy) FilesOnly() bool { return p == PolicySmart }
