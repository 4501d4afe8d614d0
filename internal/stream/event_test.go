package stream

import "testing"

func TestOutput_StructuredOnlyForObjects(t *testing.T) {
	tests := []struct {
		line       string
		structured bool
	}{
		{`{"type":"assistant"}`, true},
		{`  {"a":1}`, true},
		{`{"broken":`, false},
		{`[1,2,3]`, false},
		{`plain text`, false},
		{``, false},
	}

	for _, tt := range tests {
		ev := Output(OriginStdout, tt.line)
		if ev.Payload != tt.line {
			t.Errorf("payload %q not preserved, got %q", tt.line, ev.Payload)
		}
		if got := len(ev.Structured) > 0; got != tt.structured {
			t.Errorf("Output(%q) structured = %v, want %v", tt.line, got, tt.structured)
		}
	}
}

func TestTerminalEvents(t *testing.T) {
	ok := Complete(true, 0)
	if !ok.IsTerminal() || ok.Terminal == nil || !ok.Terminal.Success {
		t.Errorf("unexpected complete event: %+v", ok)
	}
	if ok.Payload != `{"code":0,"success":true,"type":"complete"}` {
		t.Errorf("unexpected complete payload: %s", ok.Payload)
	}

	failed := Failure("signal: killed")
	if failed.Type != TypeError || failed.Terminal.Message != "signal: killed" {
		t.Errorf("unexpected error event: %+v", failed)
	}

	if !Cancelled().IsTerminal() {
		t.Error("cancelled must be terminal")
	}
	if Output(OriginStderr, "x").IsTerminal() {
		t.Error("output must not be terminal")
	}
}

func TestInspect(t *testing.T) {
	init := Output(OriginStdout, `{"type":"system","subtype":"init","session_id":"abc-123"}`)
	info, ok := Inspect(init)
	if !ok {
		t.Fatal("expected structured info")
	}
	if info.Type != "system" || info.Subtype != "init" || info.AgentSessionID != "abc-123" {
		t.Errorf("unexpected info: %+v", info)
	}

	tool := Output(OriginStdout, `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"},{"type":"tool_use","name":"Write"}]}}`)
	info, _ = Inspect(tool)
	if len(info.ToolUses) != 1 || info.ToolUses[0] != "Write" {
		t.Errorf("expected Write tool use, got %v", info.ToolUses)
	}

	text := Output(OriginStdout, `{"type":"assistant","message":{"content":"just text"}}`)
	info, _ = Inspect(text)
	if info.Type != "assistant" || len(info.ToolUses) != 0 {
		t.Errorf("unexpected info for string content: %+v", info)
	}

	if _, ok := Inspect(Output(OriginStdout, "not json")); ok {
		t.Error("plain text must not inspect")
	}
}
