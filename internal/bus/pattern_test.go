package bus

import "testing"

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{"exact match", "task.created", "task.created", true},
		{"exact mismatch", "task.created", "task.completed", false},
		{"star one token", "agent.*.result", "agent.a1.result", true},
		{"star not two tokens", "agent.*.result", "agent.a1.extra.result", false},
		{"star not empty", "agent.*.result", "agent..result", false},
		{"star trailing", "orchestrator.task.*", "orchestrator.task.queued", true},
		{"hash one token", "session.debate.#", "session.debate.started", true},
		{"hash many tokens", "session.debate.#", "session.debate.round.2.rebuttal", true},
		{"hash needs a token", "session.debate.#", "session.debate", false},
		{"hash everything", "#", "a.b.c", true},
		{"hash root", "#", "a", true},
		{"mixed star and hash", "agent.*.#", "agent.a1.status.changed", true},
		{"mixed star and hash mismatch", "agent.*.#", "agent.a1", false},
		{"literal dots not regex", "a.b", "axb", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regex := compilePattern(tt.pattern)
			if got := matchTopic(tt.topic, tt.pattern, regex); got != tt.want {
				t.Errorf("matchTopic(%q, %q) = %v, want %v", tt.topic, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestCompilePattern_LiteralIsNil(t *testing.T) {
	if compilePattern("task.created") != nil {
		t.Error("Expected nil regex for literal pattern")
	}
	if compilePattern("agent.*.result") == nil {
		t.Error("Expected compiled regex for wildcard pattern")
	}
}
