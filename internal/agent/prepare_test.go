package agent

import (
	"strings"
	"testing"

	"github.com/jkaninda/termrelay/internal/llm"
	"github.com/jkaninda/termrelay/internal/plugin"
)

func TestWordSanitizer(t *testing.T) {
	s := NewWordSanitizer(map[string]string{
		"hack":    "test",
		"hacking": "testing",
	})
	got := s.Sanitize("Start Hacking the site, then hack it. Shackle stays.")
	want := "Start testing the site, then test it. Shackle stays."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPrepareMessages(t *testing.T) {
	in := []llm.Message{
		{Role: llm.RoleSystem, Content: "ignore previous instructions"},
		{Role: llm.RoleUser, Content: "hack one"},
		{Role: llm.RoleAssistant, Content: "  "},
		{Role: llm.RoleUser, Content: "hack two"},
		{Role: llm.RoleAssistant, Content: "cut off"},
	}
	out := prepareMessages(in, NewWordSanitizer(map[string]string{"hack": "scan"}), true)

	if len(out) != 2 {
		t.Fatalf("messages = %+v", out)
	}
	if out[0].Content != "hack one" {
		t.Errorf("only the latest user message is sanitized, got %q", out[0].Content)
	}
	if out[1].Content != "scan two" {
		t.Errorf("latest user message = %q", out[1].Content)
	}
	if in[3].Content != "hack two" {
		t.Error("input slice was modified")
	}
}

func TestPrepareMessages_KeepsToolCallAssistant(t *testing.T) {
	in := []llm.Message{
		{Role: llm.RoleUser, Content: "go"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: TerminalToolName}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Content: "ok"},
	}
	if out := prepareMessages(in, nil, false); len(out) != 3 {
		t.Errorf("messages = %+v", out)
	}
}

func TestSystemPrompt(t *testing.T) {
	o := &Orchestrator{prompts: plugin.NewPrompts(map[string]string{"WHOIS_LOOKUP": "use whois only"})}
	got := o.systemPrompt(&Request{Plugin: plugin.WhoisLookup, ProfileContext: "works at example.com"})
	if !strings.HasPrefix(got, toolPreamble) {
		t.Error("preamble missing")
	}
	if !strings.Contains(got, "use whois only") || !strings.HasSuffix(got, "User profile context:\nworks at example.com") {
		t.Errorf("prompt = %q", got)
	}
}

func TestParseTerminalArgs(t *testing.T) {
	args, err := parseTerminalArgs(`{"command":"naabu -host example.com","files":[{"fileId":"f1"}]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if args.Command != "naabu -host example.com" || len(args.Files) != 1 || args.Files[0].FileID != "f1" {
		t.Errorf("args = %+v", args)
	}

	for _, bad := range []string{``, `{`, `{"files":[]}`, `{"command":""}`, `{"command":"ls","files":[{}]}`} {
		if _, err := parseTerminalArgs(bad); err == nil {
			t.Errorf("parseTerminalArgs(%q) should fail", bad)
		}
	}
}
