package agent

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jkaninda/termrelay/internal/llm"
	"github.com/jkaninda/termrelay/internal/plugin"
)

const toolPreamble = `You are a penetration testing assistant with access to a sandboxed Linux terminal.
Use the terminal tool to run the command that answers the user's request, then explain the results.
Run exactly one command per tool call. Never ask the user to run commands themselves.
The terminal is an isolated sandbox that is destroyed after this reply; do not rely on state from earlier turns.
Files the user attached can be uploaded with the files argument and are placed under the files/ directory.`

// Sanitizer rewrites the latest user message before it reaches the model.
type Sanitizer interface {
	Sanitize(text string) string
}

// WordSanitizer replaces whole words, case-insensitively.
type WordSanitizer struct {
	rules []wordRule
}

type wordRule struct {
	re   *regexp.Regexp
	repl string
}

// NewWordSanitizer builds a sanitizer from word → replacement pairs. Longer
// words are applied first so overlapping entries behave predictably.
func NewWordSanitizer(words map[string]string) *WordSanitizer {
	keys := make([]string, 0, len(words))
	for w := range words {
		if strings.TrimSpace(w) != "" {
			keys = append(keys, w)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	s := &WordSanitizer{rules: make([]wordRule, 0, len(keys))}
	for _, w := range keys {
		s.rules = append(s.rules, wordRule{
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`),
			repl: words[w],
		})
	}
	return s
}

func (s *WordSanitizer) Sanitize(text string) string {
	for _, r := range s.rules {
		text = r.re.ReplaceAllLiteralString(text, r.repl)
	}
	return text
}

// systemPrompt joins the tool-use preamble, the plugin prompt and the
// caller's profile context.
func (o *Orchestrator) systemPrompt(req *Request) string {
	parts := []string{toolPreamble}
	if o.prompts != nil {
		if p := o.prompts.For(req.Plugin); p != "" {
			parts = append(parts, p)
		}
	}
	if pc := strings.TrimSpace(req.ProfileContext); pc != "" {
		parts = append(parts, "User profile context:\n"+pc)
	}
	return strings.Join(parts, "\n\n")
}

// prepareMessages copies msgs and applies, in order: removal of system and
// empty assistant messages, sanitization of the latest user message, and
// removal of the trailing assistant message on continuation.
func prepareMessages(msgs []llm.Message, sanitizer Sanitizer, continuation bool) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		if m.Role == llm.RoleAssistant && strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 {
			continue
		}
		out = append(out, m)
	}

	if sanitizer != nil {
		for i := len(out) - 1; i >= 0; i-- {
			if out[i].Role == llm.RoleUser {
				out[i].Content = sanitizer.Sanitize(out[i].Content)
				break
			}
		}
	}

	if continuation && len(out) > 0 && out[len(out)-1].Role == llm.RoleAssistant {
		out = out[:len(out)-1]
	}
	return out
}

// modelFor picks the completion model for the caller.
func (o *Orchestrator) modelFor(req *Request) string {
	if req.Privileged {
		return o.cfg.PremiumModel
	}
	return o.cfg.Model
}

// pluginLabel is the metric and log label for a plugin.
func pluginLabel(id plugin.ID) string {
	if id == plugin.None {
		return "NONE"
	}
	return id.String()
}
