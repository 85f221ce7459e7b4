package plugin

import (
	"fmt"
	"strings"
)

const (
	DefaultFreeTemplate = "free-terminal-plugins-v1"
	DefaultProTemplate  = "pro-terminal-plugins-v1"
)

// RejectedError is returned when a command does not start with the prefix
// required by the selected plugin. Its message is fed back to the model as
// the tool result, so the model can retry with a corrected command.
type RejectedError struct {
	Plugin         ID
	RequiredPrefix string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("Command must start with %q for this plugin", e.RequiredPrefix)
}

// Config selects the sandbox templates used per tier.
type Config struct {
	FreeTemplate string
	ProTemplate  string
}

// Policy validates commands and resolves sandbox templates. It is stateless
// and safe for concurrent use.
//
// Validation only checks the leading program name. Arguments and flags are
// not inspected: commands are composed by the model, and the plugin prefix is
// the trust boundary.
type Policy struct {
	freeTemplate string
	proTemplate  string
}

// NewPolicy creates a Policy. Empty template names fall back to the defaults.
func NewPolicy(cfg Config) *Policy {
	p := &Policy{freeTemplate: cfg.FreeTemplate, proTemplate: cfg.ProTemplate}
	if p.freeTemplate == "" {
		p.freeTemplate = DefaultFreeTemplate
	}
	if p.proTemplate == "" {
		p.proTemplate = DefaultProTemplate
	}
	return p
}

// Profile returns the policy entry for id.
func (p *Policy) Profile(id ID) Profile {
	return profileFor(id)
}

// Validate returns a *RejectedError when the plugin requires a command prefix
// that the trimmed command does not start with.
func (p *Policy) Validate(id ID, command string) error {
	prof := profileFor(id)
	if prof.CommandPrefix == "" {
		return nil
	}
	if !strings.HasPrefix(strings.TrimSpace(command), prof.CommandPrefix) {
		return &RejectedError{Plugin: id, RequiredPrefix: prof.CommandPrefix}
	}
	return nil
}

// TemplateFor resolves the sandbox template. Free plugins run on the
// restricted template; everything else, including None, on the full one.
func (p *Policy) TemplateFor(id ID) string {
	if profileFor(id).Tier == TierFree {
		return p.freeTemplate
	}
	return p.proTemplate
}
