// Package gateway defines the interface for caller-facing entry points and
// the request contract they share.
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/jkaninda/termrelay/internal/agent"
	"github.com/jkaninda/termrelay/internal/llm"
	"github.com/jkaninda/termrelay/internal/plugin"
)

// Gateway is a caller-facing interface (HTTP, MCP stdio).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// ChatMessage is one message of an inbound conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the JSON body of a tool chat request, shared by the HTTP
// and WebSocket endpoints.
type ChatRequest struct {
	Messages               []ChatMessage `json:"messages"`
	Plugin                 plugin.ID     `json:"plugin"`
	ProfileContext         string        `json:"profile_context,omitempty"`
	IsTerminalContinuation bool          `json:"is_terminal_continuation,omitempty"`
}

// ToAgentRequest validates r and converts it for the agent.
func (r *ChatRequest) ToAgentRequest(callerID, correlationID string, privileged bool) (*agent.Request, error) {
	if len(r.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}
	msgs := make([]llm.Message, 0, len(r.Messages))
	for i, m := range r.Messages {
		role := llm.Role(strings.ToLower(strings.TrimSpace(m.Role)))
		switch role {
		case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
		default:
			return nil, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return &agent.Request{
		CallerID:       callerID,
		ProfileContext: r.ProfileContext,
		Messages:       msgs,
		Plugin:         r.Plugin,
		Continuation:   r.IsTerminalContinuation,
		Privileged:     privileged,
		CorrelationID:  correlationID,
	}, nil
}

// Authenticator maps API keys to caller IDs.
type Authenticator struct {
	keys       map[string]string
	privileged map[string]bool
}

// NewAuthenticator creates an Authenticator from an API key → caller ID
// mapping and the callers served by the premium model.
func NewAuthenticator(keys map[string]string, privileged []string) *Authenticator {
	a := &Authenticator{keys: keys, privileged: make(map[string]bool, len(privileged))}
	for _, id := range privileged {
		a.privileged[id] = true
	}
	return a
}

// CallerForKey returns the caller mapped to apiKey. Every key is compared in
// constant time.
func (a *Authenticator) CallerForKey(apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	callerID := ""
	for key, id := range a.keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			callerID = id
		}
	}
	return callerID, callerID != ""
}

// Authenticate reads a Bearer token from r. When allowQuery is set, a
// "token" query parameter is accepted too, for WebSocket clients that
// cannot set headers.
func (a *Authenticator) Authenticate(r *http.Request, allowQuery bool) (string, bool) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if allowQuery {
		token = r.URL.Query().Get("token")
	}
	return a.CallerForKey(token)
}

// Privileged reports whether callerID is served by the premium model.
func (a *Authenticator) Privileged(callerID string) bool {
	return a.privileged[callerID]
}

// NewCorrelationID returns a random request identifier.
func NewCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
