// Package openai implements llm.StreamingProvider on the OpenAI Chat
// Completions API. Any OpenAI-compatible endpoint works through WithBaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jkaninda/termrelay/internal/llm"
)

const defaultMaxTokens = 2048

// Client implements llm.StreamingProvider.
type Client struct {
	client *openai.Client
	model  string
	name   string
	logger *slog.Logger
}

type options struct {
	baseURL    string
	httpClient *http.Client
	name       string
	org        string
}

// Option configures the client.
type Option func(*options)

// WithBaseURL overrides the API base URL, including the /v1 suffix.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithName overrides the provider name (e.g. "openrouter").
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithOrganization sets the OpenAI organization header.
func WithOrganization(org string) Option {
	return func(o *options) { o.org = org }
}

// NewClient creates a streaming client. model is used when a request does
// not name one.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	o := options{name: "openai"}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := openai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	}
	if o.org != "" {
		cfg.OrgID = o.org
	}

	return &Client{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		name:   o.name,
		logger: logger,
	}
}

func (c *Client) Name() string { return c.name }

// StreamMessage opens a streaming chat completion.
func (c *Client) StreamMessage(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	chatReq := c.buildRequest(req)

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("opening completion stream: %w", err)
	}

	c.logger.DebugContext(ctx, "llm stream opened",
		slog.String("provider", c.name),
		slog.String("model", chatReq.Model),
		slog.Int("messages", len(chatReq.Messages)),
		slog.Int("tools", len(chatReq.Tools)),
	)

	events := make(chan llm.StreamEvent)
	go c.processStream(ctx, stream, events)
	return events, nil
}

func (c *Client) buildRequest(req *llm.Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertMessages(req.SystemPrompt, req.Messages),
		MaxTokens:     maxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	if len(req.Tools) > 0 {
		for _, t := range req.Tools {
			chatReq.Tools = append(chatReq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
		// The API rejects parallel_tool_calls without tools.
		chatReq.ParallelToolCalls = req.ParallelToolCalls
	}
	return chatReq
}

func convertMessages(system string, msgs []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

// processStream converts the OpenAI stream into llm events. Text is emitted
// as it arrives. Tool calls arrive as fragments keyed by index and are
// emitted, in index order, once the model finishes the step.
func (c *Client) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- llm.StreamEvent) {
	defer close(events)
	defer stream.Close()

	send := func(ev llm.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := make(map[int]*llm.ToolCall)
	var finish string
	var usage llm.Usage

	flushCalls := func() bool {
		idx := make([]int, 0, len(calls))
		for i := range calls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			tc := calls[i]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			if !send(llm.StreamEvent{Type: llm.EventToolCall, ToolCall: tc}) {
				return false
			}
		}
		calls = make(map[int]*llm.ToolCall)
		return true
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flushCalls() {
				return
			}
			send(llm.StreamEvent{Type: llm.EventDone, FinishReason: finish, Usage: usage})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(llm.StreamEvent{Type: llm.EventError, Error: fmt.Errorf("reading completion stream: %w", err)})
			return
		}

		if resp.Usage != nil {
			usage = llm.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !send(llm.StreamEvent{Type: llm.EventText, Content: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			i := 0
			if tc.Index != nil {
				i = *tc.Index
			}
			acc := calls[i]
			if acc == nil {
				acc = &llm.ToolCall{}
				calls[i] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			finish = normalizeFinishReason(choice.FinishReason)
			if choice.FinishReason == openai.FinishReasonToolCalls && !flushCalls() {
				return
			}
		}
	}
}

func normalizeFinishReason(r openai.FinishReason) string {
	switch r {
	case openai.FinishReasonStop:
		return llm.FinishStop
	case openai.FinishReasonLength:
		return llm.FinishLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return llm.FinishToolCalls
	case openai.FinishReasonContentFilter:
		return llm.FinishContentFilter
	default:
		return string(r)
	}
}
