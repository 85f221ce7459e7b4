package llm

import "context"

// EventType tags a StreamEvent.
type EventType string

const (
	EventText     EventType = "text"
	EventToolCall EventType = "tool_call"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Finish reasons reported on EventDone, normalized across providers.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// StreamEvent is a single event in a streaming response.
type StreamEvent struct {
	Type         EventType
	Content      string    // EventText
	ToolCall     *ToolCall // EventToolCall, emitted once the call is complete
	FinishReason string    // EventDone; empty when the provider gave none
	Usage        Usage     // EventDone, when reported
	Error        error     // EventError
}

// StreamingProvider streams chat completions.
type StreamingProvider interface {
	// StreamMessage opens a completion stream. Errors that happen before the
	// first event, such as authentication or rate limiting, are returned
	// directly. Later failures arrive as an EventError. The channel is closed
	// after EventDone or EventError, or when ctx is cancelled.
	StreamMessage(ctx context.Context, req *Request) (<-chan StreamEvent, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}
