// Package llm defines the uniform capability set every Provider Adapter
// (C5) implements, generalizing the teacher's service.LLMProvider /
// service.LLMStreamProvider split in internal/service/at.go into the
// list_models / count_tokens / context_limit / chat_once / chat_stream /
// health contract spec.md §4.5 requires.
package llm

import (
	"context"
	"errors"

	"github.com/openrag/gateway/internal/domain"
)

// ChatMessage mirrors domain.ChatMessage; kept as a distinct alias so
// adapters depend on this package rather than domain directly.
type ChatMessage = domain.ChatMessage

// Params carries the per-turn generation tunables spec.md §4.5 names.
type Params struct {
	Temperature   float64
	MaxTokens     int
	StopSequences []string
}

// Usage is the provider-attested token accounting for one turn. Attested
// reports whether these numbers came from the provider itself (open
// question (a): provider-attested counts win over local tokenization when
// both are present).
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Attested     bool
}

// ChatResult is chat_once's return shape.
type ChatResult struct {
	Content  string
	Usage    Usage
	Metadata map[string]any
}

// EventType tags the StreamEvent union (spec.md §4.5).
type EventType string

const (
	EventTokenDelta     EventType = "token_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallEnd    EventType = "tool_call_end"
	EventUsage          EventType = "usage"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// StreamEvent is the tagged union a ChatStream sequence yields. Only the
// fields relevant to Type are populated.
type StreamEvent struct {
	Type EventType

	Text string // token_delta, reasoning_delta

	ToolCallID          string // tool_call_start, tool_call_end
	ToolName            string
	ToolArgumentsPartial string
	ToolResult          string
	ToolError           string

	Usage Usage // usage, and optionally present on done

	FinishReason string // done

	ErrorCode      string // error
	ErrorMessage   string
	ErrorRetryable bool
}

// ErrUnknownModel reports a model an adapter cannot size. The bundled
// adapters never return it: their ContextLimit returns one configured or
// default window for every model.
var ErrUnknownModel = errors.New("llm: unknown model")

// Adapter is the uniform interface every Provider Adapter implements.
// Streaming is expressed as a channel of StreamEvent ("a lazy sequence"
// per spec.md §9) rather than any callback or iterator primitive, so the
// Stream Coordinator can range over it with ordinary for-range.
type Adapter interface {
	Name() string
	ListModels(ctx context.Context) ([]domain.ModelDescriptor, error)
	CountTokens(model, text string) (int, error)
	ContextLimit(model string) (int, error)
	ChatOnce(ctx context.Context, model string, messages []ChatMessage, params Params) (*ChatResult, error)
	// ChatStream returns a channel the caller ranges over until it closes.
	// The channel is always closed by the adapter. The last value is
	// normally an EventDone or EventError frame; a provider stream that ends
	// without a terminal event closes the channel without one.
	ChatStream(ctx context.Context, model string, messages []ChatMessage, params Params) (<-chan StreamEvent, error)
	Health(ctx context.Context) (ok bool, detail string)
}
