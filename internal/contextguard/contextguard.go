// Package contextguard implements the Context Guard (C6): the pre-flight
// check executed by the Stream Coordinator and by non-streaming chat
// before dispatching to an adapter (spec.md §4.6). The teacher has no
// equivalent — it is a stateless proxy with no context-limit enforcement —
// so this package is grounded directly on spec.md §4.6 rather than on
// teacher code; its arithmetic is plain stdlib, since no library in the
// retrieved pack fits a bounds comparison.
package contextguard

import (
	"context"

	"github.com/openrag/gateway/internal/llm"
)

// DefaultOutputHeadroomTokens is the spec.md §4.6 default when neither a
// caller-supplied max_tokens nor a larger configured headroom applies.
const DefaultOutputHeadroomTokens = 512

type Guard struct {
	outputHeadroomTokens int
}

func New(outputHeadroomTokens int) *Guard {
	if outputHeadroomTokens <= 0 {
		outputHeadroomTokens = DefaultOutputHeadroomTokens
	}
	return &Guard{outputHeadroomTokens: outputHeadroomTokens}
}

// Result is the outcome of a Check call.
type Result struct {
	CurrentTokens   int
	IncomingTokens  int
	ProjectedTotal  int
	Limit           int
	Headroom        int
	Exceeded        bool
}

// Check computes the projected total per spec.md §4.6: existing
// conversation total_tokens + incoming message tokens (counted via the
// routed adapter for the target model) + optional system prompt tokens,
// compared against context_limit(model) - max(headroom, caller max_tokens).
func Check(ctx context.Context, g *Guard, adapter llm.Adapter, model string, currentTotalTokens int, incomingMessage, systemPrompt string, callerMaxTokens int) (*Result, error) {
	incomingTokens, err := adapter.CountTokens(model, incomingMessage)
	if err != nil {
		return nil, err
	}
	if systemPrompt != "" {
		systemTokens, err := adapter.CountTokens(model, systemPrompt)
		if err != nil {
			return nil, err
		}
		incomingTokens += systemTokens
	}

	limit, err := adapter.ContextLimit(model)
	if err != nil {
		return nil, err
	}

	headroom := g.outputHeadroomTokens
	if callerMaxTokens > headroom {
		headroom = callerMaxTokens
	}

	projected := currentTotalTokens + incomingTokens

	return &Result{
		CurrentTokens:  currentTotalTokens,
		IncomingTokens: incomingTokens,
		ProjectedTotal: projected,
		Limit:          limit,
		Headroom:       headroom,
		Exceeded:       projected > limit-headroom,
	}, nil
}
