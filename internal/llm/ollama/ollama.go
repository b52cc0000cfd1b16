// Package ollama implements the Provider Adapter (C5) for the local model
// host. Unlike the teacher's hand-rolled HTTP client in
// internal/service/llm/ollama, this uses tmc/langchaingo's llms/ollama
// package — the teacher's own go.mod already declares tmc/langchaingo as a
// direct dependency that no retrieved file actually imports; this wires it
// to the one component (a local, non-hosted model host) it fits best.
package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/llm"
	"github.com/openrag/gateway/internal/llm/tokenizer"
)

type Provider struct {
	name          string
	Model         string
	models        []string
	contextWindow int

	llm *ollama.LLM
	tok *tokenizer.Tokenizer
}

func New(name, model, baseURL string, models []string, contextWindow int) (*Provider, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}

	client, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}

	if contextWindow == 0 {
		contextWindow = 8192
	}

	return &Provider{
		name: name, Model: model, models: models, contextWindow: contextWindow,
		llm: client, tok: tokenizer.ForModel("gpt-4"),
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) ListModels(ctx context.Context) ([]domain.ModelDescriptor, error) {
	names := p.models
	if len(names) == 0 {
		names = []string{p.Model}
	}
	out := make([]domain.ModelDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, domain.ModelDescriptor{
			Name: n, Provider: p.name, ContextWindow: p.contextWindow,
			Streaming: true, Tools: false, Reasoning: false, Status: domain.ModelAvailable,
		})
	}
	return out, nil
}

// CountTokens uses the library-quality BPE tokenizer spec.md §4.5 calls
// for "the local provider" specifically, since Ollama's API does not
// return a prompt token count ahead of a call.
func (p *Provider) CountTokens(model, text string) (int, error) { return p.tok.Count(text), nil }
func (p *Provider) ContextLimit(model string) (int, error)      { return p.contextWindow, nil }

func (p *Provider) Health(ctx context.Context) (bool, string) {
	_, err := p.llm.Call(ctx, "ping", llms.WithMaxTokens(1))
	if err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

func toLangchainMessages(messages []llm.ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var t llms.ChatMessageType
		switch m.Role {
		case domain.RoleSystemMsg:
			t = llms.ChatMessageTypeSystem
		case domain.RoleAssistantMsg:
			t = llms.ChatMessageTypeAI
		default:
			t = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(t, m.Content))
	}
	return out
}

func (p *Provider) ChatOnce(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (*llm.ChatResult, error) {
	opts := []llms.CallOption{}
	if params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(params.MaxTokens))
	}
	if params.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(params.Temperature))
	}
	if len(params.StopSequences) > 0 {
		opts = append(opts, llms.WithStopWords(params.StopSequences))
	}

	resp, err := p.llm.GenerateContent(ctx, toLangchainMessages(messages), opts...)
	if err != nil {
		return nil, classifyOllamaError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices from ollama")
	}

	content := resp.Choices[0].Content
	return &llm.ChatResult{
		Content: content,
		Usage: llm.Usage{
			InputTokens: p.tok.Count(flattenContent(messages)), OutputTokens: p.tok.Count(content),
			TotalTokens: p.tok.Count(flattenContent(messages)) + p.tok.Count(content), Attested: false,
		},
	}, nil
}

func flattenContent(messages []llm.ChatMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ChatStream bridges langchaingo's WithStreamingFunc callback style onto
// the lazy-sequence StreamEvent channel every other adapter exposes,
// running GenerateContent in a goroutine exactly the way the other
// adapters run their SSE-reading loop in one.
func (p *Provider) ChatStream(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, 64)

	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) > 0 {
				ch <- llm.StreamEvent{Type: llm.EventTokenDelta, Text: string(chunk)}
			}
			return nil
		}),
	}
	if params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(params.MaxTokens))
	}
	if params.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(params.Temperature))
	}
	if len(params.StopSequences) > 0 {
		opts = append(opts, llms.WithStopWords(params.StopSequences))
	}

	go func() {
		defer close(ch)

		resp, err := p.llm.GenerateContent(ctx, toLangchainMessages(messages), opts...)
		if err != nil {
			ch <- classifyOllamaError(err).AsStreamEvent()
			return
		}

		var outputText string
		if len(resp.Choices) > 0 {
			outputText = resp.Choices[0].Content
		}

		ch <- llm.StreamEvent{Type: llm.EventUsage, Usage: llm.Usage{
			InputTokens: p.tok.Count(flattenContent(messages)), OutputTokens: p.tok.Count(outputText),
			TotalTokens: p.tok.Count(flattenContent(messages)) + p.tok.Count(outputText), Attested: false,
		}}
		ch <- llm.StreamEvent{Type: llm.EventDone, FinishReason: "stop"}
	}()

	return ch, nil
}

func classifyOllamaError(err error) *llm.AdapterError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host"):
		return &llm.AdapterError{Category: "service_unavailable", Code: "PROVIDER_UNREACHABLE", Message: msg, Retryable: true}
	case strings.Contains(lower, "context") && strings.Contains(lower, "exceed"):
		return &llm.AdapterError{Category: "context_limit_error", Code: "CONTEXT_OVERFLOW", Message: msg}
	default:
		return &llm.AdapterError{Category: "validation_error", Code: "PROVIDER_REJECTED", Message: msg}
	}
}
