// Package openai implements a Provider Adapter (C5) over OpenAI's
// chat-completions wire format, adapted from the teacher's
// internal/service/llm/openai package: same klient-built HTTP client, same
// bufio.Scanner-based SSE parsing loop, generalized to the uniform
// llm.Adapter contract and with the OpenAI-wire-format translation layer
// (server/translate.go) dropped — this gateway speaks its own SSE format
// per spec.md §6.2, not an OpenAI-compatible proxy.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/llm"
	"github.com/openrag/gateway/internal/llm/tokenizer"
)

const DefaultBaseURL = "https://api.openai.com/v1/chat/completions"

type Provider struct {
	name    string
	APIKey  string
	Model   string
	BaseURL string
	models  []string

	contextWindow int

	client *klient.Client
	tok    *tokenizer.Tokenizer
}

func New(name, apiKey, model, baseURL, proxy string, models []string, contextWindow int, insecureSkipVerify bool, extraHeaders map[string]string) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}
	for k, v := range extraHeaders {
		headers[k] = []string{v}
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	}
	if proxy != "" {
		klientOpts = append(klientOpts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		klientOpts = append(klientOpts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(klientOpts...)
	if err != nil {
		return nil, err
	}

	if contextWindow == 0 {
		contextWindow = 128000
	}

	return &Provider{
		name: name, APIKey: apiKey, Model: model, BaseURL: baseURL, models: models,
		contextWindow: contextWindow, client: client, tok: tokenizer.ForModel(model),
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
			Streaming: true, Tools: true, Reasoning: false,
			Status: domain.ModelAvailable,
		})
	}
	return out, nil
}

func (p *Provider) CountTokens(model, text string) (int, error) {
	return p.tok.Count(text), nil
}

func (p *Provider) ContextLimit(model string) (int, error) {
	return p.contextWindow, nil
}

func (p *Provider) Health(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "", nil)
	if err != nil {
		return false, err.Error()
	}
	err = p.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 500 {
			return fmt.Errorf("status %d", r.StatusCode)
		}
		return nil
	})
	if err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

type chatResponse struct {
	Error   *apiError `json:"error,omitempty"`
	Choices []choice  `json:"choices"`
	Usage   *usage    `json:"usage,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type choice struct {
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type choiceMessage struct {
	Content string `json:"content"`
}

func (p *Provider) buildRequestBody(model string, messages []llm.ChatMessage, params llm.Params) map[string]any {
	if model == "" {
		model = p.Model
	}

	reqMessages := make([]map[string]any, len(messages))
	for i, m := range messages {
		reqMessages[i] = map[string]any{"role": m.Role, "content": m.Content}
	}

	body := map[string]any{"model": model, "messages": reqMessages}
	if params.Temperature > 0 {
		body["temperature"] = params.Temperature
	}
	if params.MaxTokens > 0 {
		body["max_tokens"] = params.MaxTokens
	}
	if len(params.StopSequences) > 0 {
		body["stop"] = params.StopSequences
	}
	return body
}

func (p *Provider) ChatOnce(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (*llm.ChatResult, error) {
	jsonData, err := json.Marshal(p.buildRequestBody(model, messages, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result chatResponse
	if err := p.client.Do(req, func(r *http.Response) error {
		bodyData, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			return llm.ClassifyHTTPStatus(r.StatusCode, bodyData)
		}
		return json.Unmarshal(bodyData, &result)
	}); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return nil, llm.ClassifyMessage(result.Error.Message, result.Error.Type)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("no response choices from provider")
	}

	out := &llm.ChatResult{Content: result.Choices[0].Message.Content}
	if result.Usage != nil {
		out.Usage = llm.Usage{
			InputTokens: result.Usage.PromptTokens, OutputTokens: result.Usage.CompletionTokens,
			TotalTokens: result.Usage.TotalTokens, Attested: true,
		}
	}
	return out, nil
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content string `json:"content,omitempty"`
}

type streamResponse struct {
	Error   *apiError      `json:"error,omitempty"`
	Choices []streamChoice `json:"choices"`
	Usage   *usage         `json:"usage,omitempty"`
}

func (p *Provider) ChatStream(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (<-chan llm.StreamEvent, error) {
	body := p.buildRequestBody(model, messages, params)
	body["stream"] = true
	body["stream_options"] = map[string]any{"include_usage": true}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrProviderUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyData, _ := io.ReadAll(resp.Body)
		return nil, llm.ClassifyHTTPStatus(resp.StatusCode, bodyData)
	}

	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				ch <- llm.StreamEvent{Type: llm.EventDone}
				return
			}

			var sr streamResponse
			if err := json.Unmarshal([]byte(data), &sr); err != nil {
				ch <- llm.StreamEvent{Type: llm.EventError, ErrorCode: "PROVIDER_REJECTED", ErrorMessage: err.Error()}
				return
			}
			if sr.Error != nil {
				ch <- llm.ClassifyMessage(sr.Error.Message, sr.Error.Type).AsStreamEvent()
				return
			}

			if len(sr.Choices) == 0 {
				if sr.Usage != nil {
					ch <- llm.StreamEvent{Type: llm.EventUsage, Usage: llm.Usage{
						InputTokens: sr.Usage.PromptTokens, OutputTokens: sr.Usage.CompletionTokens,
						TotalTokens: sr.Usage.TotalTokens, Attested: true,
					}}
				}
				continue
			}

			c := sr.Choices[0]
			if c.Delta.Content != "" {
				ch <- llm.StreamEvent{Type: llm.EventTokenDelta, Text: c.Delta.Content}
			}
			if c.FinishReason != nil {
				ch <- llm.StreamEvent{Type: llm.EventDone, FinishReason: *c.FinishReason}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- llm.StreamEvent{Type: llm.EventError, ErrorCode: "PROVIDER_UNREACHABLE", ErrorMessage: err.Error(), ErrorRetryable: true}
		}
	}()

	return ch, nil
}
