// Package vertex implements a Provider Adapter (C5) over Google Vertex AI's
// OpenAI-compatible endpoint, adapted from the teacher's
// internal/service/llm/vertex package: same Application Default
// Credentials token source via golang.org/x/oauth2/google, same
// OpenAI-shaped chat-completions wire format, generalized to llm.Adapter.
package vertex

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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/worldline-go/klient"

	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/llm"
	"github.com/openrag/gateway/internal/llm/tokenizer"
)

type Provider struct {
	name          string
	Model         string
	EndpointURL   string
	models        []string
	contextWindow int

	client      *klient.Client
	tokenSource oauth2.TokenSource
	tok         *tokenizer.Tokenizer
}

// New builds a Vertex adapter. endpointURL is the full Vertex AI
// openapi/chat/completions URL
// (https://{LOCATION}-aiplatform.googleapis.com/v1/projects/{PROJECT}/locations/{LOCATION}/endpoints/openapi/chat/completions).
// Authentication uses Application Default Credentials for automatic token
// refresh, same as the teacher.
func New(ctx context.Context, name, model, endpointURL, proxy string, models []string, contextWindow int, insecureSkipVerify bool) (*Provider, error) {
	if endpointURL == "" {
		return nil, fmt.Errorf("vertex base_url must be the full openapi/chat/completions endpoint URL")
	}

	ts, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("resolve application default credentials: %w", err)
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithLogger(slog.Default()),
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
		contextWindow = 1000000
	}

	return &Provider{
		name: name, Model: model, EndpointURL: endpointURL, models: models,
		contextWindow: contextWindow, client: client, tokenSource: ts, tok: tokenizer.ForModel("gpt-4"),
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
			Streaming: true, Tools: true, Reasoning: false, Status: domain.ModelAvailable,
		})
	}
	return out, nil
}

func (p *Provider) CountTokens(model, text string) (int, error) { return p.tok.Count(text), nil }
func (p *Provider) ContextLimit(model string) (int, error)      { return p.contextWindow, nil }

func (p *Provider) Health(ctx context.Context) (bool, string) {
	if _, err := p.tokenSource.Token(); err != nil {
		return false, fmt.Sprintf("credential refresh failed: %v", err)
	}
	return true, "ok"
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type choiceMessage struct {
	Content string `json:"content"`
}

type choice struct {
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type chatResponse struct {
	Error   *apiError `json:"error,omitempty"`
	Choices []choice  `json:"choices"`
	Usage   *usage    `json:"usage,omitempty"`
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
	return body
}

func (p *Provider) ChatOnce(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (*llm.ChatResult, error) {
	token, err := p.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	jsonData, err := json.Marshal(p.buildRequestBody(model, messages, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.EndpointURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

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

type streamDelta struct {
	Content string `json:"content,omitempty"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamResponse struct {
	Error   *apiError      `json:"error,omitempty"`
	Choices []streamChoice `json:"choices"`
	Usage   *usage         `json:"usage,omitempty"`
}

func (p *Provider) ChatStream(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (<-chan llm.StreamEvent, error) {
	token, err := p.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	body := p.buildRequestBody(model, messages, params)
	body["stream"] = true
	body["stream_options"] = map[string]any{"include_usage": true}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.EndpointURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

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
