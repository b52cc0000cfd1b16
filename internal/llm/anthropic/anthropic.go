// Package anthropic implements a Provider Adapter (C5) over Anthropic's
// Messages API, adapted from the teacher's internal/service/llm/antropic
// package (same klient client construction, same header shape), renamed to
// fix the teacher's typo and generalized to llm.Adapter.
package anthropic

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

const DefaultBaseURL = "https://api.anthropic.com"

type Provider struct {
	name          string
	APIKey        string
	Model         string
	models        []string
	contextWindow int

	client *klient.Client
	tok    *tokenizer.Tokenizer
}

func New(name, apiKey, model, baseURL, proxy string, models []string, contextWindow int, insecureSkipVerify bool) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         []string{apiKey},
			"Anthropic-Version": []string{"2023-06-01"},
			"Content-Type":      []string{"application/json"},
		}),
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
		contextWindow = 200000
	}

	return &Provider{
		name: name, APIKey: apiKey, Model: model, models: models,
		contextWindow: contextWindow, client: client, tok: tokenizer.ForModel("gpt-4"),
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
			Streaming: true, Tools: true, Reasoning: true, Status: domain.ModelAvailable,
		})
	}
	return out, nil
}

func (p *Provider) CountTokens(model, text string) (int, error) { return p.tok.Count(text), nil }
func (p *Provider) ContextLimit(model string) (int, error)      { return p.contextWindow, nil }

func (p *Provider) Health(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1/models", nil)
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

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type chatResponse struct {
	Error      *apiError      `json:"error,omitempty"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

// splitSystem pulls a leading system-role message out of the turn, since
// Anthropic's wire format carries the system prompt as a top-level field
// rather than a message with role "system".
func splitSystem(messages []llm.ChatMessage) (string, []map[string]any) {
	var system string
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		if m.Role == domain.RoleSystemMsg {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		out = append(out, map[string]any{"role": m.Role, "content": m.Content})
	}
	return system, out
}

func (p *Provider) buildRequestBody(model string, messages []llm.ChatMessage, params llm.Params) map[string]any {
	if model == "" {
		model = p.Model
	}
	system, msgs := splitSystem(messages)

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := map[string]any{"model": model, "messages": msgs, "max_tokens": maxTokens}
	if system != "" {
		body["system"] = system
	}
	if params.Temperature > 0 {
		body["temperature"] = params.Temperature
	}
	if len(params.StopSequences) > 0 {
		body["stop_sequences"] = params.StopSequences
	}
	return body
}

func (p *Provider) ChatOnce(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (*llm.ChatResult, error) {
	jsonData, err := json.Marshal(p.buildRequestBody(model, messages, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
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

	var text strings.Builder
	for _, b := range result.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}

	return &llm.ChatResult{
		Content: text.String(),
		Usage: llm.Usage{
			InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens,
			TotalTokens: result.Usage.InputTokens + result.Usage.OutputTokens, Attested: true,
		},
	}, nil
}

// streamEvent is Anthropic's SSE envelope; the "type" field selects which
// other field is populated.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage usage `json:"usage"`
	} `json:"message"`
	Usage      usage     `json:"usage"`
	Error      *apiError `json:"error,omitempty"`
}

func (p *Provider) ChatStream(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (<-chan llm.StreamEvent, error) {
	body := p.buildRequestBody(model, messages, params)
	body["stream"] = true

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

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

		var inputTokens int
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				ch <- llm.StreamEvent{Type: llm.EventError, ErrorCode: "PROVIDER_REJECTED", ErrorMessage: err.Error()}
				return
			}

			switch ev.Type {
			case "message_start":
				// message_start carries the prompt's input token count in
				// message.usage; message_delta only reports output tokens.
				inputTokens = ev.Message.Usage.InputTokens
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					ch <- llm.StreamEvent{Type: llm.EventTokenDelta, Text: ev.Delta.Text}
				}
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					ch <- llm.StreamEvent{Type: llm.EventUsage, Usage: llm.Usage{
						InputTokens: inputTokens, OutputTokens: ev.Usage.OutputTokens,
						TotalTokens: inputTokens + ev.Usage.OutputTokens, Attested: true,
					}}
				}
			case "message_stop":
				ch <- llm.StreamEvent{Type: llm.EventDone, FinishReason: "stop"}
				return
			case "error":
				if ev.Error != nil {
					ch <- llm.ClassifyMessage(ev.Error.Message, ev.Error.Type).AsStreamEvent()
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- llm.StreamEvent{Type: llm.EventError, ErrorCode: "PROVIDER_UNREACHABLE", ErrorMessage: err.Error(), ErrorRetryable: true}
		}
	}()

	return ch, nil
}
