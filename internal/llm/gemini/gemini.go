// Package gemini implements a Provider Adapter (C5) over Google's
// Generative Language API, adapted from the teacher's
// internal/service/llm/gemini package (same generateContent /
// streamGenerateContent?alt=sse endpoints, same candidate/usageMetadata
// shapes), trimmed to text-only turns and generalized to llm.Adapter — the
// teacher's image/function-call/thought_signature handling existed to
// survive server/translate.go's OpenAI-wire-format proxy boundary, which
// this gateway does not have.
package gemini

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

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

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
		klient.WithHeaderSet(http.Header{"Content-Type": []string{"application/json"}}),
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("/v1beta/models?key=%s", p.APIKey), nil)
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

type part struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateContentRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type candidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type generateContentResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	Error         *googleError   `json:"error,omitempty"`
}

// roleToGemini maps the gateway's user/assistant/tool roles onto Gemini's
// user/model vocabulary; system messages are pulled into systemInstruction.
func roleToGemini(role string) string {
	if role == domain.RoleAssistantMsg {
		return "model"
	}
	return "user"
}

func (p *Provider) buildRequest(messages []llm.ChatMessage) *generateContentRequest {
	req := &generateContentRequest{}
	for _, m := range messages {
		if m.Role == domain.RoleSystemMsg {
			if req.SystemInstruction == nil {
				req.SystemInstruction = &geminiContent{Parts: []part{{Text: m.Content}}}
			} else {
				req.SystemInstruction.Parts[0].Text += "\n\n" + m.Content
			}
			continue
		}
		req.Contents = append(req.Contents, geminiContent{Role: roleToGemini(m.Role), Parts: []part{{Text: m.Content}}})
	}
	return req
}

func extractText(c candidate) string {
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func (p *Provider) ChatOnce(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (*llm.ChatResult, error) {
	if model == "" {
		model = p.Model
	}

	jsonData, err := json.Marshal(p.buildRequest(messages))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:generateContent?key=%s", model, p.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result generateContentResponse
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
		return nil, llm.ClassifyMessage(result.Error.Message, result.Error.Status)
	}
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no response candidates from provider")
	}

	out := &llm.ChatResult{Content: extractText(result.Candidates[0])}
	if result.UsageMetadata != nil {
		out.Usage = llm.Usage{
			InputTokens: result.UsageMetadata.PromptTokenCount, OutputTokens: result.UsageMetadata.CandidatesTokenCount,
			TotalTokens: result.UsageMetadata.TotalTokenCount, Attested: true,
		}
	}
	return out, nil
}

func (p *Provider) ChatStream(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (<-chan llm.StreamEvent, error) {
	if model == "" {
		model = p.Model
	}

	jsonData, err := json.Marshal(p.buildRequest(messages))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", model, p.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
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

		var lastUsage *usageMetadata
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var sr generateContentResponse
			if err := json.Unmarshal([]byte(data), &sr); err != nil {
				ch <- llm.StreamEvent{Type: llm.EventError, ErrorCode: "PROVIDER_REJECTED", ErrorMessage: err.Error()}
				return
			}
			if sr.Error != nil {
				ch <- llm.ClassifyMessage(sr.Error.Message, sr.Error.Status).AsStreamEvent()
				return
			}
			if sr.UsageMetadata != nil {
				lastUsage = sr.UsageMetadata
			}
			if len(sr.Candidates) == 0 {
				continue
			}

			c := sr.Candidates[0]
			if text := extractText(c); text != "" {
				ch <- llm.StreamEvent{Type: llm.EventTokenDelta, Text: text}
			}
			if c.FinishReason != "" {
				if lastUsage != nil {
					ch <- llm.StreamEvent{Type: llm.EventUsage, Usage: llm.Usage{
						InputTokens: lastUsage.PromptTokenCount, OutputTokens: lastUsage.CandidatesTokenCount,
						TotalTokens: lastUsage.TotalTokenCount, Attested: true,
					}}
				}
				ch <- llm.StreamEvent{Type: llm.EventDone, FinishReason: c.FinishReason}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- llm.StreamEvent{Type: llm.EventError, ErrorCode: "PROVIDER_UNREACHABLE", ErrorMessage: err.Error(), ErrorRetryable: true}
		}
	}()

	return ch, nil
}
