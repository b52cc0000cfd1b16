package router

import (
	"context"
	"testing"

	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/llm"
)

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"gpt-4", "gpt-4", 0},
		{"gpt-4", "gpt-4o", 1},
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"claude-opus", "claude-opus", 0},
	}

	for _, c := range cases {
		if got := levenshtein(c.a, c.b); got != c.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestPrecedenceRank(t *testing.T) {
	r := &Router{precedence: []string{"openai", "anthropic"}}

	if got := r.precedenceRank("openai"); got != 0 {
		t.Errorf("precedenceRank(openai) = %d, want 0", got)
	}
	if got := r.precedenceRank("anthropic"); got != 1 {
		t.Errorf("precedenceRank(anthropic) = %d, want 1", got)
	}
	if got := r.precedenceRank("unknown"); got != 2 {
		t.Errorf("precedenceRank(unknown) = %d, want len(precedence)", got)
	}
}

// fakeAdapter is a minimal llm.Adapter stub for router tests; only
// ListModels is exercised by Refresh.
type fakeAdapter struct {
	name   string
	models []domain.ModelDescriptor
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) ListModels(ctx context.Context) ([]domain.ModelDescriptor, error) {
	return f.models, nil
}
func (f *fakeAdapter) CountTokens(model, text string) (int, error) { return len(text), nil }
func (f *fakeAdapter) ContextLimit(model string) (int, error)      { return 8192, nil }
func (f *fakeAdapter) ChatOnce(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (*llm.ChatResult, error) {
	return nil, nil
}
func (f *fakeAdapter) ChatStream(ctx context.Context, model string, messages []llm.ChatMessage, params llm.Params) (<-chan llm.StreamEvent, error) {
	return nil, nil
}
func (f *fakeAdapter) Health(ctx context.Context) (bool, string) { return true, "ok" }

func TestRoute_UnknownModelReturnsSuggestions(t *testing.T) {
	adapter := &fakeAdapter{name: "openai", models: []domain.ModelDescriptor{
		{Name: "gpt-4o", Provider: "openai", Status: domain.ModelAvailable},
		{Name: "gpt-4o-mini", Provider: "openai", Status: domain.ModelAvailable},
	}}
	r := New(map[string]llm.Adapter{"openai": adapter}, []string{"openai"})
	r.Refresh(context.Background())

	_, _, err := r.Route("gpt4o")
	if err == nil {
		t.Fatalf("expected error for unknown model")
	}
	notFound, ok := err.(*ErrModelNotFound)
	if !ok {
		t.Fatalf("expected *ErrModelNotFound, got %T", err)
	}
	if len(notFound.Suggestions) == 0 {
		t.Errorf("expected at least one suggestion, got none")
	}
}

func TestRoute_KnownModelResolves(t *testing.T) {
	adapter := &fakeAdapter{name: "openai", models: []domain.ModelDescriptor{
		{Name: "gpt-4o", Provider: "openai", Status: domain.ModelAvailable},
	}}
	r := New(map[string]llm.Adapter{"openai": adapter}, []string{"openai"})
	r.Refresh(context.Background())

	resolved, descriptor, err := r.Route("gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != adapter {
		t.Errorf("expected resolved adapter to be the registered one")
	}
	if descriptor.Name != "gpt-4o" {
		t.Errorf("descriptor.Name = %q, want gpt-4o", descriptor.Name)
	}
}
