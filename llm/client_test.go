package llm

import (
	"context"
	"testing"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:       "test_resp",
			Model:    "test-model",
			Provider: name,
			Message: Message{
				Role:    RoleAssistant,
				Content: []ContentPart{TextPart(text)},
			},
			FinishReason: FinishStop,
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func TestClientComplete(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", mock),
		WithDefaultProvider("test-provider"),
	)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
	if resp.Provider != "test-provider" {
		t.Errorf("expected provider %q, got %q", "test-provider", resp.Provider)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	// Explicit provider.
	resp, err := client.Complete(context.Background(), Request{
		Model:    "claude-opus-4-6",
		Messages: []Message{UserMessage("Hi")},
		Provider: "anthropic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Anthropic response" {
		t.Errorf("expected Anthropic response, got %q", resp.Text())
	}

	// Default provider.
	resp, err = client.Complete(context.Background(), Request{
		Model:    "gpt-5.2",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", resp.Text())
	}
}

func TestClientCatalogRouting(t *testing.T) {
	local := newMockAdapter("local", "local response")
	anthropic := newMockAdapter("anthropic", "anthropic response")

	// No default: the catalog resolves qwen3-coder to the local provider.
	client := NewClient(
		WithProvider("local", local),
		WithProvider("anthropic", anthropic),
	)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "qwen3-coder",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "local response" {
		t.Errorf("expected local response, got %q", resp.Text())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 1)
		resp, err := next(ctx, req)
		order = append(order, -1)
		return resp, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 2)
		resp, err := next(ctx, req)
		order = append(order, -2)
		return resp, err
	}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(mw1, mw2),
	)

	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientStream(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamTextDelta, Delta: "Hello"},
			{Type: StreamTextDelta, Delta: " world"},
			{Type: StreamFinish, Usage: &Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}},
		},
	}

	client := NewClient(WithProvider("test", mock))
	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var events []StreamEvent
	for event := range ch {
		events = append(events, event)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Delta != "Hello" {
		t.Errorf("expected delta %q, got %q", "Hello", events[0].Delta)
	}
	if events[2].Type != StreamFinish {
		t.Errorf("expected StreamFinish, got %q", events[2].Type)
	}
	if events[2].Usage.TotalTokens != 7 {
		t.Errorf("expected total_tokens 7, got %d", events[2].Usage.TotalTokens)
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	mock := newMockAdapter("dynamic", "dynamic response")
	client.RegisterProvider("dynamic", mock)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "dynamic response" {
		t.Errorf("expected %q, got %q", "dynamic response", resp.Text())
	}
}

func TestMessageHelpers(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			ThinkingPart("considering"),
			TextPart("Hello "),
			TextPart("world"),
			ToolCallPart("call_1", "read_file", []byte(`{"path":"a.go"}`)),
		},
	}

	if got := msg.TextContent(); got != "Hello world" {
		t.Errorf("TextContent: expected %q, got %q", "Hello world", got)
	}
	if got := msg.Reasoning(); got != "considering" {
		t.Errorf("Reasoning: expected %q, got %q", "considering", got)
	}
	calls := msg.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "read_file" {
		t.Errorf("ToolCalls: unexpected %+v", calls)
	}
}

func TestCatalogLookup(t *testing.T) {
	if info := GetModelInfo("qwen3-coder"); info == nil || info.Provider != "local" {
		t.Errorf("expected qwen3-coder in catalog with provider local, got %+v", info)
	}
	if info := GetModelInfo("opus"); info == nil || info.ID != "claude-opus-4-6" {
		t.Errorf("expected alias opus to resolve, got %+v", info)
	}
	if got := ContextWindowFor("llama3.3-70b", 8192); got != 131072 {
		t.Errorf("expected context window 131072, got %d", got)
	}
	if got := ContextWindowFor("unknown-model", 8192); got != 8192 {
		t.Errorf("expected fallback 8192, got %d", got)
	}
}
