package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marketwire/newspipe/internal/llm"
)

func messagesHandler(t *testing.T, capture *map[string]any, status int, response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Helper()
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q", got)
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}
}

func TestComplete_RequestShape(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(messagesHandler(t, &payload, http.StatusOK, `{
		"content": [{"type": "text", "text": "useful"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 120, "output_tokens": 8}
	}`))
	defer ts.Close()

	a := New("anthropic", "sk-ant-test", ts.URL)
	resp, err := a.Complete(context.Background(), "claude-sonnet-4-20250514", llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a financial news analyst."},
			{Role: llm.RoleUser, Content: "Classify this article."},
		},
		MaxTokens:   512,
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if payload["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("model = %v", payload["model"])
	}
	if payload["system"] != "You are a financial news analyst." {
		t.Errorf("system = %v", payload["system"])
	}
	if payload["max_tokens"] != float64(512) {
		t.Errorf("max_tokens = %v", payload["max_tokens"])
	}
	msgs, _ := payload["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("system prompt should not appear in messages: %v", payload["messages"])
	}

	if resp.Content != "useful" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 120 || resp.Usage.CompletionTokens != 8 || resp.Usage.TotalTokens != 128 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestComplete_DefaultMaxTokens(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(messagesHandler(t, &payload, http.StatusOK, `{
		"content": [{"type": "text", "text": "ok"}],
		"usage": {"input_tokens": 1, "output_tokens": 1}
	}`))
	defer ts.Close()

	a := New("anthropic", "sk-ant-test", ts.URL)
	if _, err := a.Complete(context.Background(), "claude-haiku", llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if payload["max_tokens"] != float64(4096) {
		t.Errorf("max_tokens = %v, want 4096", payload["max_tokens"])
	}
}

func TestComplete_CachedTokensCounted(t *testing.T) {
	ts := httptest.NewServer(messagesHandler(t, nil, http.StatusOK, `{
		"content": [{"type": "text", "text": "ok"}],
		"usage": {"input_tokens": 100, "output_tokens": 10, "cache_read_input_tokens": 900}
	}`))
	defer ts.Close()

	a := New("anthropic", "sk-ant-test", ts.URL)
	resp, err := a.Complete(context.Background(), "claude-haiku", llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Usage.PromptTokens != 1000 {
		t.Errorf("prompt tokens = %d, want cache reads included (1000)", resp.Usage.PromptTokens)
	}
	if resp.Usage.CachedTokens != 900 {
		t.Errorf("cached tokens = %d, want 900", resp.Usage.CachedTokens)
	}
}

func TestComplete_ImageParts(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(messagesHandler(t, &payload, http.StatusOK, `{
		"content": [{"type": "text", "text": "a revenue chart"}],
		"usage": {"input_tokens": 50, "output_tokens": 5}
	}`))
	defer ts.Close()

	a := New("anthropic", "sk-ant-test", ts.URL)
	_, err := a.Complete(context.Background(), "claude-sonnet", llm.Request{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Parts: []llm.ContentPart{
				{Type: llm.PartText, Text: "Describe this chart."},
				{Type: llm.PartImage, ImageURL: "https://example.com/chart.png"},
				{Type: llm.PartImage, ImageURL: "data:image/png;base64,iVBORw0KGgo="},
			},
		}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	msgs := payload["messages"].([]any)
	blocks := msgs[0].(map[string]any)["content"].([]any)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 content blocks, got %d", len(blocks))
	}
	img := blocks[1].(map[string]any)
	if img["type"] != "image" {
		t.Errorf("block type = %v", img["type"])
	}
	src := img["source"].(map[string]any)
	if src["type"] != "url" || src["url"] != "https://example.com/chart.png" {
		t.Errorf("image source = %v", src)
	}
	inline := blocks[2].(map[string]any)["source"].(map[string]any)
	if inline["type"] != "base64" || inline["media_type"] != "image/png" || inline["data"] != "iVBORw0KGgo=" {
		t.Errorf("inline image source = %v", inline)
	}
}

func TestClassifyError(t *testing.T) {
	a := New("anthropic", "sk-ant-test", "")

	cases := []struct {
		name string
		err  error
		want llm.ErrorClass
	}{
		{"rate limited", &llm.ProviderError{StatusCode: 429, RetryAfterSecs: 12}, llm.ErrRateLimited},
		{"overloaded", &llm.ProviderError{StatusCode: 529}, llm.ErrRateLimited},
		{"server error", &llm.ProviderError{StatusCode: 500}, llm.ErrTransient},
		{"prompt too long", &llm.ProviderError{StatusCode: 400, Body: `{"error":{"message":"prompt is too long"}}`}, llm.ErrContextOverflow},
		{"bad request", &llm.ProviderError{StatusCode: 400, Body: "invalid"}, llm.ErrFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ce := a.ClassifyError(tc.err)
			if ce.Class != tc.want {
				t.Errorf("class = %s, want %s", ce.Class, tc.want)
			}
		})
	}

	ce := a.ClassifyError(&llm.ProviderError{StatusCode: 429, RetryAfterSecs: 12})
	if ce.RetryAfter != 12 {
		t.Errorf("RetryAfter = %d, want 12", ce.RetryAfter)
	}
}

func TestComplete_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"type":"overloaded_error"}}`))
	}))
	defer ts.Close()

	a := New("anthropic", "sk-ant-test", ts.URL)
	_, err := a.Complete(context.Background(), "claude-haiku", llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	var pe *llm.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *llm.ProviderError, got %T", err)
	}
	if pe.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", pe.StatusCode)
	}
}
