package openaiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marketwire/newspipe/internal/llm"
)

func sseHandler(t *testing.T, capture *map[string]any, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Helper()
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}
}

func drainStream(t *testing.T, s llm.Stream) []llm.StreamEvent {
	t.Helper()
	var events []llm.StreamEvent
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		events = append(events, ev)
	}
}

func TestCompleteStream_DeltasFinishUsage(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(sseHandler(t, &payload,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9,"prompt_tokens_details":{"cached_tokens":3}}}`,
	))
	defer ts.Close()

	c := New("openai", "sk-test", ts.URL)
	s, err := c.CompleteStream(context.Background(), "gpt-4o-mini", llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Say hello."}},
	})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer func() { _ = s.Close() }()

	events := drainStream(t, s)

	if payload["stream"] != true {
		t.Errorf("stream flag = %v, want true", payload["stream"])
	}
	if so, ok := payload["stream_options"].(map[string]any); !ok || so["include_usage"] != true {
		t.Errorf("stream_options = %v, want include_usage true", payload["stream_options"])
	}

	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %#v", len(events), events)
	}
	if d, ok := events[0].(llm.ContentDelta); !ok || d.Text != "Hello" {
		t.Errorf("event 0 = %#v", events[0])
	}
	if d, ok := events[1].(llm.ContentDelta); !ok || d.Text != " world" {
		t.Errorf("event 1 = %#v", events[1])
	}
	if f, ok := events[2].(llm.FinishEvent); !ok || f.Reason != "stop" {
		t.Errorf("event 2 = %#v", events[2])
	}
	u, ok := events[3].(llm.UsageInfo)
	if !ok {
		t.Fatalf("event 3 = %#v, want UsageInfo", events[3])
	}
	want := llm.Usage{PromptTokens: 7, CachedTokens: 3, CompletionTokens: 2, TotalTokens: 9}
	if u.Usage != want {
		t.Errorf("usage = %+v, want %+v", u.Usage, want)
	}
}

func TestCompleteStream_ToolCallDeltas(t *testing.T) {
	ts := httptest.NewServer(sseHandler(t, nil,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_quote","arguments":""}}]},"finish_reason":null}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"symbol\":\"NVDA\"}"}}]},"finish_reason":null}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	))
	defer ts.Close()

	c := New("openai", "sk-test", ts.URL)
	s, err := c.CompleteStream(context.Background(), "gpt-4o", llm.Request{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer func() { _ = s.Close() }()

	events := drainStream(t, s)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %#v", len(events), events)
	}
	head, ok := events[0].(llm.ToolCallDelta)
	if !ok || head.ID != "call_1" || head.Name != "get_quote" {
		t.Errorf("event 0 = %#v", events[0])
	}
	args, ok := events[1].(llm.ToolCallDelta)
	if !ok || args.Arguments != `{"symbol":"NVDA"}` {
		t.Errorf("event 1 = %#v", events[1])
	}
	if f, ok := events[2].(llm.FinishEvent); !ok || f.Reason != "tool_calls" {
		t.Errorf("event 2 = %#v", events[2])
	}
}

func TestCompleteStream_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer ts.Close()

	c := New("openai", "sk-test", ts.URL)
	_, err := c.CompleteStream(context.Background(), "gpt-4o-mini", llm.Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if ce := c.ClassifyError(err); ce.Class != llm.ErrTransient {
		t.Errorf("class = %s, want transient", ce.Class)
	}
}
