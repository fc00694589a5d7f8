// Package anthropic adapts the Anthropic Messages API to the gateway's
// client contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/marketwire/newspipe/internal/llm"
)

const defaultBaseURL = "https://api.anthropic.com"

// Adapter implements llm.Completer and llm.Streamer for Anthropic.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
	// streamClient carries no overall timeout; stream lifetime is bounded
	// by the request context.
	streamClient *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// New creates a new Anthropic adapter. An empty baseURL uses the public API.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	a := &Adapter{
		id:           id,
		apiKey:       apiKey,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 2 * time.Minute},
		streamClient: &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Complete(ctx context.Context, model string, req llm.Request) (llm.Response, error) {
	body, err := a.makeRequest(ctx, "/v1/messages", a.buildPayload(model, req))
	if err != nil {
		return llm.Response{}, err
	}

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens          int `json:"input_tokens"`
			OutputTokens         int `json:"output_tokens"`
			CacheReadInputTokens int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return llm.Response{}, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	prompt := out.Usage.InputTokens + out.Usage.CacheReadInputTokens
	return llm.Response{
		Content:      text.String(),
		FinishReason: out.StopReason,
		Usage: llm.Usage{
			PromptTokens:     prompt,
			CachedTokens:     out.Usage.CacheReadInputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      prompt + out.Usage.OutputTokens,
		},
	}, nil
}

func (a *Adapter) ClassifyError(err error) *llm.ClassifiedError {
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == 429 || pe.StatusCode == 529:
			ce := &llm.ClassifiedError{Err: err, Class: llm.ErrRateLimited}
			if pe.RetryAfterSecs > 0 {
				ce.RetryAfter = pe.RetryAfterSecs
			}
			return ce
		case pe.StatusCode >= 500:
			return &llm.ClassifiedError{Err: err, Class: llm.ErrTransient}
		case strings.Contains(pe.Body, "prompt is too long") || strings.Contains(pe.Body, "prompt_too_long"):
			return &llm.ClassifiedError{Err: err, Class: llm.ErrContextOverflow}
		}
		return &llm.ClassifiedError{Err: err, Class: llm.ErrFatal}
	}
	return llm.Classify(err)
}

// buildPayload renders the request in Messages API shape. The system prompt
// travels outside the message list, and max_tokens is mandatory so it
// defaults to 4096 when the caller does not set one.
func (a *Adapter) buildPayload(model string, req llm.Request) map[string]any {
	payload := map[string]any{
		"model":      model,
		"max_tokens": 4096,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}

	var system string
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem && len(m.Parts) == 0 {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": toContent(m),
		})
	}
	if system != "" {
		payload["system"] = system
	}
	payload["messages"] = messages
	return payload
}

// toContent renders a message body. Plain text stays a string; multimodal
// messages become content blocks. Data URIs must travel as base64 sources;
// the url source type only accepts fetchable URLs.
func toContent(m llm.Message) any {
	if len(m.Parts) == 0 {
		return m.Content
	}
	blocks := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case llm.PartImage:
			if media, data, ok := parseDataURI(p.ImageURL); ok {
				blocks = append(blocks, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "base64", "media_type": media, "data": data},
				})
			} else {
				blocks = append(blocks, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "url", "url": p.ImageURL},
				})
			}
		default:
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		}
	}
	return blocks
}

// parseDataURI splits a data:media/type;base64,payload URI.
func parseDataURI(uri string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	mediaType, data, found = strings.Cut(rest, ";base64,")
	if !found || mediaType == "" || data == "" {
		return "", "", false
	}
	return mediaType, data, true
}

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}
}

func (a *Adapter) makeRequest(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	return llm.DoJSONRequest(ctx, a.client, a.baseURL+endpoint, payload, a.authHeaders())
}
