// Package openaiclient adapts the OpenAI API to the gateway's client
// contract. It also serves any OpenAI-compatible endpoint via a base URL
// override.
package openaiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/marketwire/newspipe/internal/llm"
)

// Client implements llm.Completer, llm.Embedder, and llm.Streamer for
// OpenAI.
type Client struct {
	id         string
	httpClient *http.Client
	api        *openai.Client
	streamAPI  *openai.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout. This is a transport backstop;
// per-call deadlines come from the request context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// New creates an OpenAI client. An empty baseURL uses the public API.
func New(id, apiKey, baseURL string, opts ...Option) *Client {
	c := &Client{
		id: id,
		httpClient: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = c.httpClient
	c.api = openai.NewClientWithConfig(cfg)

	// Streams outlive the transport backstop; their lifetime is bounded by
	// the request context instead.
	scfg := cfg
	scfg.HTTPClient = &http.Client{Transport: c.httpClient.Transport}
	c.streamAPI = openai.NewClientWithConfig(scfg)
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) Complete(ctx context.Context, model string, req llm.Request) (llm.Response, error) {
	oreq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		oreq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	resp, err := c.api.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return llm.Response{}, err
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("openai: response has no choices")
	}
	return llm.Response{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage:        toUsage(resp.Usage),
	}, nil
}

func (c *Client) Embed(ctx context.Context, model string, inputs []string, dimensions int) ([][]float32, llm.Usage, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      inputs,
		Model:      openai.EmbeddingModel(model),
		Dimensions: dimensions,
	})
	if err != nil {
		return nil, llm.Usage{}, err
	}
	if len(resp.Data) != len(inputs) {
		return nil, llm.Usage{}, fmt.Errorf("openai: got %d embeddings for %d inputs", len(resp.Data), len(inputs))
	}
	vectors := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, llm.Usage{}, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, toUsage(resp.Usage), nil
}

func (c *Client) ClassifyError(err error) *llm.ClassifiedError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &llm.ClassifiedError{Err: err, Class: llm.ErrRateLimited}
		case apiErr.HTTPStatusCode >= 500:
			return &llm.ClassifiedError{Err: err, Class: llm.ErrTransient}
		case errorCode(apiErr.Code) == "context_length_exceeded" ||
			strings.Contains(apiErr.Message, "maximum context length"):
			return &llm.ClassifiedError{Err: err, Class: llm.ErrContextOverflow}
		}
		return &llm.ClassifiedError{Err: err, Class: llm.ErrFatal}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &llm.ClassifiedError{Err: err, Class: llm.ErrRateLimited}
		case reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == http.StatusRequestTimeout:
			return &llm.ClassifiedError{Err: err, Class: llm.ErrTransient}
		}
		return &llm.ClassifiedError{Err: err, Class: llm.ErrFatal}
	}
	return llm.Classify(err)
}

func toMessages(msgs []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		cm := openai.ChatCompletionMessage{Role: m.Role}
		if len(m.Parts) > 0 {
			parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Type {
				case llm.PartImage:
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    p.ImageURL,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				default:
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: p.Text,
					})
				}
			}
			cm.MultiContent = parts
		} else {
			cm.Content = m.Content
		}
		out[i] = cm
	}
	return out
}

func toUsage(u openai.Usage) llm.Usage {
	out := llm.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

func errorCode(code any) string {
	s, _ := code.(string)
	return s
}
