// Package llm routes pipeline LLM calls to provider clients. The gateway
// resolves which provider and model serve each purpose, applies the
// credential chain, wraps calls in circuit breakers and retries, and records
// token usage and cost for every call it makes.
package llm

import "context"

// Call purposes. Each pipeline stage calls the gateway under its own purpose
// so model assignments, timeouts, and cost reports stay per-stage.
const (
	PurposeLayer1Scoring     = "layer1_scoring"
	PurposeContentCleaning   = "content_cleaning"
	PurposeImageInsights     = "image_insights"
	PurposeDeepFilter        = "deep_filter"
	PurposeLightweightFilter = "lightweight_filter"
	PurposeEmbedding         = "embedding"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part types for multimodal messages.
const (
	PartText  = "text"
	PartImage = "image_url"
)

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is a provider-agnostic chat message. Content carries plain text;
// Parts, when set, takes precedence and carries multimodal content.
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Request is a provider-agnostic completion request. Provider clients
// translate it into their own API shapes.
type Request struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	JSONMode    bool      `json:"json_mode,omitempty"`
}

// Usage is the token accounting returned by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CachedTokens     int `json:"cached_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a provider-agnostic completion response.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Completer is implemented by provider clients.
type Completer interface {
	ID() string
	Complete(ctx context.Context, model string, req Request) (Response, error)
	// ClassifyError maps a provider error onto a routing class so the
	// gateway and pipeline can decide between retry, reschedule, and fail.
	ClassifyError(err error) *ClassifiedError
}

// Embedder is implemented by provider clients that can embed text. The
// gateway checks for it with a type assertion on the purpose's client.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string, dimensions int) ([][]float32, Usage, error)
}

// StreamEvent is one frame of a streaming completion. The variants are
// ContentDelta, ToolCallDelta, UsageInfo, and FinishEvent; consumers
// dispatch with a type switch.
type StreamEvent interface{ isStreamEvent() }

// ContentDelta is an incremental piece of assistant text.
type ContentDelta struct {
	Text string `json:"text"`
}

// ToolCallDelta is an incremental piece of a tool invocation. Index groups
// deltas belonging to one call; ID and Name arrive on the first delta and
// Arguments accumulates across the rest.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// UsageInfo carries the provider's token accounting for the whole stream,
// sent once near the end.
type UsageInfo struct {
	Usage Usage `json:"usage"`
}

// FinishEvent ends the assistant turn with the provider's finish reason.
type FinishEvent struct {
	Reason string `json:"reason"`
}

func (ContentDelta) isStreamEvent()  {}
func (ToolCallDelta) isStreamEvent() {}
func (UsageInfo) isStreamEvent()     {}
func (FinishEvent) isStreamEvent()   {}

// Stream yields completion frames. Recv blocks for the next frame and
// returns io.EOF once the provider is done. Close abandons the provider
// request and is safe to call at any point.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// Streamer is implemented by provider clients that support streaming
// completions. The gateway checks for it with a type assertion, the same
// way it checks Embedder.
type Streamer interface {
	CompleteStream(ctx context.Context, model string, req Request) (Stream, error)
}
