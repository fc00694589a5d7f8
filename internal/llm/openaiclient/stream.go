package openaiclient

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/marketwire/newspipe/internal/llm"
)

// CompleteStream opens a streaming chat completion. Usage arrives in the
// final frame on endpoints that support stream usage reporting.
func (c *Client) CompleteStream(ctx context.Context, model string, req llm.Request) (llm.Stream, error) {
	oreq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      toMessages(req.Messages),
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.JSONMode {
		oreq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	s, err := c.streamAPI.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, err
	}
	return &chatStream{inner: s}, nil
}

// chatStream converts chat completion chunks into stream events. One chunk
// can carry several events, so extras queue until the next Recv.
type chatStream struct {
	inner   *openai.ChatCompletionStream
	pending []llm.StreamEvent
}

func (s *chatStream) Recv() (llm.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		chunk, err := s.inner.Recv()
		if err != nil {
			return nil, err
		}
		s.pending = appendChunkEvents(s.pending, chunk)
	}
}

func (s *chatStream) Close() error { return s.inner.Close() }

func appendChunkEvents(events []llm.StreamEvent, chunk openai.ChatCompletionStreamResponse) []llm.StreamEvent {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			events = append(events, llm.ContentDelta{Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			ev := llm.ToolCallDelta{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}
			if tc.Index != nil {
				ev.Index = *tc.Index
			}
			events = append(events, ev)
		}
		if choice.FinishReason != "" {
			events = append(events, llm.FinishEvent{Reason: string(choice.FinishReason)})
		}
	}
	// The usage chunk has no choices and closes the stream's accounting.
	if chunk.Usage != nil {
		events = append(events, llm.UsageInfo{Usage: toUsage(*chunk.Usage)})
	}
	return events
}
