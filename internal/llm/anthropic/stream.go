package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/marketwire/newspipe/internal/llm"
)

// CompleteStream opens a streaming message request. The Messages API sends
// typed SSE frames; they map onto stream events with usage assembled from
// message_start (input side) and message_delta (output side).
func (a *Adapter) CompleteStream(ctx context.Context, model string, req llm.Request) (llm.Stream, error) {
	payload := a.buildPayload(model, req)
	payload["stream"] = true

	body, err := llm.DoStreamRequest(ctx, a.streamClient, a.baseURL+"/v1/messages", payload, a.authHeaders())
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(body)
	// Deltas can exceed the default scanner buffer on dense pages.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: sc}, nil
}

// sseStream parses the Messages API event stream. Usage spans two frames:
// input tokens arrive on message_start and output tokens on message_delta,
// so UsageInfo is emitted once the output side lands.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	event   string
	pending []llm.StreamEvent
	usage   llm.Usage
	done    bool
}

func (s *sseStream) Recv() (llm.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := s.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			s.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if err := s.handleData(strings.TrimSpace(strings.TrimPrefix(line, "data:"))); err != nil {
				return nil, err
			}
		}
	}
}

func (s *sseStream) Close() error { return s.body.Close() }

func (s *sseStream) handleData(data string) error {
	switch s.event {
	case "message_start":
		var frame struct {
			Message struct {
				Usage struct {
					InputTokens          int `json:"input_tokens"`
					CacheReadInputTokens int `json:"cache_read_input_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return fmt.Errorf("anthropic: decode message_start: %w", err)
		}
		s.usage.PromptTokens = frame.Message.Usage.InputTokens + frame.Message.Usage.CacheReadInputTokens
		s.usage.CachedTokens = frame.Message.Usage.CacheReadInputTokens

	case "content_block_start":
		var frame struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return fmt.Errorf("anthropic: decode content_block_start: %w", err)
		}
		if frame.ContentBlock.Type == "tool_use" {
			s.pending = append(s.pending, llm.ToolCallDelta{
				Index: frame.Index,
				ID:    frame.ContentBlock.ID,
				Name:  frame.ContentBlock.Name,
			})
		}

	case "content_block_delta":
		var frame struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return fmt.Errorf("anthropic: decode content_block_delta: %w", err)
		}
		switch frame.Delta.Type {
		case "text_delta":
			if frame.Delta.Text != "" {
				s.pending = append(s.pending, llm.ContentDelta{Text: frame.Delta.Text})
			}
		case "input_json_delta":
			if frame.Delta.PartialJSON != "" {
				s.pending = append(s.pending, llm.ToolCallDelta{
					Index:     frame.Index,
					Arguments: frame.Delta.PartialJSON,
				})
			}
		}

	case "message_delta":
		var frame struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return fmt.Errorf("anthropic: decode message_delta: %w", err)
		}
		s.usage.CompletionTokens = frame.Usage.OutputTokens
		s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
		s.pending = append(s.pending, llm.UsageInfo{Usage: s.usage})
		if frame.Delta.StopReason != "" {
			s.pending = append(s.pending, llm.FinishEvent{Reason: frame.Delta.StopReason})
		}

	case "message_stop":
		s.done = true

	case "error":
		var frame struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return fmt.Errorf("anthropic: decode error frame: %w", err)
		}
		return &llm.ProviderError{StatusCode: errorStatus(frame.Error.Type), Body: frame.Error.Message}
	}
	return nil
}

// errorStatus maps in-stream error types onto the HTTP statuses the error
// taxonomy already understands.
func errorStatus(errType string) int {
	switch errType {
	case "rate_limit_error":
		return http.StatusTooManyRequests
	case "overloaded_error":
		return 529
	case "api_error":
		return http.StatusInternalServerError
	case "authentication_error", "permission_error":
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}
