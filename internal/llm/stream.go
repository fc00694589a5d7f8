package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// CompleteStream opens a streaming completion for the given purpose. Frames
// arrive through the returned Stream; the provider's usage frame, when one
// arrives, is recorded like a Complete response once the stream ends.
// Closing the stream cancels the provider-side request. Streaming calls are
// never retried; callers own partial-output handling.
func (g *Gateway) CompleteStream(ctx context.Context, call Call) (Stream, error) {
	asg, err := g.assignment(ctx, call.Purpose)
	if err != nil {
		return nil, err
	}
	client, err := g.clientFor(ctx, asg, call.Credential)
	if err != nil {
		return nil, err
	}
	streamer, ok := client.(Streamer)
	if !ok {
		return nil, fmt.Errorf("llm: provider %s cannot stream", asg.Provider)
	}

	release, err := g.breaker(client.ID()).Allow()
	if err != nil {
		return nil, &ClassifiedError{
			Err:   fmt.Errorf("provider %s: %w", client.ID(), err),
			Class: ErrTransient,
		}
	}

	// The stream outlives this call, so the provider request is tied to
	// Close instead of a deadline.
	sctx, cancel := context.WithCancel(ctx)
	start := g.nowFunc()
	inner, err := streamer.CompleteStream(sctx, asg.Model, call.Request)
	if err != nil {
		cancel()
		ce := g.classify(client, err)
		release(breakerSuccess(ce.Class))
		g.recordUsage(ctx, call, asg, Usage{}, g.nowFunc().Sub(start), ce)
		return nil, ce
	}

	return &gatewayStream{
		inner:   inner,
		cancel:  cancel,
		release: release,
		classify: func(err error) *ClassifiedError {
			return g.classify(client, err)
		},
		record: func(u Usage, ce *ClassifiedError) {
			g.recordUsage(ctx, call, asg, u, g.nowFunc().Sub(start), ce)
		},
	}, nil
}

// gatewayStream finalizes breaker state and usage accounting exactly once,
// whether the stream reaches EOF, fails, or is abandoned early.
type gatewayStream struct {
	inner    Stream
	cancel   context.CancelFunc
	release  func(success bool)
	classify func(err error) *ClassifiedError
	record   func(u Usage, ce *ClassifiedError)

	mu    sync.Mutex
	usage Usage
	done  bool
}

func (s *gatewayStream) Recv() (StreamEvent, error) {
	ev, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.finish(nil)
			return nil, io.EOF
		}
		ce := s.classify(err)
		s.finish(ce)
		return nil, ce
	}
	if u, ok := ev.(UsageInfo); ok {
		s.mu.Lock()
		s.usage = u.Usage
		s.mu.Unlock()
	}
	return ev, nil
}

// Close cancels the provider request. A stream abandoned before the provider
// finished still records whatever usage had arrived.
func (s *gatewayStream) Close() error {
	s.finish(nil)
	return s.inner.Close()
}

func (s *gatewayStream) finish(ce *ClassifiedError) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	u := s.usage
	s.mu.Unlock()

	if ce == nil {
		s.release(true)
	} else {
		s.release(breakerSuccess(ce.Class))
	}
	s.record(u, ce)
	s.cancel()
}
