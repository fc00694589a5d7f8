package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorClass classifies provider errors for retry decisions.
type ErrorClass string

const (
	ErrContextOverflow ErrorClass = "context_overflow"
	ErrRateLimited     ErrorClass = "rate_limited"
	ErrTransient       ErrorClass = "transient"
	ErrTimeout         ErrorClass = "timeout"
	ErrFatal           ErrorClass = "fatal"
)

// ClassifiedError wraps a provider error with its routing classification.
type ClassifiedError struct {
	Err        error
	Class      ErrorClass
	RetryAfter int // seconds, set for rate_limited when the provider said so
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// ProviderError captures a non-2xx HTTP response from a provider.
type ProviderError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter fills RetryAfterSecs from a Retry-After header value,
// which may be either delta-seconds or an HTTP date.
func (e *ProviderError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs > 0 {
			e.RetryAfterSecs = secs
		}
		return
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfterSecs = int(d.Round(time.Second) / time.Second)
		}
	}
}

// Classify maps an arbitrary error onto a ClassifiedError. Provider clients
// run their own classification first; this is the fallback for errors they
// pass through and for transport failures.
func Classify(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Err: err, Class: ErrTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return &ClassifiedError{Err: err, Class: ErrFatal}
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == http.StatusTooManyRequests:
			return &ClassifiedError{Err: err, Class: ErrRateLimited, RetryAfter: pe.RetryAfterSecs}
		case pe.StatusCode >= 500:
			return &ClassifiedError{Err: err, Class: ErrTransient}
		default:
			return &ClassifiedError{Err: err, Class: ErrFatal}
		}
	}
	// Transport-level failures (connection refused, resets) are worth a retry.
	return &ClassifiedError{Err: err, Class: ErrTransient}
}
