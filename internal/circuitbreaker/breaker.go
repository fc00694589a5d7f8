// Package circuitbreaker implements a thread-safe circuit breaker used to wrap
// calls to LLM providers and content-fetch backends. When a dependency becomes
// unavailable, the breaker trips after a configurable number of consecutive
// failures and rejects calls for a recovery period before letting a bounded
// number of probe requests through.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker is rejecting calls. Callers
// can distinguish it from dependency errors and mark work as retryable.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the current state of the circuit breaker.
type State int

const (
	// Closed is the normal operating state: calls pass through.
	Closed State = iota
	// Open means the circuit has tripped: calls fail fast with ErrOpen.
	Open
	// HalfOpen allows a bounded number of probe calls through to test
	// whether the dependency has recovered.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold   = 5
	defaultRecovery    = 30 * time.Second
	defaultHalfOpenMax = 1
)

// Breaker is a goroutine-safe circuit breaker that tracks consecutive
// failures and transitions between Closed, Open, and HalfOpen states.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMax      int
	halfOpenActive   int
	lastTripped      time.Time
	onStateChange    func(from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the number of consecutive failures required to
// trip the breaker from Closed to Open. The default is 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithRecoveryTimeout sets how long the breaker stays Open before admitting
// probe calls. The default is 30 seconds.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.recoveryTimeout = d
		}
	}
}

// WithHalfOpenMax sets how many probe calls may be in flight concurrently
// while the breaker is HalfOpen. The default is 1.
func WithHalfOpenMax(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.halfOpenMax = n
		}
	}
}

// WithOnStateChange registers a callback that fires on every state transition.
// The callback is invoked while the breaker's mutex is held, so it must not
// call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a Breaker in the Closed state with the given options.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultThreshold,
		recoveryTimeout:  defaultRecovery,
		halfOpenMax:      defaultHalfOpenMax,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow asks the breaker to admit one call. On admission it returns a release
// function that the caller must invoke exactly once with the call's outcome.
// When the breaker is rejecting calls it returns ErrOpen and a nil release.
//
// In Closed state calls are always admitted. In Open state calls are rejected
// until the recovery timeout has elapsed, at which point the breaker moves to
// HalfOpen. In HalfOpen state up to halfOpenMax probe calls are admitted; any
// probe success closes the breaker, any probe failure reopens it.
func (b *Breaker) Allow() (func(success bool), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if !b.nowFunc().After(b.lastTripped.Add(b.recoveryTimeout)) {
			return nil, ErrOpen
		}
		b.setState(HalfOpen)
		b.halfOpenActive = 0
	case HalfOpen:
		// Admission is bounded while probing.
	case Closed:
		return b.admit(false), nil
	}

	if b.halfOpenActive >= b.halfOpenMax {
		return nil, ErrOpen
	}
	b.halfOpenActive++
	return b.admit(true), nil
}

// admit builds the release closure for one admitted call.
// Caller must hold b.mu.
func (b *Breaker) admit(probe bool) func(success bool) {
	released := false
	return func(success bool) {
		b.mu.Lock()
		defer b.mu.Unlock()

		if released {
			return
		}
		released = true

		if probe && b.halfOpenActive > 0 {
			b.halfOpenActive--
		}

		if success {
			b.failureCount = 0
			if b.state == HalfOpen {
				b.setState(Closed)
			}
			return
		}

		switch b.state {
		case HalfOpen:
			b.setState(Open)
			b.lastTripped = b.nowFunc()
		case Closed:
			b.failureCount++
			if b.failureCount >= b.failureThreshold {
				b.setState(Open)
				b.lastTripped = b.nowFunc()
			}
		}
	}
}

// CurrentState returns the current breaker state. Note: in Open state this
// does NOT check the recovery timer; use Allow() for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
