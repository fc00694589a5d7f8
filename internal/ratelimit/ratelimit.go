// Package ratelimit provides the two rate limiters used by the pipeline: an
// in-process token bucket that caps how fast each enrichment feature may call
// the LLM gateway, and a Redis-backed sliding window that throttles HTTP
// clients across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// LimitedError reports a rejected call along with how long the caller should
// wait before retrying.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// --- In-process token bucket ---

// Bucket is a goroutine-safe token bucket with continuous refill. Acquire
// never blocks; callers that are denied decide themselves whether to skip,
// queue, or fail the work.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens added per second
	lastFill time.Time

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewBucket creates a full bucket holding capacity tokens that refills at
// rate tokens per second.
func NewBucket(rate float64, capacity float64) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if rate <= 0 {
		rate = capacity
	}
	return &Bucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     rate,
		lastFill: time.Now(),
		nowFunc:  time.Now,
	}
}

// Acquire takes one token if available and reports whether it succeeded.
func (b *Bucket) Acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter reports how long until the next token accrues at the current
// fill level. Zero means a token is already available.
func (b *Bucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// refill credits tokens for the time elapsed since the last fill. Callers
// hold b.mu.
func (b *Bucket) refill() {
	now := b.nowFunc()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastFill = now
	}
}

// --- Redis sliding window ---

// SlidingWindow enforces a per-client request cap over a rolling window using
// a Redis sorted set per key. The set holds one member per admitted request,
// scored by its arrival time in nanoseconds.
type SlidingWindow struct {
	rdb    redis.UniversalClient
	limit  int64
	window time.Duration
	prefix string
	logger *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewSlidingWindow creates a limiter allowing limit requests per window.
// Keys are namespaced under "rl:".
func NewSlidingWindow(rdb redis.UniversalClient, limit int, window time.Duration, logger *slog.Logger) *SlidingWindow {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlidingWindow{
		rdb:     rdb,
		limit:   int64(limit),
		window:  window,
		prefix:  "rl:",
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Allow admits or rejects one request for the given key. A rejected request
// is never recorded, so a throttled client cannot push its own recovery time
// further out. When Redis itself is unreachable the request is admitted and
// the error logged; throttling is protection, not correctness.
func (sw *SlidingWindow) Allow(ctx context.Context, key string) error {
	now := sw.nowFunc()
	fullKey := sw.prefix + key
	windowStart := now.Add(-sw.window).UnixNano()

	pipe := sw.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		sw.logger.Warn("rate limiter unavailable, admitting request", slog.String("error", err.Error()))
		return nil
	}

	if countCmd.Val() >= sw.limit {
		oldest, err := sw.rdb.ZRangeWithScores(ctx, fullKey, 0, 0).Result()
		retryAfter := sw.window
		if err == nil && len(oldest) > 0 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			retryAfter = oldestAt.Add(sw.window).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return &LimitedError{RetryAfter: retryAfter}
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	add := sw.rdb.TxPipeline()
	add.ZAdd(ctx, fullKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	add.PExpire(ctx, fullKey, sw.window)
	if _, err := add.Exec(ctx); err != nil {
		sw.logger.Warn("rate limiter record failed", slog.String("error", err.Error()))
	}
	return nil
}

// Middleware returns chi middleware that throttles per client IP within the
// given scope (requests are keyed "rl:{scope}:{ip}"). An optional Prometheus
// counter is incremented on each rejected request.
func (sw *SlidingWindow) Middleware(scope string, counter prometheus.Counter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.Header.Get("X-Real-IP")
			if ip == "" {
				ip = r.RemoteAddr
			}

			err := sw.Allow(r.Context(), scope+":"+ip)
			if limited, ok := err.(*LimitedError); ok {
				if counter != nil {
					counter.Inc()
				}
				secs := int(math.Ceil(limited.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"kind":"rate_limited","message":"rate limit exceeded"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
