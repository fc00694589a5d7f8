// Package cache provides a Redis-backed cache with stampede protection.
// Values are written with a jittered TTL plus a long-lived stale copy, and
// cold-key loads are serialized through a distributed lock so that a burst of
// readers triggers exactly one upstream fetch.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLockTTL     = 30 * time.Second
	defaultRetryRounds = 6
	defaultRetryBase   = 150 * time.Millisecond
	defaultJitterFrac  = 0.10
	staleFactor        = 5
)

// unlockScript deletes the lock only when the stored token still matches the
// caller's, so a holder whose lock already expired cannot delete a successor's.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Loader fetches the value for a key on cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// Cache wraps a Redis client with jittered TTLs, stale fallback copies and
// per-key distributed load locks.
type Cache struct {
	rdb         redis.UniversalClient
	logger      *slog.Logger
	lockTTL     time.Duration
	retryRounds int
	retryBase   time.Duration
	jitterFrac  float64
	flight      singleflight.Group
	observe     func(op string)

	// randFloat and sleep are swapped out in tests.
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithLockTTL sets how long a load lock lives before expiring on its own.
func WithLockTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

// WithRetryRounds sets how many polling rounds a lock loser performs before
// falling back to the stale copy.
func WithRetryRounds(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.retryRounds = n
		}
	}
}

// WithJitterFraction sets the TTL jitter as a fraction of the base TTL.
// The default is 0.10.
func WithJitterFraction(f float64) Option {
	return func(c *Cache) {
		if f >= 0 {
			c.jitterFrac = f
		}
	}
}

// WithObserver registers a callback invoked once per GetOrLoad outcome with
// one of "hit", "miss", "fill", or "stale".
func WithObserver(fn func(op string)) Option {
	return func(c *Cache) {
		if fn != nil {
			c.observe = fn
		}
	}
}

// New creates a Cache on top of the given Redis client.
func New(rdb redis.UniversalClient, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		rdb:         rdb,
		logger:      logger,
		lockTTL:     defaultLockTTL,
		retryRounds: defaultRetryRounds,
		retryBase:   defaultRetryBase,
		jitterFrac:  defaultJitterFrac,
		observe:     func(string) {},
		randFloat:   rand.Float64,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached value for key, reporting whether it was present.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set writes the value with a jittered TTL and refreshes the stale copy,
// which outlives the primary entry by a factor of five.
func (c *Cache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	jittered := c.jitterTTL(ttl)
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, val, jittered)
	pipe.Set(ctx, staleKey(key), val, ttl*staleFactor)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes the value and its stale copy.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key, staleKey(key)).Err()
}

// AcquireLock attempts to take the load lock for key. On success it returns
// the token required to release it.
func (c *Cache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseLock releases the load lock if the caller still holds it.
func (c *Cache) ReleaseLock(ctx context.Context, key, token string) error {
	return unlockScript.Run(ctx, c.rdb, []string{lockKey(key)}, token).Err()
}

// GetOrLoad implements cache-aside with stampede protection. On a hit the
// cached value is returned directly. On a miss, one caller per key (across
// processes, via the distributed lock) runs the loader and populates the
// cache; the rest poll with linear backoff and pick up the fresh value. When
// the loader fails, the stale copy is served if one exists.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader) ([]byte, error) {
	// In-process callers for the same key share one flight.
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.getOrLoad(ctx, key, ttl, loader)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) getOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader) ([]byte, error) {
	if val, ok, err := c.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		c.observe("hit")
		return val, nil
	}
	c.observe("miss")

	token, acquired, err := c.AcquireLock(ctx, key, c.lockTTL)
	if err != nil {
		return nil, err
	}

	if acquired {
		defer func() {
			if err := c.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
				c.logger.Warn("cache lock release failed", slog.String("cache_key", key), slog.String("error", err.Error()))
			}
		}()

		// Double-check: another holder may have filled the key between
		// our miss and the lock grant.
		if val, ok, err := c.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return val, nil
		}

		val, err := loader(ctx)
		if err != nil {
			return c.staleOnError(ctx, key, err)
		}
		if err := c.Set(ctx, key, val, ttl); err != nil {
			c.logger.Warn("cache write failed", slog.String("cache_key", key), slog.String("error", err.Error()))
		}
		c.observe("fill")
		return val, nil
	}

	// Someone else is loading; poll for their result.
	for round := 1; round <= c.retryRounds; round++ {
		if err := c.sleep(ctx, time.Duration(round)*c.retryBase); err != nil {
			return nil, err
		}
		if val, ok, err := c.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return val, nil
		}
	}

	if val, ok, err := c.getStale(ctx, key); err == nil && ok {
		c.observe("stale")
		return val, nil
	}

	// The loading peer is gone and no stale copy exists; load directly
	// rather than fail the caller.
	val, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, val, ttl); err != nil {
		c.logger.Warn("cache write failed", slog.String("cache_key", key), slog.String("error", err.Error()))
	}
	c.observe("fill")
	return val, nil
}

// staleOnError serves the stale copy after a loader failure, or propagates
// the failure when no copy exists.
func (c *Cache) staleOnError(ctx context.Context, key string, loadErr error) ([]byte, error) {
	val, ok, err := c.getStale(ctx, key)
	if err != nil || !ok {
		return nil, loadErr
	}
	c.observe("stale")
	c.logger.Warn("serving stale cache copy",
		slog.String("cache_key", key),
		slog.String("error", loadErr.Error()),
	)
	return val, nil
}

func (c *Cache) getStale(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, staleKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// jitterTTL spreads expirations as base + uniform(0, jitterFrac*base).
func (c *Cache) jitterTTL(ttl time.Duration) time.Duration {
	if c.jitterFrac <= 0 || ttl <= 0 {
		return ttl
	}
	return ttl + time.Duration(c.randFloat()*c.jitterFrac*float64(ttl))
}

func lockKey(key string) string  { return "lock:" + key }
func staleKey(key string) string { return "stale:" + key }
