package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, opts ...Option) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, logger, opts...), mr
}

func TestGetSetRoundtrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "quote:AAPL"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "quote:AAPL", []byte(`{"price":190.5}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	val, ok, err := c.Get(ctx, "quote:AAPL")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(val) != `{"price":190.5}` {
		t.Fatalf("unexpected value %s", val)
	}
}

func TestSetAppliesJitterWithinBounds(t *testing.T) {
	c, mr := newTestCache(t)
	c.randFloat = func() float64 { return 1.0 } // maximum jitter

	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	ttl := mr.TTL("k")
	want := time.Minute + 6*time.Second // base + 10% * base
	if ttl != want {
		t.Fatalf("expected jittered TTL %s, got %s", want, ttl)
	}
}

func TestSetWritesStaleCopy(t *testing.T) {
	c, mr := newTestCache(t)
	c.randFloat = func() float64 { return 0 }

	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	if !mr.Exists("stale:k") {
		t.Fatal("expected stale copy to be written")
	}
	if ttl := mr.TTL("stale:k"); ttl != 5*time.Minute {
		t.Fatalf("expected stale TTL 5m, got %s", ttl)
	}
}

func TestDeleteRemovesValueAndStaleCopy(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if mr.Exists("k") || mr.Exists("stale:k") {
		t.Fatal("expected both copies removed")
	}
}

// --- Distributed lock ---

func TestAcquireLock_Exclusive(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	token, ok, err := c.AcquireLock(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	_, ok, err = c.AcquireLock(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire should fail while lock held")
	}
}

func TestReleaseLock_OnlyWithMatchingToken(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	token, _, _ := c.AcquireLock(ctx, "k", time.Minute)

	// A mismatched token must not free someone else's lock.
	if err := c.ReleaseLock(ctx, "k", "stolen-token"); err != nil {
		t.Fatalf("release with wrong token: %v", err)
	}
	if !mr.Exists("lock:k") {
		t.Fatal("lock should survive a release with the wrong token")
	}

	if err := c.ReleaseLock(ctx, "k", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("lock:k") {
		t.Fatal("lock should be gone after a matching release")
	}
}

// --- GetOrLoad ---

func TestGetOrLoad_LoadsOnceAndCaches(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("fresh"), nil
	}

	val, err := c.GetOrLoad(ctx, "k", time.Minute, loader)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if string(val) != "fresh" {
		t.Fatalf("unexpected value %s", val)
	}

	val, err = c.GetOrLoad(ctx, "k", time.Minute, loader)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if string(val) != "fresh" {
		t.Fatalf("unexpected value %s", val)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader should run once, ran %d times", calls.Load())
	}
}

func TestGetOrLoad_ReleasesLockAfterLoad(t *testing.T) {
	c, mr := newTestCache(t)

	_, err := c.GetOrLoad(context.Background(), "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if mr.Exists("lock:k") {
		t.Fatal("load lock should be released")
	}
}

func TestGetOrLoad_LoaderErrorPropagatesWithoutStale(t *testing.T) {
	c, _ := newTestCache(t)

	boom := errors.New("upstream down")
	_, err := c.GetOrLoad(context.Background(), "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
}

func TestGetOrLoad_ServesStaleOnLoaderError(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	// Seed a stale copy and let the primary entry expire.
	_ = c.Set(ctx, "k", []byte("old"), time.Minute)
	mr.FastForward(2 * time.Minute)

	val, err := c.GetOrLoad(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("upstream down")
	})
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if string(val) != "old" {
		t.Fatalf("expected stale value, got %s", val)
	}
}

func TestGetOrLoad_LockLoserPicksUpPeerValue(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	// Simulate another process holding the load lock.
	mr.Set("lock:k", "peer-token")

	var rounds int
	c.sleep = func(ctx context.Context, d time.Duration) error {
		rounds++
		if rounds == 2 {
			// Peer finishes loading during our second backoff round.
			mr.Set("k", "peer-value")
		}
		return nil
	}

	var loaderRan bool
	val, err := c.GetOrLoad(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		loaderRan = true
		return []byte("own"), nil
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(val) != "peer-value" {
		t.Fatalf("expected peer value, got %s", val)
	}
	if loaderRan {
		t.Fatal("loser must not run its own loader when the peer fills the key")
	}
	if rounds != 2 {
		t.Fatalf("expected 2 backoff rounds, got %d", rounds)
	}
}

func TestGetOrLoad_LockLoserFallsBackToStale(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	mr.Set("lock:k", "peer-token")
	mr.Set("stale:k", "stale-value")
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	val, err := c.GetOrLoad(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		t.Fatal("loader must not run when a stale copy exists")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(val) != "stale-value" {
		t.Fatalf("expected stale value, got %s", val)
	}
}

func TestGetOrLoad_LockLoserLoadsDirectlyAsLastResort(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	mr.Set("lock:k", "peer-token")
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	val, err := c.GetOrLoad(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("direct"), nil
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(val) != "direct" {
		t.Fatalf("expected direct load, got %s", val)
	}
}

func TestGetOrLoad_BackoffIsLinear(t *testing.T) {
	c, mr := newTestCache(t, WithRetryRounds(3))
	ctx := context.Background()

	mr.Set("lock:k", "peer-token")
	mr.Set("stale:k", "stale-value")

	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	_, _ = c.GetOrLoad(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("unused")
	})

	want := []time.Duration{150 * time.Millisecond, 300 * time.Millisecond, 450 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d rounds, got %d", len(want), len(sleeps))
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("round %d: expected %s, got %s", i+1, want[i], sleeps[i])
		}
	}
}

func TestGetOrLoad_ObserverCountsOutcomes(t *testing.T) {
	ops := map[string]int{}
	c, _ := newTestCache(t, WithObserver(func(op string) { ops[op]++ }))
	ctx := context.Background()

	loader := func(ctx context.Context) ([]byte, error) {
		return []byte("v"), nil
	}

	if _, err := c.GetOrLoad(ctx, "k", time.Minute, loader); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := c.GetOrLoad(ctx, "k", time.Minute, loader); err != nil {
		t.Fatalf("load: %v", err)
	}

	if ops["miss"] != 1 || ops["fill"] != 1 {
		t.Fatalf("expected one miss and one fill, got %v", ops)
	}
	if ops["hit"] != 1 {
		t.Fatalf("expected one hit on the second read, got %v", ops)
	}

	if _, err := c.GetOrLoad(ctx, "fail", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("old"), nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c.rdb.Del(ctx, "fail")
	if _, err := c.GetOrLoad(ctx, "fail", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("upstream down")
	}); err != nil {
		t.Fatalf("expected stale copy to be served: %v", err)
	}
	if ops["stale"] != 1 {
		t.Fatalf("expected one stale serve, got %v", ops)
	}
}
