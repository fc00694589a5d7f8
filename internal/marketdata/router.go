package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marketwire/newspipe/internal/cache"
	"github.com/marketwire/newspipe/internal/events"
)

// HealthReporter receives per-call outcomes and gates chain membership.
// *health.Tracker satisfies it.
type HealthReporter interface {
	IsAvailable(providerID string) bool
	RecordSuccess(providerID string, latencyMs float64)
	RecordError(providerID string, errMsg string)
}

const (
	defaultQuoteTTL   = 60 * time.Second
	defaultHistoryTTL = time.Hour
)

// Router dispatches reads to ordered per-market provider chains. A read walks
// the chain until a provider returns data; errors log and fall through.
type Router struct {
	chains     map[Market][]Provider
	logger     *slog.Logger
	cache      *cache.Cache
	health     HealthReporter
	bus        *events.Bus
	observer   func(providerID, op string, latencyMs float64, err error)
	quoteTTL   time.Duration
	historyTTL time.Duration
}

// RouterOption configures optional Router behaviour.
type RouterOption func(*Router)

// WithCache enables read-through caching for quotes and history.
func WithCache(c *cache.Cache) RouterOption {
	return func(r *Router) { r.cache = c }
}

// WithHealth attaches a health reporter. Providers reported down are skipped
// unless the whole chain is down, in which case the chain is walked anyway.
func WithHealth(h HealthReporter) RouterOption {
	return func(r *Router) { r.health = h }
}

// WithEventBus publishes provider_fallback events when a chain falls through.
func WithEventBus(bus *events.Bus) RouterOption {
	return func(r *Router) { r.bus = bus }
}

// WithObserver registers a callback invoked after every provider attempt,
// successful or not. Used to feed the rolling stats collector.
func WithObserver(fn func(providerID, op string, latencyMs float64, err error)) RouterOption {
	return func(r *Router) { r.observer = fn }
}

// WithQuoteTTL overrides the quote cache TTL.
func WithQuoteTTL(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.quoteTTL = d
		}
	}
}

// WithHistoryTTL overrides the history cache TTL.
func WithHistoryTTL(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.historyTTL = d
		}
	}
}

// NewRouter builds a router over the given per-market chains. Chain order is
// the fallback order.
func NewRouter(chains map[Market][]Provider, logger *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		chains:     chains,
		logger:     logger,
		quoteTTL:   defaultQuoteTTL,
		historyTTL: defaultHistoryTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Providers returns the configured chain for a market (fallback order).
func (r *Router) Providers(market Market) []Provider {
	return r.chains[market]
}

// Quote returns the current quote for symbol, cached for quoteTTL.
func (r *Router) Quote(ctx context.Context, market Market, symbol string) (*Quote, error) {
	if r.cache == nil {
		return r.quoteFromChain(ctx, market, symbol)
	}
	key := fmt.Sprintf("md:quote:%s:%s", market, symbol)
	b, err := r.cache.GetOrLoad(ctx, key, r.quoteTTL, func(ctx context.Context) ([]byte, error) {
		q, err := r.quoteFromChain(ctx, market, symbol)
		if err != nil {
			return nil, err
		}
		return json.Marshal(q)
	})
	if err != nil {
		return nil, err
	}
	var q Quote
	if err := json.Unmarshal(b, &q); err != nil {
		return nil, fmt.Errorf("decode cached quote: %w", err)
	}
	return &q, nil
}

// History returns daily bars for symbol over period, cached for historyTTL.
func (r *Router) History(ctx context.Context, market Market, symbol, period string) (*History, error) {
	if r.cache == nil {
		return r.historyFromChain(ctx, market, symbol, period)
	}
	key := fmt.Sprintf("md:history:%s:%s:%s", market, symbol, period)
	b, err := r.cache.GetOrLoad(ctx, key, r.historyTTL, func(ctx context.Context) ([]byte, error) {
		h, err := r.historyFromChain(ctx, market, symbol, period)
		if err != nil {
			return nil, err
		}
		return json.Marshal(h)
	})
	if err != nil {
		return nil, err
	}
	var h History
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode cached history: %w", err)
	}
	return &h, nil
}

// Info returns instrument metadata from the first provider that has it.
func (r *Router) Info(ctx context.Context, market Market, symbol string) (*Info, error) {
	var out *Info
	err := r.walk(ctx, market, "info", func(p Provider) error {
		info, err := p.Info(ctx, symbol)
		if err != nil {
			return err
		}
		if info == nil {
			return errNilResult
		}
		out = info
		return nil
	})
	return out, err
}

// Financials returns fundamental metrics from the first provider that has them.
func (r *Router) Financials(ctx context.Context, market Market, symbol string) (*Financials, error) {
	var out *Financials
	err := r.walk(ctx, market, "financials", func(p Provider) error {
		fin, err := p.Financials(ctx, symbol)
		if err != nil {
			return err
		}
		if fin == nil {
			return errNilResult
		}
		out = fin
		return nil
	})
	return out, err
}

// Search fans the query out to every provider in the market's chain in
// parallel and merges results, deduplicating by symbol. The first occurrence
// wins: chain order first, then each provider's own result order.
func (r *Router) Search(ctx context.Context, market Market, query string) ([]SearchResult, error) {
	chain := r.eligible(market)
	if len(chain) == 0 {
		return nil, ErrNoProvider
	}

	perProvider := make([][]SearchResult, len(chain))
	var wg sync.WaitGroup
	for i, p := range chain {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			start := time.Now()
			results, err := p.Search(ctx, query)
			latency := float64(time.Since(start).Milliseconds())
			if err != nil {
				r.reportError(p.ID(), err)
				r.logger.Warn("market search provider failed",
					slog.String("provider", p.ID()),
					slog.String("market", string(market)),
					slog.String("error", err.Error()),
				)
				return
			}
			r.reportSuccess(p.ID(), latency)
			perProvider[i] = results
		}(i, p)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	var merged []SearchResult
	for _, results := range perProvider {
		for _, res := range results {
			if _, dup := seen[res.Symbol]; dup {
				continue
			}
			seen[res.Symbol] = struct{}{}
			merged = append(merged, res)
		}
	}
	return merged, nil
}

func (r *Router) quoteFromChain(ctx context.Context, market Market, symbol string) (*Quote, error) {
	var out *Quote
	err := r.walk(ctx, market, "quote", func(p Provider) error {
		q, err := p.Quote(ctx, symbol)
		if err != nil {
			return err
		}
		if q == nil {
			return errNilResult
		}
		out = q
		return nil
	})
	return out, err
}

func (r *Router) historyFromChain(ctx context.Context, market Market, symbol, period string) (*History, error) {
	var out *History
	err := r.walk(ctx, market, "history", func(p Provider) error {
		h, err := p.History(ctx, symbol, period)
		if err != nil {
			return err
		}
		if h == nil || len(h.Bars) == 0 {
			return errNilResult
		}
		out = h
		return nil
	})
	return out, err
}

// eligible filters the chain through the health reporter. When every
// provider is marked unavailable the full chain is returned so a read still
// has a chance instead of failing fast on stale health state.
func (r *Router) eligible(market Market) []Provider {
	chain := r.chains[market]
	if r.health == nil || len(chain) == 0 {
		return chain
	}
	avail := make([]Provider, 0, len(chain))
	for _, p := range chain {
		if r.health.IsAvailable(p.ID()) {
			avail = append(avail, p)
		}
	}
	if len(avail) == 0 {
		return chain
	}
	return avail
}

// walk invokes attempt on each eligible provider in chain order, stopping at
// the first success. It returns the last provider error, or ErrNoProvider
// when the market has no chain.
func (r *Router) walk(ctx context.Context, market Market, op string, attempt func(p Provider) error) error {
	chain := r.eligible(market)
	if len(chain) == 0 {
		return ErrNoProvider
	}

	var lastErr error
	for i, p := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := attempt(p)
		latency := float64(time.Since(start).Milliseconds())
		if r.observer != nil {
			r.observer(p.ID(), op, latency, err)
		}
		if err == nil {
			r.reportSuccess(p.ID(), latency)
			return nil
		}
		lastErr = err
		r.reportError(p.ID(), err)
		r.logger.Warn("market data provider failed, falling through",
			slog.String("op", op),
			slog.String("market", string(market)),
			slog.String("provider", p.ID()),
			slog.String("error", err.Error()),
		)
		if r.bus != nil && i < len(chain)-1 {
			r.bus.Publish(events.Event{
				Type:       events.EventProviderFallback,
				ProviderID: p.ID(),
				Market:     string(market),
				ErrorMsg:   err.Error(),
			})
		}
	}
	return fmt.Errorf("%s %s: all providers failed: %w", op, market, lastErr)
}

func (r *Router) reportSuccess(providerID string, latencyMs float64) {
	if r.health != nil {
		r.health.RecordSuccess(providerID, latencyMs)
	}
}

func (r *Router) reportError(providerID string, err error) {
	if r.health != nil {
		r.health.RecordError(providerID, err.Error())
	}
}
