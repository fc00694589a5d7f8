package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/marketwire/newspipe/internal/events"
	"github.com/marketwire/newspipe/internal/llm"
	"github.com/marketwire/newspipe/internal/llm/anthropic"
	"github.com/marketwire/newspipe/internal/llm/openaiclient"
	"github.com/marketwire/newspipe/internal/marketdata"
	"github.com/marketwire/newspipe/internal/metrics"
	"github.com/marketwire/newspipe/internal/store"
	"github.com/marketwire/newspipe/internal/tsdb"
)

type countingSettingsReader struct {
	calls    int
	settings store.Settings
}

func (c *countingSettingsReader) GetSettings(ctx context.Context) (*store.Settings, error) {
	c.calls++
	out := c.settings
	return &out, nil
}

func TestSettingsSourceCachesWithinTTL(t *testing.T) {
	reader := &countingSettingsReader{settings: store.DefaultSettings()}
	src := &settingsSource{store: reader, ttl: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st, err := src.Load(ctx)
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		if st.RetentionDays != 30 {
			t.Fatalf("load %d: RetentionDays = %d, want 30", i, st.RetentionDays)
		}
	}
	if reader.calls != 1 {
		t.Fatalf("expected one store read for three loads, got %d", reader.calls)
	}

	// Force expiry and confirm the next load goes back to the store.
	src.mu.Lock()
	src.loadedAt = time.Now().Add(-2 * time.Minute)
	src.mu.Unlock()

	if _, err := src.Load(ctx); err != nil {
		t.Fatalf("load after expiry: %v", err)
	}
	if reader.calls != 2 {
		t.Fatalf("expected a second store read after expiry, got %d", reader.calls)
	}
}

func TestSettingsSourceInjectsEmbedModel(t *testing.T) {
	reader := &countingSettingsReader{settings: store.DefaultSettings()}
	src := &settingsSource{store: reader, ttl: time.Minute, embedModel: "text-embedding-3-large"}

	st, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	asg, ok := st.ModelAssignments[llm.PurposeEmbedding]
	if !ok {
		t.Fatal("expected an embedding assignment to be injected")
	}
	if asg.Provider != "openai" || asg.Model != "text-embedding-3-large" {
		t.Fatalf("unexpected assignment %+v", asg)
	}
}

func TestSettingsSourceKeepsStoredEmbedAssignment(t *testing.T) {
	settings := store.DefaultSettings()
	settings.ModelAssignments = map[string]store.ModelAssignment{
		llm.PurposeEmbedding: {Provider: "openai", Model: "custom-embedder"},
	}
	reader := &countingSettingsReader{settings: settings}
	src := &settingsSource{store: reader, ttl: time.Minute, embedModel: "text-embedding-3-large"}

	st, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := st.ModelAssignments[llm.PurposeEmbedding].Model; got != "custom-embedder" {
		t.Fatalf("stored assignment overwritten, got %q", got)
	}
}

func TestLLMClientFactorySelectsAdapter(t *testing.T) {
	factory := llmClientFactory(Config{})

	c, err := factory("anthropic", "key", "")
	if err != nil {
		t.Fatalf("anthropic: %v", err)
	}
	if _, ok := c.(*anthropic.Adapter); !ok {
		t.Fatalf("anthropic: got %T, want *anthropic.Adapter", c)
	}

	c, err = factory("openai", "key", "")
	if err != nil {
		t.Fatalf("openai: %v", err)
	}
	if _, ok := c.(*openaiclient.Client); !ok {
		t.Fatalf("openai: got %T, want *openaiclient.Client", c)
	}

	// Unknown providers are treated as OpenAI-compatible endpoints.
	c, err = factory("local-vllm", "key", "http://vllm:8000/v1")
	if err != nil {
		t.Fatalf("local-vllm: %v", err)
	}
	if _, ok := c.(*openaiclient.Client); !ok {
		t.Fatalf("local-vllm: got %T, want *openaiclient.Client", c)
	}
}

func chainIDs(providers []marketdata.Provider) []string {
	ids := make([]string, len(providers))
	for i, p := range providers {
		ids[i] = p.ID()
	}
	return ids
}

func TestBuildChainsFallbackOrder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &Server{cfg: Config{
		TiingoToken:  "tiingo-tok",
		TushareToken: "tushare-tok",
		AkshareURL:   "http://akshare:8100",
	}}

	chains := s.buildChains(logger)

	want := map[marketdata.Market][]string{
		marketdata.MarketUS:    {"yfinance", "tiingo"},
		marketdata.MarketHK:    {"akshare", "yfinance"},
		marketdata.MarketSH:    {"akshare", "tushare", "yfinance"},
		marketdata.MarketSZ:    {"akshare", "tushare", "yfinance"},
		marketdata.MarketMetal: {"yfinance"},
	}
	for market, wantIDs := range want {
		got := chainIDs(chains[market])
		if len(got) != len(wantIDs) {
			t.Errorf("%s: chain %v, want %v", market, got, wantIDs)
			continue
		}
		for i := range wantIDs {
			if got[i] != wantIDs[i] {
				t.Errorf("%s: chain %v, want %v", market, got, wantIDs)
				break
			}
		}
	}
}

func TestBuildChainsWithoutOptionalProviders(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &Server{cfg: Config{}}

	chains := s.buildChains(logger)

	for _, market := range []marketdata.Market{
		marketdata.MarketUS, marketdata.MarketHK, marketdata.MarketSH,
		marketdata.MarketSZ, marketdata.MarketMetal,
	} {
		ids := chainIDs(chains[market])
		if len(ids) != 1 || ids[0] != "yfinance" {
			t.Errorf("%s: chain %v, want just yfinance", market, ids)
		}
	}
}

func TestProbeTargets(t *testing.T) {
	s := &Server{cfg: Config{}}
	if got := s.probeTargets(); len(got) != 0 {
		t.Fatalf("expected no targets without sidecars, got %v", got)
	}

	s = &Server{cfg: Config{
		AkshareURL: "http://akshare:8100",
		BrowserURL: "http://browser:3000",
	}}
	targets := s.probeTargets()
	if len(targets) != 2 {
		t.Fatalf("expected two targets, got %v", targets)
	}
	if targets[0].ID != "akshare" || targets[0].URL != "http://akshare:8100/health" {
		t.Errorf("unexpected akshare target %+v", targets[0])
	}
	if targets[1].ID != "browser" || targets[1].URL != "http://browser:3000/health" {
		t.Errorf("unexpected browser target %+v", targets[1])
	}
}

func TestUsageObserverPublishesLLMEvent(t *testing.T) {
	registry := metrics.New()
	bus := events.NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	obs := usageObserver(registry, bus)

	articleID := int64(42)
	obs(store.UsageRecord{
		Purpose:      llm.PurposeLayer1Scoring,
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		CostUSD:      0.0031,
		LatencyMs:    850,
		Success:      true,
		CachedTokens: 128,
		ArticleID:    &articleID,
	})

	var e events.Event
	select {
	case e = <-sub.C:
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
	if e.Type != events.EventLLMCall {
		t.Fatalf("event type = %s, want llm_call", e.Type)
	}
	if e.Purpose != llm.PurposeLayer1Scoring || e.ProviderID != "openai" {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.ArticleID != 42 || e.CostUSD != 0.0031 || e.CacheRead != 128 {
		t.Fatalf("unexpected event payload %+v", e)
	}
	if e.ErrorKind != "" {
		t.Fatalf("success call carries error kind %q", e.ErrorKind)
	}

	got := testutil.ToFloat64(registry.LLMCalls.WithLabelValues(llm.PurposeLayer1Scoring, "openai", "ok"))
	if got != 1 {
		t.Fatalf("llm calls counter = %v, want 1", got)
	}
	cost := testutil.ToFloat64(registry.LLMCostUSD.WithLabelValues(llm.PurposeLayer1Scoring, "gpt-4o-mini"))
	if cost != 0.0031 {
		t.Fatalf("cost counter = %v, want 0.0031", cost)
	}
}

func TestUsageObserverMapsFailures(t *testing.T) {
	registry := metrics.New()
	bus := events.NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	usageObserver(registry, bus)(store.UsageRecord{
		Purpose:    llm.PurposeDeepFilter,
		Provider:   "anthropic",
		Model:      "claude-sonnet",
		Success:    false,
		ErrorClass: "rate_limited",
	})

	var e events.Event
	select {
	case e = <-sub.C:
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
	if e.ErrorKind != "rate_limited" {
		t.Fatalf("error kind = %q, want rate_limited", e.ErrorKind)
	}

	got := testutil.ToFloat64(registry.LLMCalls.WithLabelValues(llm.PurposeDeepFilter, "anthropic", "error"))
	if got != 1 {
		t.Fatalf("llm error counter = %v, want 1", got)
	}
}

type capturingWriter struct {
	points []store.MetricPoint
}

func (w *capturingWriter) InsertMetricPoints(ctx context.Context, points []store.MetricPoint) error {
	w.points = append(w.points, points...)
	return nil
}

func (w *capturingWriter) QueryMetricSeries(ctx context.Context, q store.SeriesQuery) ([]store.MetricPoint, error) {
	return nil, nil
}

func (w *capturingWriter) PruneMetricPoints(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func TestProviderObserverRecordsOutcomes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := metrics.New()
	writer := &capturingWriter{}
	recorder := tsdb.NewRecorder(writer, logger)

	obs := providerObserver(registry, recorder)

	obs("yfinance", "quote", 120, nil)
	obs("tiingo", "quote", 0, context.DeadlineExceeded)

	recorder.Flush(context.Background())

	if got := testutil.ToFloat64(registry.ProviderRequests.WithLabelValues("yfinance", "quote", "ok")); got != 1 {
		t.Fatalf("yfinance ok counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(registry.ProviderRequests.WithLabelValues("tiingo", "quote", "error")); got != 1 {
		t.Fatalf("tiingo error counter = %v, want 1", got)
	}

	if len(writer.points) != 1 {
		t.Fatalf("expected one latency point, got %d", len(writer.points))
	}
	p := writer.points[0]
	if p.Series != tsdb.SeriesProviderLatency+":yfinance" || p.Value != 120 || p.Labels != "quote" {
		t.Fatalf("unexpected point %+v", p)
	}
}
