// Package app loads configuration and assembles the service: store, cache,
// blob store, LLM gateway, enrichment pipeline, market-data router, and the
// HTTP API, plus the background loops (workers or Temporal, retention sweep,
// health probes, metric recording) that keep it running.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/marketwire/newspipe/internal/blobstore"
	"github.com/marketwire/newspipe/internal/cache"
	"github.com/marketwire/newspipe/internal/embedding"
	"github.com/marketwire/newspipe/internal/events"
	"github.com/marketwire/newspipe/internal/fetch"
	"github.com/marketwire/newspipe/internal/health"
	"github.com/marketwire/newspipe/internal/httpapi"
	"github.com/marketwire/newspipe/internal/idempotency"
	"github.com/marketwire/newspipe/internal/llm"
	"github.com/marketwire/newspipe/internal/llm/anthropic"
	"github.com/marketwire/newspipe/internal/llm/openaiclient"
	"github.com/marketwire/newspipe/internal/logging"
	"github.com/marketwire/newspipe/internal/marketdata"
	"github.com/marketwire/newspipe/internal/marketdata/akshare"
	"github.com/marketwire/newspipe/internal/marketdata/tiingo"
	"github.com/marketwire/newspipe/internal/marketdata/tushare"
	"github.com/marketwire/newspipe/internal/marketdata/yfinance"
	"github.com/marketwire/newspipe/internal/metrics"
	"github.com/marketwire/newspipe/internal/pipeline"
	"github.com/marketwire/newspipe/internal/ratelimit"
	"github.com/marketwire/newspipe/internal/stats"
	"github.com/marketwire/newspipe/internal/store"
	"github.com/marketwire/newspipe/internal/temporal"
	"github.com/marketwire/newspipe/internal/tracing"
	"github.com/marketwire/newspipe/internal/tsdb"
	"github.com/marketwire/newspipe/internal/vault"
)

// Idempotency replay cache bounds for POST /v1/articles.
const (
	idempotencyTTL     = 24 * time.Hour
	idempotencyEntries = 4096
)

// settingsTTL is how long system settings are served from memory before the
// next read goes back to the database. Admin updates take effect within this
// window on every replica.
const settingsTTL = 15 * time.Second

type Server struct {
	cfg    Config
	logger *slog.Logger

	r *chi.Mux

	store    *store.PostgresStore
	rdb      redis.UniversalClient
	bus      *events.Bus
	registry *metrics.Registry
	stats    *stats.Collector
	recorder *tsdb.Recorder
	tracker  *health.Tracker
	prober   *health.Prober
	gateway  *llm.Gateway
	pipe     *pipeline.Pipeline
	pool     *pipeline.Pool
	sweeper  *pipeline.Sweeper
	workflow *temporal.Manager
	idem     *idempotency.Cache
	markets  *marketdata.Router

	httpSrv       *http.Server
	traceShutdown func(context.Context) error

	started      bool
	observerStop chan struct{}
	observerDone chan struct{}
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)
	ctx := context.Background()

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTLPEndpoint != "",
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "newspipe",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	blobs, err := blobstore.New(cfg.BlobDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	box, err := vault.New(logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := events.NewBus()
	registry := metrics.New()
	coll := stats.NewCollector()
	recorder := tsdb.NewRecorder(db, logger)
	tracker := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))

	settings := &settingsSource{
		store:      db,
		ttl:        settingsTTL,
		embedModel: cfg.EmbedModel,
	}

	gateway := llm.NewGateway(db, llmClientFactory(cfg),
		llm.WithLogger(logger),
		llm.WithSettings(settings.Load),
		llm.WithUnseal(box.Open),
		llm.WithEmbeddingDimensions(cfg.EmbedDimensions),
		llm.WithUsageObserver(usageObserver(registry, bus)),
	)

	fetchOpts := []fetch.Option{}
	if cfg.BrowserURL != "" {
		fetchOpts = append(fetchOpts, fetch.WithBrowserService(cfg.BrowserURL))
	}
	if cfg.ExtractAPIURL != "" {
		fetchOpts = append(fetchOpts, fetch.WithExtractAPI(cfg.ExtractAPIURL, cfg.ExtractAPIKey))
	}
	fetcher := fetch.New(logger, fetchOpts...)

	indexer := embedding.NewIndexer(db, gateway, embedding.WithLogger(logger))

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		store:         db,
		rdb:           rdb,
		bus:           bus,
		registry:      registry,
		stats:         coll,
		recorder:      recorder,
		tracker:       tracker,
		gateway:       gateway,
		traceShutdown: traceShutdown,
		observerStop:  make(chan struct{}),
		observerDone:  make(chan struct{}),
	}

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithEvents(bus),
		pipeline.WithMetrics(registry),
		pipeline.WithSettings(settings.Load),
		pipeline.WithBucket(pipeline.FeatureAnalysis,
			ratelimit.NewBucket(cfg.RateAnalysisPerMin/60, cfg.RateAnalysisBurst)),
		pipeline.WithBucket(pipeline.FeatureEmbedding,
			ratelimit.NewBucket(cfg.RateEmbedPerMin/60, cfg.RateEmbedBurst)),
	}
	if cfg.PipelineEngine == EngineTemporal {
		// The manager needs the pipeline's activities and the pipeline needs
		// the manager as its starter; the closure resolves the cycle since
		// workflows only start after both exist.
		pipeOpts = append(pipeOpts, pipeline.WithStarter(
			func(ctx context.Context, articleID int64, symbol, stage string) error {
				return s.workflow.StartArticle(ctx, articleID, symbol, stage)
			}))
	}
	pipe := pipeline.New(db, gateway, fetcher, blobs, indexer, pipeOpts...)
	s.pipe = pipe

	switch cfg.PipelineEngine {
	case EngineTemporal:
		mgr, err := temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, &temporal.Activities{Pipeline: pipe, Logger: logger})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("temporal: %w", err)
		}
		s.workflow = mgr
		logger.Info("pipeline engine: temporal",
			slog.String("host", cfg.TemporalHostPort),
			slog.String("task_queue", cfg.TemporalTaskQueue))
	default:
		s.pool = pipeline.NewPool(pipe, pipeline.PoolConfig{Workers: cfg.Workers}, logger)
		logger.Info("pipeline engine: worker pool", slog.Int("workers", cfg.Workers))
	}

	sweeperCfg := pipeline.DefaultSweeperConfig()
	if cfg.RetentionCron != "" {
		sweeperCfg.Schedule = cfg.RetentionCron
	}
	s.sweeper = pipeline.NewSweeper(pipe, sweeperCfg, logger)

	quoteCache := cache.New(rdb, logger, cache.WithObserver(func(op string) {
		registry.CacheOps.WithLabelValues(op).Inc()
	}))
	s.markets = marketdata.NewRouter(s.buildChains(logger), logger,
		marketdata.WithCache(quoteCache),
		marketdata.WithHealth(tracker),
		marketdata.WithEventBus(bus),
		marketdata.WithObserver(providerObserver(registry, recorder)),
		marketdata.WithQuoteTTL(cfg.QuoteTTL),
		marketdata.WithHistoryTTL(cfg.HistoryTTL),
	)

	s.prober = health.NewProber(health.DefaultProberConfig(), tracker, s.probeTargets(), logger)

	s.idem = idempotency.New(idempotencyTTL, idempotencyEntries)

	adminToken, err := httpapi.NewAdminToken(cfg.AdminToken, cfg.DataDir, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	allowedOrigins := cfg.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Store:       db,
		Blobs:       blobs,
		Pipeline:    pipe,
		Search:      indexer,
		Markets:     s.markets,
		Health:      tracker,
		EventBus:    bus,
		Stats:       coll,
		Series:      recorder,
		Metrics:     registry,
		Vault:       box,
		AdminToken:  adminToken,
		Limiter:     ratelimit.NewSlidingWindow(rdb, cfg.RateHTTPLimit, cfg.RateHTTPWindow, logger),
		Idempotency: s.idem,
		Logger:      logger,
	})
	s.r = r

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.observeEvents()
	return s, nil
}

// Router returns the assembled HTTP handler.
func (s *Server) Router() http.Handler { return s.r }

// Start launches the background components and serves HTTP until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.recorder.Start()
	s.prober.Start()
	if err := s.sweeper.Start(); err != nil {
		return fmt.Errorf("retention sweeper: %w", err)
	}
	if s.pool != nil {
		s.pool.Start()
	}
	if s.workflow != nil {
		if err := s.workflow.Start(); err != nil {
			return fmt.Errorf("temporal worker: %w", err)
		}
	}
	s.started = true

	s.logger.Info("listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server, stops the background components in
// reverse dependency order, and closes the store. Valid once Start is
// serving; component stops are skipped when Start never got that far.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		firstErr = err
	}

	if s.started {
		if s.pool != nil {
			s.pool.Stop()
		}
		if s.workflow != nil {
			s.workflow.Stop()
		}
		s.sweeper.Stop()
		s.prober.Stop()
	}

	close(s.observerStop)
	<-s.observerDone

	if s.started {
		s.recorder.Stop()
	}
	s.idem.Stop()

	if err := s.traceShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.rdb.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.store.Close()
	return firstErr
}

// observeEvents fans bus events into the rolling stats collector and the
// metric series recorder.
func (s *Server) observeEvents() {
	defer close(s.observerDone)
	sub := s.bus.Subscribe(256)
	defer s.bus.Unsubscribe(sub)
	for {
		select {
		case e := <-sub.C:
			s.stats.Observe(e)
			s.recorder.Observe(e)
		case <-s.observerStop:
			return
		}
	}
}

// buildChains assembles the per-market provider fallback chains from the
// configured credentials and sidecars. Yahoo Finance is the universal
// fallback; AKShare leads for mainland China and Hong Kong when its sidecar
// is configured, with Tushare between them for the mainland when a token is
// present. Tiingo backs up the US chain.
func (s *Server) buildChains(logger *slog.Logger) map[marketdata.Market][]marketdata.Provider {
	cfg := s.cfg

	yahooUS := yfinance.New(logger)
	chains := map[marketdata.Market][]marketdata.Provider{
		marketdata.MarketUS:    {yahooUS},
		marketdata.MarketMetal: {yahooUS},
		marketdata.MarketHK:    {},
		marketdata.MarketSH:    {},
		marketdata.MarketSZ:    {},
	}
	if cfg.TiingoToken != "" {
		chains[marketdata.MarketUS] = append(chains[marketdata.MarketUS],
			tiingo.New(cfg.TiingoToken, logger))
	}

	if cfg.AkshareURL != "" {
		chains[marketdata.MarketHK] = append(chains[marketdata.MarketHK],
			akshare.New(cfg.AkshareURL, marketdata.MarketHK, logger))
		chains[marketdata.MarketSH] = append(chains[marketdata.MarketSH],
			akshare.New(cfg.AkshareURL, marketdata.MarketSH, logger))
		chains[marketdata.MarketSZ] = append(chains[marketdata.MarketSZ],
			akshare.New(cfg.AkshareURL, marketdata.MarketSZ, logger))
	}
	if cfg.TushareToken != "" {
		ts := tushare.New(cfg.TushareToken, logger)
		chains[marketdata.MarketSH] = append(chains[marketdata.MarketSH], ts)
		chains[marketdata.MarketSZ] = append(chains[marketdata.MarketSZ], ts)
	}
	chains[marketdata.MarketHK] = append(chains[marketdata.MarketHK],
		yfinance.New(logger, yfinance.WithSymbolSuffix(".HK")))
	chains[marketdata.MarketSH] = append(chains[marketdata.MarketSH],
		yfinance.New(logger, yfinance.WithSymbolSuffix(".SS")))
	chains[marketdata.MarketSZ] = append(chains[marketdata.MarketSZ],
		yfinance.New(logger, yfinance.WithSymbolSuffix(".SZ")))

	return chains
}

// probeTargets lists the HTTP sidecars worth probing. The external market
// APIs are exercised (and health-tracked) by real traffic instead.
func (s *Server) probeTargets() []health.Target {
	var targets []health.Target
	if s.cfg.AkshareURL != "" {
		targets = append(targets, health.Target{ID: "akshare", URL: s.cfg.AkshareURL + "/health"})
	}
	if s.cfg.BrowserURL != "" {
		targets = append(targets, health.Target{ID: "browser", URL: s.cfg.BrowserURL + "/health"})
	}
	return targets
}

// llmClientFactory builds provider clients for the gateway. Anthropic gets
// its native adapter; everything else is treated as an OpenAI-compatible
// endpoint, which covers OpenAI itself plus self-hosted gateways behind a
// base URL override.
func llmClientFactory(cfg Config) llm.ClientFactory {
	return func(provider, apiKey, baseURL string) (llm.Completer, error) {
		switch provider {
		case "anthropic":
			if baseURL == "" {
				baseURL = cfg.AnthropicBaseURL
			}
			return anthropic.New(provider, apiKey, baseURL), nil
		default:
			if baseURL == "" {
				baseURL = cfg.OpenAIBaseURL
			}
			return openaiclient.New(provider, apiKey, baseURL), nil
		}
	}
}

// usageObserver feeds every recorded LLM call into Prometheus and onto the
// event bus, where the stats collector, series recorder, and SSE clients
// pick it up.
func usageObserver(registry *metrics.Registry, bus *events.Bus) func(store.UsageRecord) {
	return func(rec store.UsageRecord) {
		status := "ok"
		errorKind := ""
		if !rec.Success {
			status = "error"
			errorKind = rec.ErrorClass
			if errorKind == "" {
				errorKind = "error"
			}
		}
		registry.LLMCalls.WithLabelValues(rec.Purpose, rec.Provider, status).Inc()
		if rec.CostUSD > 0 {
			registry.LLMCostUSD.WithLabelValues(rec.Purpose, rec.Model).Add(rec.CostUSD)
		}

		e := events.Event{
			Type:       events.EventLLMCall,
			Purpose:    rec.Purpose,
			ProviderID: rec.Provider,
			Model:      rec.Model,
			LatencyMs:  float64(rec.LatencyMs),
			CostUSD:    rec.CostUSD,
			ErrorKind:  errorKind,
			CacheRead:  rec.CachedTokens,
		}
		if rec.ArticleID != nil {
			e.ArticleID = *rec.ArticleID
		}
		bus.Publish(e)
	}
}

// providerObserver bridges market-data router outcomes into Prometheus and
// the latency series store.
func providerObserver(registry *metrics.Registry, recorder *tsdb.Recorder) func(string, string, float64, error) {
	return func(providerID, op string, latencyMs float64, err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		registry.ProviderRequests.WithLabelValues(providerID, op, status).Inc()
		if err == nil {
			recorder.Write(store.MetricPoint{
				Series:    tsdb.SeriesProviderLatency + ":" + providerID,
				Timestamp: time.Now().UTC(),
				Value:     latencyMs,
				Labels:    op,
			})
		}
	}
}

// settingsReader is the slice of the store the settings cache needs.
type settingsReader interface {
	GetSettings(ctx context.Context) (*store.Settings, error)
}

// settingsSource serves system settings from a short-lived memory copy so
// pipeline stages and gateway calls do not each round-trip the database. Its
// Load method satisfies both pipeline.SettingsFunc and llm.SettingsFunc.
type settingsSource struct {
	store      settingsReader
	ttl        time.Duration
	embedModel string

	mu       sync.Mutex
	cached   store.Settings
	loadedAt time.Time
}

func (s *settingsSource) Load(ctx context.Context) (store.Settings, error) {
	s.mu.Lock()
	if !s.loadedAt.IsZero() && time.Since(s.loadedAt) < s.ttl {
		out := s.cached
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	st, err := s.store.GetSettings(ctx)
	if err != nil {
		return store.Settings{}, err
	}
	out := *st
	if s.embedModel != "" {
		if _, ok := out.ModelAssignments[llm.PurposeEmbedding]; !ok {
			m := make(map[string]store.ModelAssignment, len(out.ModelAssignments)+1)
			for k, v := range out.ModelAssignments {
				m[k] = v
			}
			m[llm.PurposeEmbedding] = store.ModelAssignment{Provider: "openai", Model: s.embedModel}
			out.ModelAssignments = m
		}
	}

	s.mu.Lock()
	s.cached = out
	s.loadedAt = time.Now()
	s.mu.Unlock()
	return out, nil
}
