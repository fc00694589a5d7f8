// Package httpapi exposes the read API consumed by downstream services and
// the admin surface used by operators and newspipectl. Handlers are thin:
// they validate input, call one collaborator and shape the response. All
// errors leave as {"error": {"kind": ..., "message": ...}} envelopes.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marketwire/newspipe/internal/blobstore"
	"github.com/marketwire/newspipe/internal/embedding"
	"github.com/marketwire/newspipe/internal/events"
	"github.com/marketwire/newspipe/internal/health"
	"github.com/marketwire/newspipe/internal/idempotency"
	"github.com/marketwire/newspipe/internal/marketdata"
	"github.com/marketwire/newspipe/internal/metrics"
	"github.com/marketwire/newspipe/internal/pipeline"
	"github.com/marketwire/newspipe/internal/ratelimit"
	"github.com/marketwire/newspipe/internal/stats"
	"github.com/marketwire/newspipe/internal/store"
	"github.com/marketwire/newspipe/internal/tsdb"
	"github.com/marketwire/newspipe/internal/vault"
)

// Enqueuer is the slice of the pipeline the API schedules work through.
type Enqueuer interface {
	Enqueue(ctx context.Context, ref pipeline.ArticleRef) (int64, bool, error)
	Requeue(ctx context.Context, articleID int64, symbol, stage string) error
}

// Searcher answers hybrid retrieval queries over indexed articles.
type Searcher interface {
	HybridSearch(ctx context.Context, query string, k int) ([]embedding.SearchResult, error)
}

// Blobs is the read side of the article content store.
type Blobs interface {
	Load(relPath string) (blobstore.Document, error)
}

type Dependencies struct {
	Store    store.Store
	Blobs    Blobs
	Pipeline Enqueuer
	Search   Searcher
	Markets  *marketdata.Router
	Health   *health.Tracker
	EventBus *events.Bus
	Stats    *stats.Collector
	Series   *tsdb.Recorder
	Metrics  *metrics.Registry
	Vault    *vault.Box

	// AdminToken guards /admin/v1; nil leaves the admin surface open
	// (tests, local development).
	AdminToken *AdminToken

	// Limiter throttles /v1 per client IP when set.
	Limiter *ratelimit.SlidingWindow

	// Idempotency replays cached responses for repeated POST /v1/articles.
	Idempotency *idempotency.Cache

	Logger *slog.Logger
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthzHandler(d))

	r.Route("/v1", func(r chi.Router) {
		if d.Metrics != nil {
			r.Use(observeRequests(d.Metrics))
		}
		if d.Limiter != nil {
			var throttled prometheus.Counter
			if d.Metrics != nil {
				throttled = d.Metrics.HTTPThrottled
			}
			r.Use(d.Limiter.Middleware("v1", throttled))
		}

		r.Get("/news", NewsListHandler(d))
		r.Get("/news/{id}", NewsGetHandler(d))
		r.Get("/news/{id}/content", NewsContentHandler(d))
		r.Get("/search", SearchHandler(d))

		r.Get("/quotes/{market}/{symbol}", QuoteHandler(d))
		r.Get("/history/{market}/{symbol}", HistoryHandler(d))
		r.Get("/info/{market}/{symbol}", InfoHandler(d))
		r.Get("/financials/{market}/{symbol}", FinancialsHandler(d))
		r.Get("/markets/{market}/search", MarketSearchHandler(d))

		if d.Idempotency != nil {
			r.With(idempotency.Middleware(d.Idempotency)).Post("/articles", ArticleEnqueueHandler(d))
		} else {
			r.Post("/articles", ArticleEnqueueHandler(d))
		}
	})

	r.Route("/admin/v1", func(r chi.Router) {
		if d.AdminToken != nil {
			r.Use(RequireAdmin(d.AdminToken, d.logger()))
		}

		r.Get("/settings", SettingsGetHandler(d))
		r.Put("/settings", SettingsPutHandler(d))
		r.Get("/pricing", PricingListHandler(d))
		r.Post("/pricing", PricingUpsertHandler(d))
		r.Get("/costs/summary", CostsSummaryHandler(d))
		r.Get("/costs/daily", CostsDailyHandler(d))
		r.Get("/costs/purposes", CostsPurposesHandler(d))
		r.Get("/usage", UsageListHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/series", SeriesHandler(d))
		r.Get("/providers/health", ProviderHealthHandler(d))
		r.Get("/news/{id}/events", NewsEventsHandler(d))
		r.Post("/news/{id}/reprocess", ReprocessHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// HealthzHandler reports liveness plus queue depth. The store round-trip
// doubles as the database reachability probe.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		queued, err := d.Store.CountQueuedTasks(ctx)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
		if d.Metrics != nil {
			d.Metrics.TasksQueued.Set(float64(queued))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"queued_tasks": queued,
		})
	}
}
