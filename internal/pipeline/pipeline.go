// Package pipeline runs the per-article enrichment state machine: layer-1
// relevance scoring, content fetch, layer-1.5 cleaning, layer-2
// classification, and embedding. Every stage commits its own transition
// before the next stage is enqueued, so a crash at any point resumes from the
// last committed state, and re-running a stage against already-advanced state
// is a no-op skip.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/marketwire/newspipe/internal/blobstore"
	"github.com/marketwire/newspipe/internal/embedding"
	"github.com/marketwire/newspipe/internal/events"
	"github.com/marketwire/newspipe/internal/fetch"
	"github.com/marketwire/newspipe/internal/llm"
	"github.com/marketwire/newspipe/internal/metrics"
	"github.com/marketwire/newspipe/internal/ratelimit"
	"github.com/marketwire/newspipe/internal/store"
)

// Task stages, in execution order. The layer-2 task resolves to the deep or
// lightweight filter at run time based on the article's processing path.
const (
	StageScore   = "layer1_scoring"
	StageFetch   = "content_fetch"
	StageClean   = "content_cleaning"
	StageAnalyze = "layer2_analysis"
	StageEmbed   = "embedding"
)

// Rate-limit features gating LLM spend.
const (
	FeatureAnalysis  = "analysis"
	FeatureEmbedding = "embedding"
)

// ErrInvariant marks states the pipeline should never reach: a keep verdict
// without entities, a fetched article without a blob. The article is marked
// failed rather than retried.
var ErrInvariant = errors.New("pipeline: invariant violated")

// ErrDisabled is returned by RunStage while the admin pipeline flag is off.
// Callers park the work and try again later.
var ErrDisabled = errors.New("pipeline: disabled by settings")

// ArticleRef is the scheduler's handle for one article to ingest. Replays of
// the same URL are deduplicated.
type ArticleRef struct {
	URL         string    `json:"url"`
	Symbol      string    `json:"symbol,omitempty"`
	Market      string    `json:"market,omitempty"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
}

// Validate rejects refs the pipeline cannot process.
func (r ArticleRef) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return errors.New("pipeline: article url required")
	}
	if !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
		return fmt.Errorf("pipeline: article url %q is not absolute", r.URL)
	}
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("pipeline: article title required")
	}
	return nil
}

// Store is the slice of the persistence layer the pipeline drives.
type Store interface {
	InsertArticle(ctx context.Context, a store.Article) (int64, bool, error)
	GetArticle(ctx context.Context, id int64) (*store.Article, error)

	SaveScoringResult(ctx context.Context, u store.ScoringUpdate) (bool, error)
	SaveFetchResult(ctx context.Context, u store.FetchUpdate) (bool, error)
	SaveCleaningResult(ctx context.Context, u store.CleaningUpdate) (bool, error)
	SaveAnalysisResult(ctx context.Context, u store.AnalysisUpdate) (bool, error)
	MarkEmbedded(ctx context.Context, articleID int64, status string, chunks int) (bool, error)
	MarkStageFailed(ctx context.Context, u store.FailureUpdate) error

	EnqueueTask(ctx context.Context, articleID int64, stage string, runAfter time.Time) (int64, error)
	ClaimTask(ctx context.Context, workerID string) (*store.Task, error)
	CompleteTask(ctx context.Context, taskID int64) error
	RetryTask(ctx context.Context, taskID int64, errMsg string, runAfter time.Time) error
	FailTask(ctx context.Context, taskID int64, errMsg string) error
	RequeueStaleTasks(ctx context.Context, olderThan time.Duration) (int64, error)
	CountQueuedTasks(ctx context.Context) (int64, error)

	PruneArticles(ctx context.Context, cutoff time.Time, limit int) ([]store.PrunedArticle, error)
}

// Gateway is the slice of the LLM gateway the stages call.
type Gateway interface {
	Complete(ctx context.Context, call llm.Call) (llm.Response, error)
}

// Fetcher retrieves article content through the strategy chain.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, primary fetch.Strategy) (*fetch.Result, error)
}

// Blobs is the document storage surface used for article text.
type Blobs interface {
	Save(doc blobstore.Document) (string, error)
	SaveAt(relPath string, doc blobstore.Document) error
	Load(relPath string) (blobstore.Document, error)
	Delete(relPath string) error
	CleanupBefore(cutoff time.Time) (int, error)
}

// Indexer writes article embeddings.
type Indexer interface {
	Store(ctx context.Context, sourceType string, sourceID int64, content, symbol string) (*embedding.StoreResult, error)
}

// SettingsFunc returns the live system settings; the pipeline reads it on
// every task so admin changes apply without restarts.
type SettingsFunc func(ctx context.Context) (store.Settings, error)

// StarterFunc hands a stage off to an external workflow engine instead of the
// internal task queue.
type StarterFunc func(ctx context.Context, articleID int64, symbol, stage string) error

// Pipeline owns the stage implementations. Workers call RunTask; the HTTP
// layer calls Enqueue.
type Pipeline struct {
	store    Store
	gateway  Gateway
	fetcher  Fetcher
	blobs    Blobs
	indexer  Indexer
	settings SettingsFunc
	starter  StarterFunc

	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.Registry
	http    *http.Client
	buckets map[string]*ratelimit.Bucket

	// sourceStrategies picks the primary fetch strategy per article source.
	sourceStrategies map[string]fetch.Strategy

	maxImageBytes int64
	parkDelay     time.Duration
	retryBase     time.Duration
	retryMax      time.Duration

	nowFunc   func() time.Time
	randFloat func() float64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithEvents attaches the event bus for stage transition events.
func WithEvents(bus *events.Bus) Option {
	return func(p *Pipeline) { p.bus = bus }
}

// WithMetrics attaches prometheus counters.
func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSettings attaches the live settings source.
func WithSettings(fn SettingsFunc) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.settings = fn
		}
	}
}

// WithBucket caps LLM spend for one feature. An exhausted bucket reschedules
// the task instead of calling the gateway.
func WithBucket(feature string, b *ratelimit.Bucket) Option {
	return func(p *Pipeline) { p.buckets[feature] = b }
}

// WithStarter routes new stage work to a workflow engine instead of the task
// queue. With a starter set, Enqueue and Requeue start workflows; stage
// execution still happens through RunStage from the workflow's activities.
func WithStarter(fn StarterFunc) Option {
	return func(p *Pipeline) { p.starter = fn }
}

// WithHTTPClient replaces the client used to download article images for the
// multimodal cleaning call.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Pipeline) {
		if hc != nil {
			p.http = hc
		}
	}
}

// WithSourceStrategies maps article sources to their primary fetch strategy.
// Unmapped sources start with the in-process HTML parser.
func WithSourceStrategies(m map[string]fetch.Strategy) Option {
	return func(p *Pipeline) {
		for k, v := range m {
			p.sourceStrategies[k] = v
		}
	}
}

// WithParkDelay sets how long tasks sleep while the pipeline flag is off.
func WithParkDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.parkDelay = d
		}
	}
}

// WithRetryBackoff sets the reschedule backoff bounds for transient failures.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(p *Pipeline) {
		if base > 0 {
			p.retryBase = base
		}
		if max > 0 {
			p.retryMax = max
		}
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(f func() time.Time) Option {
	return func(p *Pipeline) {
		if f != nil {
			p.nowFunc = f
		}
	}
}

// New wires a pipeline over its collaborators.
func New(st Store, gw Gateway, f Fetcher, blobs Blobs, ix Indexer, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:            st,
		gateway:          gw,
		fetcher:          f,
		blobs:            blobs,
		indexer:          ix,
		logger:           slog.Default(),
		http:             &http.Client{Timeout: 15 * time.Second},
		buckets:          map[string]*ratelimit.Bucket{},
		sourceStrategies: map[string]fetch.Strategy{},
		maxImageBytes:    2 << 20,
		parkDelay:        2 * time.Minute,
		retryBase:        15 * time.Second,
		retryMax:         5 * time.Minute,
		nowFunc:          time.Now,
		randFloat:        rand.Float64,
	}
	p.settings = func(ctx context.Context) (store.Settings, error) {
		return store.DefaultSettings(), nil
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue registers the article and queues its first stage. Replaying a URL
// returns the existing article; the queued task is deduplicated by the store.
func (p *Pipeline) Enqueue(ctx context.Context, ref ArticleRef) (int64, bool, error) {
	if err := ref.Validate(); err != nil {
		return 0, false, err
	}
	published := ref.PublishedAt
	if published.IsZero() {
		published = p.nowFunc().UTC()
	}
	symbol := strings.ToUpper(strings.TrimSpace(ref.Symbol))
	id, created, err := p.store.InsertArticle(ctx, store.Article{
		Title:       strings.TrimSpace(ref.Title),
		URL:         strings.TrimSpace(ref.URL),
		Source:      ref.Source,
		Symbol:      symbol,
		Market:      strings.ToUpper(strings.TrimSpace(ref.Market)),
		Summary:     ref.Summary,
		PublishedAt: published,
	})
	if err != nil {
		return 0, false, fmt.Errorf("pipeline: insert article: %w", err)
	}
	if err := p.Requeue(ctx, id, symbol, StageScore); err != nil {
		return id, created, fmt.Errorf("pipeline: enqueue task: %w", err)
	}
	if created {
		if p.metrics != nil {
			p.metrics.ArticlesIngested.WithLabelValues(orUnknown(ref.Source)).Inc()
		}
		p.publish(events.Event{
			Type: events.EventArticleEnqueued, ArticleID: id,
			Symbol: ref.Symbol, Market: ref.Market,
		})
		p.logger.Info("article enqueued", "article_id", id, "source", ref.Source, "symbol", ref.Symbol)
	}
	return id, created, nil
}

// Requeue schedules one stage for an existing article through the configured
// engine: the task queue by default, the workflow starter when one is set.
// The reprocess and content-backfill endpoints call it directly.
func (p *Pipeline) Requeue(ctx context.Context, articleID int64, symbol, stage string) error {
	if p.starter != nil {
		return p.starter(ctx, articleID, symbol, stage)
	}
	_, err := p.store.EnqueueTask(ctx, articleID, stage, p.nowFunc().UTC())
	return err
}

// acquire consumes one token from the feature's bucket when one is
// configured. Exhaustion surfaces as a rate-limit error so the worker
// reschedules rather than drops the task.
func (p *Pipeline) acquire(feature string) error {
	b, ok := p.buckets[feature]
	if !ok || b == nil {
		return nil
	}
	if !b.Acquire() {
		return &ratelimit.LimitedError{RetryAfter: b.RetryAfter()}
	}
	return nil
}

func (p *Pipeline) publish(e events.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}

// backoff grows exponentially with attempts, jittered, bounded by retryMax.
// A provider-supplied retry-after wins when it is longer.
func (p *Pipeline) backoff(attempts int, retryAfter time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		attempts = 16
	}
	d := p.retryBase << uint(attempts)
	if d > p.retryMax {
		d = p.retryMax
	}
	d += time.Duration(p.randFloat() * float64(d) * 0.25)
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
