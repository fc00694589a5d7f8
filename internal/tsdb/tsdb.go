// Package tsdb records operational time series (stage latency, LLM cost,
// provider latency) into the metric_points table. Unlike the in-memory stats
// collector, these series survive restarts and back the admin series endpoint.
package tsdb

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marketwire/newspipe/internal/events"
	"github.com/marketwire/newspipe/internal/store"
)

// Series name prefixes. The full series name is "<prefix>:<stage|purpose|provider>".
const (
	SeriesStageLatency    = "stage_latency"
	SeriesLLMCost         = "llm_cost"
	SeriesLLMLatency      = "llm_latency"
	SeriesProviderLatency = "provider_latency"
)

// Writer is the slice of the store the recorder needs.
type Writer interface {
	InsertMetricPoints(ctx context.Context, points []store.MetricPoint) error
	QueryMetricSeries(ctx context.Context, q store.SeriesQuery) ([]store.MetricPoint, error)
	PruneMetricPoints(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder buffers points and batch-writes them to the store. Writes are best
// effort: a failed flush drops the batch with a warning rather than blocking
// the pipeline.
type Recorder struct {
	store  Writer
	logger *slog.Logger

	retention  time.Duration
	bufMax     int
	flushEvery time.Duration

	mu  sync.Mutex
	buf []store.MetricPoint

	stop chan struct{}
	done chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithRetention sets how long points are kept. Zero disables pruning.
func WithRetention(d time.Duration) Option {
	return func(r *Recorder) { r.retention = d }
}

// WithBufferSize sets how many points accumulate before an immediate flush.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.bufMax = n
		}
	}
}

// WithFlushInterval sets how often the background flusher runs.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushEvery = d
		}
	}
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(st Writer, logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:      st,
		logger:     logger,
		retention:  7 * 24 * time.Hour,
		bufMax:     100,
		flushEvery: 15 * time.Second,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Write buffers a single point. The buffer flushes in the background, or
// immediately once bufMax points accumulate.
func (r *Recorder) Write(p store.MetricPoint) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	r.buf = append(r.buf, p)
	full := len(r.buf) >= r.bufMax
	r.mu.Unlock()
	if full {
		r.Flush(context.Background())
	}
}

// Observe converts a bus event into series points. Events without a numeric
// signal are ignored, so the recorder can be subscribed to the full stream.
func (r *Recorder) Observe(e events.Event) {
	switch e.Type {
	case events.EventStageCompleted:
		r.Write(store.MetricPoint{
			Series:    SeriesStageLatency + ":" + e.Stage,
			Timestamp: e.Timestamp,
			Value:     e.LatencyMs,
		})
	case events.EventLLMCall:
		if e.ErrorKind != "" {
			return
		}
		r.Write(store.MetricPoint{
			Series:    SeriesLLMLatency + ":" + e.Purpose,
			Timestamp: e.Timestamp,
			Value:     e.LatencyMs,
			Labels:    e.Model,
		})
		r.Write(store.MetricPoint{
			Series:    SeriesLLMCost + ":" + e.Purpose,
			Timestamp: e.Timestamp,
			Value:     e.CostUSD,
			Labels:    e.Model,
		})
	}
}

// Flush writes all buffered points to the store.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	buf := r.buf
	r.buf = nil
	r.mu.Unlock()
	if len(buf) == 0 {
		return
	}
	if err := r.store.InsertMetricPoints(ctx, buf); err != nil {
		r.logger.Warn("metric point flush failed, dropping batch",
			slog.Int("points", len(buf)),
			slog.String("error", err.Error()),
		)
	}
}

// Query returns points for one series, flushing the buffer first so recent
// writes are visible.
func (r *Recorder) Query(ctx context.Context, q store.SeriesQuery) ([]store.MetricPoint, error) {
	r.Flush(ctx)
	return r.store.QueryMetricSeries(ctx, q)
}

// Prune deletes points older than the retention period.
func (r *Recorder) Prune(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	return r.store.PruneMetricPoints(ctx, time.Now().Add(-r.retention))
}

// Start launches the background flusher. Retention pruning runs every six
// hours on the same goroutine.
func (r *Recorder) Start() {
	go r.run()
}

// Stop flushes outstanding points and waits for the background goroutine.
func (r *Recorder) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	flush := time.NewTicker(r.flushEvery)
	defer flush.Stop()
	prune := time.NewTicker(6 * time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-flush.C:
			r.Flush(context.Background())
		case <-prune.C:
			if n, err := r.Prune(context.Background()); err != nil {
				r.logger.Warn("metric point prune failed", slog.String("error", err.Error()))
			} else if n > 0 {
				r.logger.Info("pruned metric points", slog.Int64("removed", n))
			}
		case <-r.stop:
			r.Flush(context.Background())
			return
		}
	}
}
