package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PoolConfig configures the task worker pool.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration // sleep between claims when the queue is empty
	StaleAfter   time.Duration // running tasks older than this are requeued
	DrainTimeout time.Duration // how long Stop waits before cancelling in-flight stages
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      4,
		PollInterval: 2 * time.Second,
		StaleAfter:   10 * time.Minute,
		DrainTimeout: 30 * time.Second,
	}
}

// Pool claims queued tasks and runs them through the pipeline. Workers poll
// the store rather than holding subscriptions, so any number of processes can
// share one queue; FOR UPDATE SKIP LOCKED on the claim keeps them from
// colliding.
type Pool struct {
	pipe   *Pipeline
	cfg    PoolConfig
	logger *slog.Logger
	id     string

	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool over the pipeline.
func NewPool(pipe *Pipeline, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultPoolConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPoolConfig().PollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultPoolConfig().StaleAfter
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultPoolConfig().DrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Pool{
		pipe:   pipe,
		cfg:    cfg,
		logger: logger,
		id:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		stop:   make(chan struct{}),
	}
}

// Start launches the workers and the housekeeping loop.
func (w *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.runWorker(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}
	w.wg.Add(1)
	go w.housekeep(ctx)
	w.logger.Info("worker pool started",
		"workers", w.cfg.Workers, "pool_id", w.id, "poll_interval", w.cfg.PollInterval)
}

// Stop drains the pool: workers stop claiming immediately, in-flight stages
// get DrainTimeout to finish, then their contexts are cancelled and the
// interrupted tasks return to the queue.
func (w *Pool) Stop() {
	close(w.stop)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("drain timeout reached, cancelling in-flight tasks")
		w.cancel()
		<-done
	}
	w.cancel()
	w.logger.Info("worker pool stopped")
}

func (w *Pool) runWorker(ctx context.Context, workerID string) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		task, err := w.pipe.store.ClaimTask(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim task", "worker", workerID, "error", err)
			w.idle(w.cfg.PollInterval)
			continue
		}
		if task == nil {
			// Jitter the poll so workers don't thundering-herd the queue.
			w.idle(w.cfg.PollInterval + time.Duration(w.pipe.randFloat()*float64(w.cfg.PollInterval)))
			continue
		}
		w.pipe.RunTask(ctx, task)
	}
}

// housekeep requeues tasks abandoned by crashed workers and keeps the
// queue-depth gauge current.
func (w *Pool) housekeep(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		w.sweepOnce(ctx)
		select {
		case <-ticker.C:
		case <-w.stop:
			return
		}
	}
}

func (w *Pool) sweepOnce(ctx context.Context) {
	requeued, err := w.pipe.store.RequeueStaleTasks(ctx, w.cfg.StaleAfter)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("requeue stale tasks", "error", err)
		}
	} else if requeued > 0 {
		w.logger.Warn("requeued stale tasks", "count", requeued, "stale_after", w.cfg.StaleAfter)
	}

	if w.pipe.metrics != nil {
		queued, err := w.pipe.store.CountQueuedTasks(ctx)
		if err == nil {
			w.pipe.metrics.TasksQueued.Set(float64(queued))
		}
	}
}

func (w *Pool) idle(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.stop:
	}
}
