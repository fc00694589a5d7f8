package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweeperConfig configures the retention sweeper.
type SweeperConfig struct {
	Schedule  string // six-field cron spec (with seconds)
	BatchSize int    // articles pruned per store round-trip
}

// DefaultSweeperConfig runs retention nightly at 03:30.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:  "0 30 3 * * *",
		BatchSize: 500,
	}
}

// SweepReport summarises one retention pass.
type SweepReport struct {
	Cutoff          time.Time `json:"cutoff"`
	ArticlesPruned  int       `json:"articles_pruned"`
	BlobsDeleted    int       `json:"blobs_deleted"`
	OrphansRemoved  int       `json:"orphans_removed"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Sweeper prunes articles past their retention window, along with their
// content blobs, embeddings, tasks, and events. Embeddings, tasks, and events
// go with the article row via the store's cascade; blobs are removed here.
type Sweeper struct {
	pipe   *Pipeline
	cfg    SweeperConfig
	logger *slog.Logger
	cron   *cron.Cron
}

// NewSweeper creates a retention sweeper on the pipeline's store and blobs.
func NewSweeper(pipe *Pipeline, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweeperConfig().Schedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweeperConfig().BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		pipe:   pipe,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(cron.WithSeconds()),
	}
}

// Start schedules the nightly sweep. The schedule is validated here, so a bad
// spec fails at startup rather than silently never running.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		report, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("retention sweep failed", "error", err)
			return
		}
		s.logger.Info("retention sweep finished",
			"cutoff", report.Cutoff.Format("2006-01-02"),
			"articles_pruned", report.ArticlesPruned,
			"blobs_deleted", report.BlobsDeleted,
			"orphans_removed", report.OrphansRemoved,
			"duration_s", report.DurationSeconds)
	})
	if err != nil {
		return fmt.Errorf("sweeper schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("retention sweeper started", "schedule", s.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce executes one full retention pass. It is also called directly by the
// admin API for on-demand sweeps.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	start := s.pipe.nowFunc()

	settings, err := s.pipe.settings(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("load settings: %w", err)
	}
	if settings.RetentionDays <= 0 {
		s.logger.Info("retention disabled, skipping sweep")
		return SweepReport{}, nil
	}
	cutoff := s.pipe.nowFunc().UTC().AddDate(0, 0, -settings.RetentionDays)
	report := SweepReport{Cutoff: cutoff}

	for {
		pruned, err := s.pipe.store.PruneArticles(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("prune articles: %w", err)
		}
		report.ArticlesPruned += len(pruned)
		for _, p := range pruned {
			if p.ContentPath == "" {
				continue
			}
			if err := s.pipe.blobs.Delete(p.ContentPath); err != nil {
				// The blob outlives the row; the orphan cleanup below or the
				// next sweep picks it up.
				s.logger.Warn("delete blob", "path", p.ContentPath, "error", err)
				continue
			}
			report.BlobsDeleted++
		}
		if len(pruned) < s.cfg.BatchSize {
			break
		}
	}

	// Orphaned blob directories: articles deleted by hand, or Delete failures
	// from earlier sweeps.
	orphans, err := s.pipe.blobs.CleanupBefore(cutoff)
	if err != nil {
		s.logger.Warn("cleanup blob directories", "error", err)
	}
	report.OrphansRemoved = orphans
	report.DurationSeconds = s.pipe.nowFunc().Sub(start).Seconds()
	return report, nil
}
