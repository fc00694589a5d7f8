package temporal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/marketwire/newspipe/internal/pipeline"
	"github.com/marketwire/newspipe/internal/store"
)

// StageRunner is the slice of the pipeline the activities drive.
type StageRunner interface {
	RunStage(ctx context.Context, stage string, articleID int64) (string, error)
	RecordStageFailure(ctx context.Context, se *pipeline.StageError)
}

// Activities holds the dependencies Temporal activities execute against. The
// pipeline owns stage semantics, events, and metrics; activities translate
// its outcomes into workflow history.
type Activities struct {
	Pipeline StageRunner
	Logger   *slog.Logger
}

// ScoreArticle runs layer-1 relevance scoring.
func (a *Activities) ScoreArticle(ctx context.Context, in StageInput) (StageOutput, error) {
	return a.runStage(ctx, pipeline.StageScore, in.ArticleID)
}

// FetchContent retrieves the article body through the strategy chain.
func (a *Activities) FetchContent(ctx context.Context, in StageInput) (StageOutput, error) {
	return a.runStage(ctx, pipeline.StageFetch, in.ArticleID)
}

// CleanContent runs layer-1.5 cleaning over the fetched blob.
func (a *Activities) CleanContent(ctx context.Context, in StageInput) (StageOutput, error) {
	return a.runStage(ctx, pipeline.StageClean, in.ArticleID)
}

// ClassifyArticle runs the layer-2 deep or lightweight filter.
func (a *Activities) ClassifyArticle(ctx context.Context, in StageInput) (StageOutput, error) {
	return a.runStage(ctx, pipeline.StageAnalyze, in.ArticleID)
}

// EmbedArticle chunks, embeds, and indexes the article text.
func (a *Activities) EmbedArticle(ctx context.Context, in StageInput) (StageOutput, error) {
	return a.runStage(ctx, pipeline.StageEmbed, in.ArticleID)
}

// runStage executes one pipeline stage and folds its outcome into a
// StageOutput. Classified stage failures return in-band; everything else is
// infrastructure trouble that fails the activity, leaving the workflow to
// back off and replay the stage against its idempotent guards.
func (a *Activities) runStage(ctx context.Context, stage string, articleID int64) (StageOutput, error) {
	next, err := a.Pipeline.RunStage(ctx, stage, articleID)
	switch {
	case err == nil:
		return StageOutput{Next: next}, nil
	case errors.Is(err, pipeline.ErrDisabled):
		return StageOutput{Disabled: true}, nil
	case errors.Is(err, store.ErrNotFound):
		// Retention removed the article; the run is over.
		a.logger().Info("article removed mid-run", "article_id", articleID, "stage", stage)
		return StageOutput{}, nil
	default:
		var se *pipeline.StageError
		if errors.As(err, &se) {
			return StageOutput{
				Failed:            true,
				Transient:         se.Transient,
				RetryAfterSeconds: int(se.RetryAfter / time.Second),
				ErrorKind:         se.Kind,
				ErrorMsg:          se.Err.Error(),
				Symbol:            se.Symbol,
				ElapsedMs:         se.Elapsed.Milliseconds(),
			}, nil
		}
		return StageOutput{}, err
	}
}

// RecordFailure writes a classified stage failure onto the article row,
// flipping the status the stage owns when the failure is terminal.
func (a *Activities) RecordFailure(ctx context.Context, in RecordFailureInput) error {
	a.Pipeline.RecordStageFailure(ctx, &pipeline.StageError{
		ArticleID: in.ArticleID,
		Symbol:    in.Symbol,
		Stage:     in.Stage,
		Kind:      in.Kind,
		Transient: in.Transient,
		Elapsed:   time.Duration(in.ElapsedMs) * time.Millisecond,
		Err:       errors.New(in.ErrorMsg),
	})
	return nil
}

func (a *Activities) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
