package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/marketwire/newspipe/internal/pipeline"
)

const (
	// maxStageAttempts bounds replays of a single stage, transient failures
	// and infrastructure errors alike. Past it the workflow gives up and
	// surfaces the last error; the article row keeps the failure trail.
	maxStageAttempts = 10

	// maxParks bounds timer events while the pipeline flag is off; the run
	// then continues as new so workflow history stays small however long the
	// flag stays down.
	maxParks = 100

	retryBase = 15 * time.Second
	retryMax  = 5 * time.Minute
	parkDelay = 2 * time.Minute
)

// stageTimeout is the activity budget for one stage. The LLM gateway applies
// tighter per-call deadlines inside it; the activity budget adds room for
// image downloads, blob IO, and the database commit around the call.
func stageTimeout(stage string) time.Duration {
	switch stage {
	case pipeline.StageFetch:
		return 90 * time.Second
	case pipeline.StageClean:
		return 2 * time.Minute
	case pipeline.StageAnalyze:
		return 3 * time.Minute
	case pipeline.StageEmbed:
		return 2 * time.Minute
	default:
		return 60 * time.Second
	}
}

// ArticleWorkflow drives one article through the enrichment chain, one
// activity per stage. Stage state lives in the articles table and every
// stage skips forward over work a previous attempt committed, so the
// workflow only decides what runs next and how long to wait — never what
// the article's state is.
func ArticleWorkflow(ctx workflow.Context, input ArticleWorkflowInput) (ArticleWorkflowResult, error) {
	stage := input.Stage
	if stage == "" {
		stage = pipeline.StageScore
	}
	result := ArticleWorkflowResult{ArticleID: input.ArticleID}

	attempts := 0
	parks := 0
	for stage != "" {
		ao := workflow.ActivityOptions{
			StartToCloseTimeout: stageTimeout(stage),
			RetryPolicy: &temporal.RetryPolicy{
				MaximumAttempts: 1, // the workflow owns retry pacing
			},
		}
		actx := workflow.WithActivityOptions(ctx, ao)

		var out StageOutput
		err := workflow.ExecuteActivity(actx, stageActivity(stage), StageInput{ArticleID: input.ArticleID}).Get(actx, &out)
		if err != nil {
			// Infrastructure trouble: settings or database down, worker lost
			// mid-stage. Back off and replay the same stage.
			attempts++
			if attempts >= maxStageAttempts {
				return result, err
			}
			if serr := workflow.Sleep(ctx, backoffFor(attempts, 0)); serr != nil {
				return result, serr
			}
			continue
		}

		switch {
		case out.Disabled:
			parks++
			if parks >= maxParks {
				return result, workflow.NewContinueAsNewError(ctx, ArticleWorkflow, ArticleWorkflowInput{
					ArticleID: input.ArticleID, Symbol: input.Symbol, Stage: stage,
				})
			}
			if serr := workflow.Sleep(ctx, parkDelay); serr != nil {
				return result, serr
			}
			continue

		case out.Failed:
			symbol := out.Symbol
			if symbol == "" {
				symbol = input.Symbol
			}
			rec := RecordFailureInput{
				ArticleID: input.ArticleID, Symbol: symbol, Stage: stage,
				Kind: out.ErrorKind, ErrorMsg: out.ErrorMsg,
				Transient: out.Transient, ElapsedMs: out.ElapsedMs,
			}
			if rerr := workflow.ExecuteActivity(actx, (*Activities).RecordFailure, rec).Get(actx, nil); rerr != nil {
				workflow.GetLogger(ctx).Warn("record failure activity failed",
					"article_id", input.ArticleID, "stage", stage, "error", rerr)
			}
			if !out.Transient {
				return result, temporal.NewApplicationError(out.ErrorMsg, out.ErrorKind)
			}
			attempts++
			if attempts >= maxStageAttempts {
				return result, temporal.NewApplicationError(out.ErrorMsg, out.ErrorKind)
			}
			retryAfter := time.Duration(out.RetryAfterSeconds) * time.Second
			if serr := workflow.Sleep(ctx, backoffFor(attempts, retryAfter)); serr != nil {
				return result, serr
			}
			continue
		}

		result.StagesRun++
		result.LastStage = stage
		stage = out.Next
		attempts = 0
	}
	return result, nil
}

// backoffFor grows exponentially with attempts, bounded by retryMax. A
// provider-supplied retry-after wins when it is longer. No jitter: the value
// must come out identical on history replay.
func backoffFor(attempts int, retryAfter time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		attempts = 16
	}
	d := retryBase << uint(attempts-1)
	if d > retryMax {
		d = retryMax
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// stageActivity maps a stage name onto its activity method.
func stageActivity(stage string) any {
	switch stage {
	case pipeline.StageFetch:
		return (*Activities).FetchContent
	case pipeline.StageClean:
		return (*Activities).CleanContent
	case pipeline.StageAnalyze:
		return (*Activities).ClassifyArticle
	case pipeline.StageEmbed:
		return (*Activities).EmbedArticle
	default:
		return (*Activities).ScoreArticle
	}
}
