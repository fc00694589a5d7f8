package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/marketwire/newspipe/internal/pipeline"
)

// actsRef is a nil *Activities pointer used to create bound method references
// for Temporal mock registration. The SDK only uses reflection to extract the
// method name — no actual method body runs.
var actsRef *Activities

func articleInput() ArticleWorkflowInput {
	return ArticleWorkflowInput{ArticleID: 42, Symbol: "ACME"}
}

func TestArticleWorkflow_RunsAllStages(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{Next: pipeline.StageFetch}, nil).Once()
	env.OnActivity(actsRef.FetchContent, mock.Anything, mock.Anything).
		Return(StageOutput{Next: pipeline.StageClean}, nil).Once()
	env.OnActivity(actsRef.CleanContent, mock.Anything, mock.Anything).
		Return(StageOutput{Next: pipeline.StageAnalyze}, nil).Once()
	env.OnActivity(actsRef.ClassifyArticle, mock.Anything, mock.Anything).
		Return(StageOutput{Next: pipeline.StageEmbed}, nil).Once()
	env.OnActivity(actsRef.EmbedArticle, mock.Anything, mock.Anything).
		Return(StageOutput{}, nil).Once()

	env.ExecuteWorkflow(ArticleWorkflow, articleInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ArticleWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, int64(42), result.ArticleID)
	require.Equal(t, 5, result.StagesRun)
	require.Equal(t, pipeline.StageEmbed, result.LastStage)

	env.AssertExpectations(t)
}

func TestArticleWorkflow_DiscardEndsChainEarly(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	// Scoring returned no next stage: the article was discarded. Later-stage
	// activities are deliberately not mocked; calling one fails the run.
	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{}, nil).Once()

	env.ExecuteWorkflow(ArticleWorkflow, articleInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ArticleWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, 1, result.StagesRun)
	require.Equal(t, pipeline.StageScore, result.LastStage)

	env.AssertExpectations(t)
}

func TestArticleWorkflow_ResumesFromGivenStage(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	// Started at cleaning, as the content backfill endpoint does. Scoring and
	// fetch are not mocked, so running them would fail the workflow.
	env.OnActivity(actsRef.CleanContent, mock.Anything, mock.Anything).
		Return(StageOutput{Next: pipeline.StageAnalyze}, nil).Once()
	env.OnActivity(actsRef.ClassifyArticle, mock.Anything, mock.Anything).
		Return(StageOutput{Next: pipeline.StageEmbed}, nil).Once()
	env.OnActivity(actsRef.EmbedArticle, mock.Anything, mock.Anything).
		Return(StageOutput{}, nil).Once()

	input := articleInput()
	input.Stage = pipeline.StageClean
	env.ExecuteWorkflow(ArticleWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ArticleWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, 3, result.StagesRun)

	env.AssertExpectations(t)
}

func TestArticleWorkflow_TransientFailureRetriesStage(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{
			Failed:            true,
			Transient:         true,
			RetryAfterSeconds: 60,
			ErrorKind:         "rate_limited",
			ErrorMsg:          "429 from provider",
			Symbol:            "ACME",
		}, nil).Once()
	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{Next: pipeline.StageFetch}, nil).Once()
	env.OnActivity(actsRef.FetchContent, mock.Anything, mock.Anything).
		Return(StageOutput{}, nil).Once()

	env.OnActivity(actsRef.RecordFailure, mock.Anything, mock.Anything).
		Return(nil).Once()

	start := env.Now()
	env.ExecuteWorkflow(ArticleWorkflow, articleInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	// The provider asked for 60s; the rescheduled attempt must wait at least
	// that long.
	require.GreaterOrEqual(t, env.Now().Sub(start), time.Minute)

	var result ArticleWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, 2, result.StagesRun)

	env.AssertExpectations(t)
}

func TestArticleWorkflow_TerminalFailureFailsRun(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{Next: pipeline.StageFetch}, nil).Once()
	env.OnActivity(actsRef.FetchContent, mock.Anything, mock.Anything).
		Return(StageOutput{
			Failed:    true,
			ErrorKind: "fetch_failed",
			ErrorMsg:  "no content extracted",
		}, nil).Once()
	env.OnActivity(actsRef.RecordFailure, mock.Anything, mock.Anything).
		Return(nil).Once()

	env.ExecuteWorkflow(ArticleWorkflow, articleInput())

	require.True(t, env.IsWorkflowCompleted())

	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "fetch_failed", appErr.Type())
	require.Contains(t, appErr.Error(), "no content extracted")

	env.AssertExpectations(t)
}

func TestArticleWorkflow_RecordFailureErrorDoesNotMaskVerdict(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{
			Failed:    true,
			ErrorKind: "invariant",
			ErrorMsg:  "keep verdict without entities or summary",
		}, nil).Once()
	env.OnActivity(actsRef.RecordFailure, mock.Anything, mock.Anything).
		Return(errors.New("database unavailable")).Once()

	env.ExecuteWorkflow(ArticleWorkflow, articleInput())

	require.True(t, env.IsWorkflowCompleted())

	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "invariant", appErr.Type())

	env.AssertExpectations(t)
}

func TestArticleWorkflow_InfrastructureErrorReplaysStage(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{}, errors.New("settings unavailable")).Once()
	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{}, nil).Once()

	env.ExecuteWorkflow(ArticleWorkflow, articleInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	env.AssertExpectations(t)
}

func TestArticleWorkflow_GivesUpAfterRepeatedTransientFailures(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	var stageCalls int
	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(func(context.Context, StageInput) (StageOutput, error) {
			stageCalls++
			return StageOutput{
				Failed:    true,
				Transient: true,
				ErrorKind: "circuit_open",
				ErrorMsg:  "provider circuit open",
			}, nil
		})
	env.OnActivity(actsRef.RecordFailure, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(ArticleWorkflow, articleInput())

	require.True(t, env.IsWorkflowCompleted())

	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "circuit_open", appErr.Type())
	require.Equal(t, maxStageAttempts, stageCalls)
}

func TestArticleWorkflow_DisabledParksThenResumes(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{Disabled: true}, nil).Once()
	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{}, nil).Once()

	start := env.Now()
	env.ExecuteWorkflow(ArticleWorkflow, articleInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.GreaterOrEqual(t, env.Now().Sub(start), parkDelay)
}

func TestArticleWorkflow_LongDisabledRunContinuesAsNew(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ScoreArticle, mock.Anything, mock.Anything).
		Return(StageOutput{Disabled: true}, nil)

	env.ExecuteWorkflow(ArticleWorkflow, articleInput())

	require.True(t, env.IsWorkflowCompleted())

	// The run hands off to a fresh execution rather than accumulating park
	// timers in history forever.
	err := env.GetWorkflowError()
	require.Error(t, err)
	require.True(t, workflow.IsContinueAsNewError(err))
}

func TestBackoffFor(t *testing.T) {
	require.Equal(t, 15*time.Second, backoffFor(1, 0))
	require.Equal(t, time.Minute, backoffFor(3, 0))
	// 15s << 9 is far past the ceiling.
	require.Equal(t, 5*time.Minute, backoffFor(10, 0))
	// A provider retry-after longer than the computed delay wins.
	require.Equal(t, 2*time.Minute, backoffFor(1, 2*time.Minute))
	require.Equal(t, time.Minute, backoffFor(3, time.Second))
}

func TestStageTimeout(t *testing.T) {
	require.Equal(t, 60*time.Second, stageTimeout(pipeline.StageScore))
	require.Equal(t, 90*time.Second, stageTimeout(pipeline.StageFetch))
	require.Equal(t, 2*time.Minute, stageTimeout(pipeline.StageClean))
	require.Equal(t, 3*time.Minute, stageTimeout(pipeline.StageAnalyze))
	require.Equal(t, 2*time.Minute, stageTimeout(pipeline.StageEmbed))
}
