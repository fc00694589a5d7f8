package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/marketwire/newspipe/internal/blobstore"
	"github.com/marketwire/newspipe/internal/circuitbreaker"
	"github.com/marketwire/newspipe/internal/embedding"
	"github.com/marketwire/newspipe/internal/events"
	"github.com/marketwire/newspipe/internal/fetch"
	"github.com/marketwire/newspipe/internal/llm"
	"github.com/marketwire/newspipe/internal/ratelimit"
	"github.com/marketwire/newspipe/internal/store"
)

// StageError is a failed stage run, classified for whoever settles it: the
// worker turns it into a task reschedule or failure, the workflow engine into
// a deterministic backoff or a terminal result. Its message is the underlying
// error's; the stage is already known to every caller.
type StageError struct {
	ArticleID  int64
	Symbol     string
	Stage      string
	Kind       string
	RetryAfter time.Duration
	Transient  bool
	Elapsed    time.Duration
	Err        error
}

func (e *StageError) Error() string { return e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// RunStage executes one stage against current article state and returns the
// next stage in the chain ("" when the chain ends here). Stage failures come
// back as *StageError. Three conditions return unwrapped so callers settle
// them their own way: ErrDisabled while the admin flag is off, ErrNotFound
// when retention already removed the article, and context.Canceled on
// shutdown. Anything else unclassified is an infrastructure error worth a
// plain retry.
func (p *Pipeline) RunStage(ctx context.Context, stage string, articleID int64) (string, error) {
	settings, err := p.settings(ctx)
	if err != nil {
		return "", err
	}
	if !settings.EnableLLMPipeline {
		return "", ErrDisabled
	}

	article, err := p.store.GetArticle(ctx, articleID)
	if err != nil {
		return "", err
	}

	start := p.nowFunc()
	p.publish(events.Event{
		Type: events.EventStageStarted, ArticleID: article.ID,
		Symbol: article.Symbol, Stage: stage,
	})

	var next string
	switch stage {
	case StageScore:
		next, err = p.runScoring(ctx, article, settings)
	case StageFetch:
		next, err = p.runFetch(ctx, article)
	case StageClean:
		next, err = p.runCleaning(ctx, article)
	case StageAnalyze:
		next, err = p.runAnalysis(ctx, article)
	case StageEmbed:
		next, err = p.runEmbedding(ctx, article)
	default:
		err = fmt.Errorf("%w: unknown stage %q", ErrInvariant, stage)
	}

	elapsed := p.nowFunc().Sub(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", context.Canceled
		}
		kind, retryAfter, transient := classify(err)
		return "", &StageError{
			ArticleID: article.ID, Symbol: article.Symbol, Stage: stage,
			Kind: kind, RetryAfter: retryAfter, Transient: transient,
			Elapsed: elapsed, Err: err,
		}
	}

	if p.metrics != nil {
		p.metrics.StageTotal.WithLabelValues(stage, "ok").Inc()
		p.metrics.StageLatency.WithLabelValues(stage).Observe(float64(elapsed.Milliseconds()))
	}
	p.publish(events.Event{
		Type: events.EventStageCompleted, ArticleID: article.ID,
		Symbol: article.Symbol, Stage: stage,
		LatencyMs: float64(elapsed.Milliseconds()),
	})
	return next, nil
}

// RecordStageFailure writes a classified failure onto the article. Transient
// failures only note the attempt, so the retried stage still passes its
// guards; terminal failures also move the status the stage owns.
func (p *Pipeline) RecordStageFailure(ctx context.Context, se *StageError) {
	if p.metrics != nil {
		p.metrics.StageTotal.WithLabelValues(se.Stage, "error").Inc()
	}
	p.publish(events.Event{
		Type: events.EventStageFailed, ArticleID: se.ArticleID,
		Symbol: se.Symbol, Stage: se.Stage,
		LatencyMs: float64(se.Elapsed.Milliseconds()),
		ErrorKind: se.Kind, ErrorMsg: se.Err.Error(),
	})

	update := store.FailureUpdate{ArticleID: se.ArticleID, Stage: se.Stage, Error: se.Err.Error()}
	if !se.Transient {
		switch se.Stage {
		case StageFetch:
			update.SetContentStatus = store.ContentFailed
		case StageEmbed:
			// Keep the article's keep verdict; embedding can re-run later.
		default:
			update.SetFilterFailed = true
		}
	}
	if merr := p.store.MarkStageFailed(ctx, update); merr != nil {
		p.logger.Error("record stage failure", "article_id", se.ArticleID, "error", merr)
	}
	if !se.Transient {
		p.logger.Warn("stage failed",
			"article_id", se.ArticleID, "stage", se.Stage, "kind", se.Kind, "error", se.Err.Error())
	}
}

// RunTask executes one claimed task to its commit boundary and settles the
// task row: complete on success (enqueueing the next stage), reschedule on
// transient trouble, fail on anything that needs an operator or a reprocess.
func (p *Pipeline) RunTask(ctx context.Context, task *store.Task) {
	next, err := p.RunStage(ctx, task.Stage, task.ArticleID)
	switch {
	case err == nil:
	case errors.Is(err, ErrDisabled):
		if perr := p.store.RetryTask(ctx, task.ID, "", p.nowFunc().UTC().Add(p.parkDelay)); perr != nil {
			p.logger.Error("park task", "task_id", task.ID, "error", perr)
		}
		return
	case errors.Is(err, store.ErrNotFound):
		// Retention removed the article; nothing left to do.
		_ = p.store.CompleteTask(ctx, task.ID)
		return
	case errors.Is(err, context.Canceled):
		// Worker shutdown mid-stage: return the task untouched.
		if rerr := p.store.RetryTask(context.WithoutCancel(ctx), task.ID, "", p.nowFunc().UTC()); rerr != nil {
			p.logger.Error("requeue on shutdown", "task_id", task.ID, "error", rerr)
		}
		return
	default:
		var se *StageError
		if !errors.As(err, &se) {
			p.logger.Error("stage infrastructure error, rescheduling task", "task_id", task.ID, "error", err)
			p.retry(ctx, task, err, 0)
			return
		}
		p.RecordStageFailure(ctx, se)
		if se.Transient {
			p.retry(ctx, task, se.Err, se.RetryAfter)
			return
		}
		if ferr := p.store.FailTask(ctx, task.ID, se.Err.Error()); ferr != nil {
			p.logger.Error("fail task", "task_id", task.ID, "error", ferr)
		}
		return
	}

	if next != "" {
		if _, err := p.store.EnqueueTask(ctx, task.ArticleID, next, p.nowFunc().UTC()); err != nil {
			// The stage committed; losing the chain link is recoverable by a
			// reprocess, but the task must not report success.
			p.retry(ctx, task, fmt.Errorf("enqueue %s: %w", next, err), 0)
			return
		}
	}
	if err := p.store.CompleteTask(ctx, task.ID); err != nil {
		p.logger.Error("complete task", "task_id", task.ID, "error", err)
	}
}

func (p *Pipeline) retry(ctx context.Context, task *store.Task, err error, retryAfter time.Duration) {
	delay := p.backoff(task.Attempts, retryAfter)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if p.metrics != nil {
		p.metrics.StageTotal.WithLabelValues(task.Stage, "retry").Inc()
	}
	if rerr := p.store.RetryTask(ctx, task.ID, msg, p.nowFunc().UTC().Add(delay)); rerr != nil {
		p.logger.Error("reschedule task", "task_id", task.ID, "error", rerr)
	}
}

// classify buckets an error for the queue: transient errors are worth a
// rescheduled attempt, the rest stop the task. The second return carries a
// provider-requested wait.
func classify(err error) (kind string, retryAfter time.Duration, transient bool) {
	var limited *ratelimit.LimitedError
	if errors.As(err, &limited) {
		return "rate_limited", limited.RetryAfter, true
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "circuit_open", 0, true
	}
	var ce *llm.ClassifiedError
	if errors.As(err, &ce) {
		switch ce.Class {
		case llm.ErrRateLimited:
			return "rate_limited", time.Duration(ce.RetryAfter) * time.Second, true
		case llm.ErrTimeout:
			return "provider_timeout", 0, false
		case llm.ErrContextOverflow:
			return "provider_error", 0, false
		case llm.ErrTransient:
			// The gateway already retried in-line; treat exhaustion as fatal
			// for this attempt.
			return "provider_error", 0, false
		default:
			return "provider_error", 0, false
		}
	}
	if errors.Is(err, ErrInvariant) {
		return "invariant", 0, false
	}
	if errors.Is(err, fetch.ErrNoContent) {
		return "fetch_failed", 0, false
	}
	if errors.Is(err, blobstore.ErrNotFound) {
		return "storage_error", 0, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "provider_timeout", 0, false
	}
	return "internal", 0, false
}

// --- Stage 1: layer-1 scoring ---

func (p *Pipeline) runScoring(ctx context.Context, a *store.Article, settings store.Settings) (string, error) {
	// Skip forward when a previous pass already scored this article.
	if a.FilterStatus != store.FilterPending &&
		!(a.FilterStatus == store.FilterFailed && a.ProcessingPath == "" && a.Score == 0) {
		switch a.FilterStatus {
		case store.FilterDelete:
			return "", nil
		default:
			return StageFetch, nil
		}
	}

	if err := p.acquire(FeatureAnalysis); err != nil {
		return "", err
	}

	user := fmt.Sprintf("Title: %s\nSource: %s\nPublished: %s\nSummary: %s",
		a.Title, orUnknown(a.Source), a.PublishedAt.UTC().Format("2006-01-02 15:04"), a.Summary)
	resp, err := p.gateway.Complete(ctx, llm.Call{
		Purpose:   llm.PurposeLayer1Scoring,
		ArticleID: &a.ID,
		Request: llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: scoringSystemPrompt},
				{Role: llm.RoleUser, Content: user},
			},
			MaxTokens:   400,
			Temperature: 0.1,
			JSONMode:    true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("layer1 scoring: %w", err)
	}
	total, critical, details, err := parseScore(resp.Content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	discard := settings.DiscardThreshold
	full := settings.FullAnalysisThreshold
	update := store.ScoringUpdate{
		ArticleID: a.ID, Score: total, IsCritical: critical, ScoreDetails: details,
	}
	var next string
	switch {
	case total < discard && !critical:
		update.FilterStatus = store.FilterDelete
	case total >= full || critical:
		update.FilterStatus = store.FilterUseful
		update.ProcessingPath = store.PathFullAnalysis
		next = StageFetch
	default:
		update.FilterStatus = store.FilterUncertain
		update.ProcessingPath = store.PathLightweight
		next = StageFetch
	}

	applied, err := p.store.SaveScoringResult(ctx, update)
	if err != nil {
		return "", fmt.Errorf("save scoring: %w", err)
	}
	if !applied {
		// Another worker got here first; follow whatever it decided.
		fresh, err := p.store.GetArticle(ctx, a.ID)
		if err != nil {
			return "", err
		}
		if fresh.FilterStatus == store.FilterDelete {
			return "", nil
		}
		return StageFetch, nil
	}

	if update.FilterStatus == store.FilterDelete {
		p.publish(events.Event{
			Type: events.EventArticleDiscarded, ArticleID: a.ID, Symbol: a.Symbol,
			Stage: StageScore, ErrorMsg: fmt.Sprintf("score %d below threshold %d", total, discard),
		})
		p.logger.Info("article discarded by scoring",
			"article_id", a.ID, "score", total, "discard_threshold", discard)
		return "", nil
	}
	p.logger.Info("article scored",
		"article_id", a.ID, "score", total, "is_critical", critical, "path", update.ProcessingPath)
	return next, nil
}

// --- Stage 2: content fetch ---

func (p *Pipeline) runFetch(ctx context.Context, a *store.Article) (string, error) {
	switch a.ContentStatus {
	case store.ContentFetched, store.ContentPartial, store.ContentEmbedded:
		return StageClean, nil
	}

	primary := p.sourceStrategies[a.Source]
	res, err := p.fetcher.Fetch(ctx, a.URL, primary)
	if err != nil {
		if p.metrics != nil {
			p.metrics.FetchTotal.WithLabelValues("all", "error").Inc()
		}
		return "", fmt.Errorf("fetch %s: %w", a.URL, err)
	}
	if p.metrics != nil {
		p.metrics.FetchTotal.WithLabelValues(res.SourceTag, "ok").Inc()
	}

	title := res.Title
	if title == "" {
		title = a.Title
	}
	doc := blobstore.Document{
		NewsID:    a.ID,
		Symbol:    a.Symbol,
		URL:       a.URL,
		Title:     title,
		FullText:  res.FullText,
		Authors:   res.Authors,
		Keywords:  res.Keywords,
		TopImage:  res.TopImage,
		Images:    fetch.ExtractImageURLs(res.HTML, a.URL, maxCleaningImages),
		Language:  res.Language,
		WordCount: res.WordCount,
		SourceTag: res.SourceTag,
		FetchedAt: p.nowFunc().UTC(),
	}
	path, err := p.blobs.Save(doc)
	if err != nil {
		return "", fmt.Errorf("save blob: %w", err)
	}

	applied, err := p.store.SaveFetchResult(ctx, store.FetchUpdate{
		ArticleID:    a.ID,
		ContentPath:  path,
		ContentChars: utf8.RuneCountInString(res.FullText),
		SourceTag:    res.SourceTag,
		Partial:      res.IsPartial,
	})
	if err != nil {
		return "", fmt.Errorf("save fetch: %w", err)
	}
	if !applied {
		p.logger.Warn("fetch result raced another worker", "article_id", a.ID)
	}
	p.logger.Info("content fetched",
		"article_id", a.ID, "strategy", res.SourceTag,
		"chars", utf8.RuneCountInString(res.FullText), "partial", res.IsPartial)
	return StageClean, nil
}

// --- Stage 3: layer-1.5 cleaning ---

const maxCleaningImages = 3

func (p *Pipeline) runCleaning(ctx context.Context, a *store.Article) (string, error) {
	if a.ContentStatus == store.ContentEmbedded {
		return StageAnalyze, nil
	}
	if a.ContentPath == "" {
		return "", fmt.Errorf("%w: article %d has no content path at cleaning", ErrInvariant, a.ID)
	}
	doc, err := p.blobs.Load(a.ContentPath)
	if err != nil {
		return "", fmt.Errorf("%w: load blob %s: %v", ErrInvariant, a.ContentPath, err)
	}
	if !doc.CleanedAt.IsZero() {
		return StageAnalyze, nil
	}

	if err := p.acquire(FeatureAnalysis); err != nil {
		return "", err
	}

	parts := []llm.ContentPart{{Type: llm.PartText, Text: doc.FullText}}
	for _, img := range p.encodeImages(ctx, doc.Images) {
		parts = append(parts, llm.ContentPart{Type: llm.PartImage, ImageURL: img})
	}
	resp, err := p.gateway.Complete(ctx, llm.Call{
		Purpose:   llm.PurposeContentCleaning,
		ArticleID: &a.ID,
		Request: llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: cleaningSystemPrompt},
				{Role: llm.RoleUser, Parts: parts},
			},
			MaxTokens:   8000,
			Temperature: 0,
			JSONMode:    true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("content cleaning: %w", err)
	}
	cleaned, err := parseCleaning(resp.Content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	// Over-cleaning guard: a result shorter than half the input means the
	// model dropped article body, not chrome.
	text := strings.TrimSpace(cleaned.CleanedText)
	kept := false
	if utf8.RuneCountInString(text) < utf8.RuneCountInString(doc.FullText)/2 {
		text = doc.FullText
		kept = true
	}

	doc.FullText = text
	doc.CleanedAt = p.nowFunc().UTC()
	if err := p.blobs.SaveAt(a.ContentPath, doc); err != nil {
		return "", fmt.Errorf("rewrite blob: %w", err)
	}

	applied, err := p.store.SaveCleaningResult(ctx, store.CleaningUpdate{
		ArticleID:     a.ID,
		ContentPath:   a.ContentPath,
		ContentChars:  utf8.RuneCountInString(text),
		ImageInsights: strings.TrimSpace(cleaned.ImageInsights),
		HasVisualData: cleaned.HasVisualData,
		Kept:          kept,
	})
	if err != nil {
		return "", fmt.Errorf("save cleaning: %w", err)
	}
	if !applied {
		p.logger.Warn("cleaning result raced another worker", "article_id", a.ID)
	}
	p.logger.Info("content cleaned",
		"article_id", a.ID, "kept_original", kept,
		"chars", utf8.RuneCountInString(text), "has_visual_data", cleaned.HasVisualData)
	return StageAnalyze, nil
}

// encodeImages downloads up to maxCleaningImages article images and returns
// them as data URIs for the multimodal call. Unreachable images are skipped;
// the cleaning call still runs on text alone.
func (p *Pipeline) encodeImages(ctx context.Context, urls []string) []string {
	var out []string
	for _, u := range urls {
		if len(out) == maxCleaningImages {
			break
		}
		uri, err := p.fetchImage(ctx, u)
		if err != nil {
			p.logger.Warn("skipping article image", "url", u, "error", err)
			continue
		}
		out = append(out, uri)
	}
	return out
}

func (p *Pipeline) fetchImage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxImageBytes))
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("empty image")
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// --- Stage 4: layer-2 classification ---

func (p *Pipeline) runAnalysis(ctx context.Context, a *store.Article) (string, error) {
	switch a.FilterStatus {
	case store.FilterKeep:
		return StageEmbed, nil
	case store.FilterDelete:
		return "", nil
	case store.FilterPending:
		return "", fmt.Errorf("%w: article %d reached layer 2 unscored", ErrInvariant, a.ID)
	}

	var (
		purpose     string
		system      string
		maxEntities int
		textLimit   int
		maxTokens   int
	)
	switch a.ProcessingPath {
	case store.PathFullAnalysis:
		purpose, system = llm.PurposeDeepFilter, deepFilterSystemPrompt
		maxEntities, textLimit, maxTokens = 8, deepFilterTextLimit, 4000
	case store.PathLightweight:
		purpose, system = llm.PurposeLightweightFilter, lightweightFilterSystemPrompt
		maxEntities, textLimit, maxTokens = 4, lightweightTextLimit, 1000
	default:
		return "", fmt.Errorf("%w: article %d has no processing path", ErrInvariant, a.ID)
	}

	doc, err := p.blobs.Load(a.ContentPath)
	if err != nil {
		return "", fmt.Errorf("%w: load blob %s: %v", ErrInvariant, a.ContentPath, err)
	}

	if err := p.acquire(FeatureAnalysis); err != nil {
		return "", err
	}

	user := fmt.Sprintf("Title: %s\nSymbol: %s\nPublished: %s\n\n%s",
		a.Title, orUnknown(a.Symbol), a.PublishedAt.UTC().Format("2006-01-02"),
		truncateRunes(doc.FullText, textLimit))
	if a.ImageInsights != "" {
		user += "\n\nChart and image findings:\n" + a.ImageInsights
	}
	resp, err := p.gateway.Complete(ctx, llm.Call{
		Purpose:   purpose,
		ArticleID: &a.ID,
		Request: llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: system},
				{Role: llm.RoleUser, Content: user},
			},
			MaxTokens:   maxTokens,
			Temperature: 0.2,
			JSONMode:    true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", purpose, err)
	}
	result, err := parseAnalysis(resp.Content, maxEntities)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	if result.Decision == store.FilterKeep {
		if len(result.Entities) == 0 || result.InvestmentSummary == "" {
			return "", fmt.Errorf("%w: keep verdict without entities or summary", ErrInvariant)
		}
		if a.ProcessingPath == store.PathFullAnalysis && strings.TrimSpace(result.AnalysisReport) == "" {
			return "", fmt.Errorf("%w: full analysis without a report", ErrInvariant)
		}
	}

	update := analysisUpdate(a.ID, purpose, result)
	applied, err := p.store.SaveAnalysisResult(ctx, update)
	if err != nil {
		return "", fmt.Errorf("save analysis: %w", err)
	}
	if !applied {
		fresh, err := p.store.GetArticle(ctx, a.ID)
		if err != nil {
			return "", err
		}
		if fresh.FilterStatus == store.FilterKeep {
			return StageEmbed, nil
		}
		return "", nil
	}

	if result.Decision == store.FilterDelete {
		p.publish(events.Event{
			Type: events.EventArticleDiscarded, ArticleID: a.ID, Symbol: a.Symbol,
			Stage: purpose, ErrorMsg: "layer 2 verdict: delete",
		})
		p.logger.Info("article discarded by layer 2", "article_id", a.ID, "purpose", purpose)
		return "", nil
	}
	p.logger.Info("article classified",
		"article_id", a.ID, "purpose", purpose,
		"sentiment", result.Sentiment, "primary_entity", update.PrimaryEntity)
	return StageEmbed, nil
}

// --- Stage 5: embedding ---

func (p *Pipeline) runEmbedding(ctx context.Context, a *store.Article) (string, error) {
	if a.ContentStatus == store.ContentEmbedded {
		return "", nil
	}
	doc, err := p.blobs.Load(a.ContentPath)
	if err != nil {
		return "", fmt.Errorf("%w: load blob %s: %v", ErrInvariant, a.ContentPath, err)
	}
	if strings.TrimSpace(doc.FullText) == "" {
		return "", fmt.Errorf("%w: article %d has empty text at embedding", ErrInvariant, a.ID)
	}

	if err := p.acquire(FeatureEmbedding); err != nil {
		return "", err
	}

	res, err := p.indexer.Store(ctx, embedding.SourceNews, a.ID, doc.FullText, a.Symbol)
	if err != nil {
		return "", err
	}
	applied, err := p.store.MarkEmbedded(ctx, a.ID, store.ContentEmbedded, res.ChunksStored)
	if err != nil {
		return "", fmt.Errorf("mark embedded: %w", err)
	}
	if !applied {
		p.logger.Warn("embedding raced another worker", "article_id", a.ID)
	}
	p.publish(events.Event{
		Type: events.EventArticleEmbedded, ArticleID: a.ID, Symbol: a.Symbol,
		Stage: StageEmbed, Model: res.Model,
	})
	p.logger.Info("article embedded",
		"article_id", a.ID, "chunks", res.ChunksStored, "model", res.Model)
	return "", nil
}
