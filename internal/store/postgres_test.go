package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// testStore opens the database named by TEST_DATABASE_URL and resets all
// tables. Tests are skipped when no database is configured.
func testStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, err = s.pool.Exec(ctx, `TRUNCATE news, document_embeddings, llm_usage_records,
		model_pricing, pipeline_events, pipeline_tasks, system_settings, vault_blob,
		metric_points RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func insertTestArticle(t *testing.T, s *PostgresStore, url string) int64 {
	t.Helper()
	id, created, err := s.InsertArticle(context.Background(), Article{
		Title:       "ACME Q3 earnings beat expectations",
		URL:         url,
		Source:      "newswire",
		Symbol:      "ACME",
		Market:      "US",
		Summary:     "Feed-provided recap of the quarter.",
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert article: %v", err)
	}
	if !created {
		t.Fatalf("article %s should be new", url)
	}
	return id
}

func TestMigrate_RecordsVersions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// testStore already migrated once; a second run must be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	var version int
	if err := s.pool.QueryRow(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("schema version = %d, want %d", version, len(migrations))
	}
}

func TestInsertArticle_DeduplicatesByURL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := insertTestArticle(t, s, "https://example.com/acme-q3")

	id, created, err := s.InsertArticle(ctx, Article{
		Title:       "Different title, same link",
		URL:         "https://example.com/acme-q3",
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatal("second insert should report an existing row")
	}
	if id != first {
		t.Fatalf("expected id %d, got %d", first, id)
	}
}

func TestGetArticle_NotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetArticle(context.Background(), 99999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestArticleLifecycle_Transitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := insertTestArticle(t, s, "https://example.com/lifecycle")

	// Layer 1 scoring: pending -> useful, routed to full analysis.
	applied, err := s.SaveScoringResult(ctx, ScoringUpdate{
		ArticleID: id, Score: 230, IsCritical: false, FilterStatus: FilterUseful,
		ProcessingPath: PathFullAnalysis,
		ScoreDetails:   json.RawMessage(`{"market_impact":80,"verifiability":75,"timeliness":75}`),
	})
	if err != nil || !applied {
		t.Fatalf("scoring: applied=%v err=%v", applied, err)
	}

	// A replayed scoring must be a no-op.
	applied, err = s.SaveScoringResult(ctx, ScoringUpdate{
		ArticleID: id, Score: 10, FilterStatus: FilterDelete,
	})
	if err != nil {
		t.Fatalf("replayed scoring: %v", err)
	}
	if applied {
		t.Fatal("replayed scoring should be skipped by the status guard")
	}

	// Fetch: pending -> fetched.
	applied, err = s.SaveFetchResult(ctx, FetchUpdate{
		ArticleID: id, ContentPath: "2025/08/25/ACME/1.json", ContentChars: 4000, SourceTag: "browser",
	})
	if err != nil || !applied {
		t.Fatalf("fetch: applied=%v err=%v", applied, err)
	}

	// Cleaning keeps content_status at fetched.
	applied, err = s.SaveCleaningResult(ctx, CleaningUpdate{
		ArticleID: id, ContentPath: "2025/08/25/ACME/1.json", ContentChars: 3500,
		ImageInsights: "Chart shows Q3 revenue of $4.2B, up 18% YoY.", HasVisualData: true,
	})
	if err != nil || !applied {
		t.Fatalf("cleaning: applied=%v err=%v", applied, err)
	}

	// Analysis: useful -> keep.
	applied, err = s.SaveAnalysisResult(ctx, AnalysisUpdate{
		ArticleID: id, Stage: "deep_filter", FilterStatus: FilterKeep,
		Sentiment: "bullish",
		Entities: []Entity{
			{Entity: "ACME Corp", Type: EntityStock, Score: 0.92},
			{Entity: "semiconductor demand", Type: EntityMacro, Score: 0.4},
		},
		PrimaryEntity: "ACME Corp", PrimaryEntityType: EntityStock, MaxEntityScore: 0.92,
		HasStockEntities: true, HasMacroEntities: true,
		IndustryTags:      []string{"semiconductors"},
		EventTags:         []string{"earnings"},
		InvestmentSummary: "Strong quarter.",
	})
	if err != nil || !applied {
		t.Fatalf("analysis: applied=%v err=%v", applied, err)
	}

	// Embedding: fetched -> embedded.
	applied, err = s.MarkEmbedded(ctx, id, ContentEmbedded, 5)
	if err != nil || !applied {
		t.Fatalf("embed: applied=%v err=%v", applied, err)
	}

	a, err := s.GetArticle(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.FilterStatus != FilterKeep {
		t.Errorf("filter_status = %s, want keep", a.FilterStatus)
	}
	if a.ContentStatus != ContentEmbedded {
		t.Errorf("content_status = %s, want embedded", a.ContentStatus)
	}
	if a.Score != 230 || a.ProcessingPath != PathFullAnalysis {
		t.Errorf("scoring fields not persisted: score=%d path=%s", a.Score, a.ProcessingPath)
	}
	if a.Sentiment != "bullish" || a.PrimaryEntity != "ACME Corp" {
		t.Errorf("analysis fields not persisted: %+v", a)
	}
	if a.PrimaryEntityType != EntityStock || a.MaxEntityScore != 0.92 {
		t.Errorf("entity rollups not persisted: type=%s score=%f", a.PrimaryEntityType, a.MaxEntityScore)
	}
	if !a.HasStockEntities || !a.HasMacroEntities {
		t.Errorf("entity flags not persisted: stock=%t macro=%t", a.HasStockEntities, a.HasMacroEntities)
	}
	if a.ImageInsights == "" || !a.HasVisualData {
		t.Errorf("image insights not persisted: %q visual=%t", a.ImageInsights, a.HasVisualData)
	}
	var entities []Entity
	if err := json.Unmarshal(a.RelatedEntities, &entities); err != nil || len(entities) != 2 {
		t.Errorf("related entities not persisted: %s err=%v", a.RelatedEntities, err)
	}

	// Every transition leaves an event trail.
	events, err := s.ListPipelineEvents(ctx, id, 50)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
}

func TestSaveAnalysisResult_DeleteVerdict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := insertTestArticle(t, s, "https://example.com/model-discard")

	if _, err := s.SaveScoringResult(ctx, ScoringUpdate{
		ArticleID: id, Score: 150, FilterStatus: FilterUncertain, ProcessingPath: PathLightweight,
	}); err != nil {
		t.Fatalf("score: %v", err)
	}

	applied, err := s.SaveAnalysisResult(ctx, AnalysisUpdate{
		ArticleID: id, Stage: "lightweight_filter", FilterStatus: FilterDelete,
		Sentiment: "neutral",
	})
	if err != nil || !applied {
		t.Fatalf("analysis: applied=%v err=%v", applied, err)
	}

	a, _ := s.GetArticle(ctx, id)
	if a.FilterStatus != FilterDelete {
		t.Errorf("filter_status = %s, want delete", a.FilterStatus)
	}
}

func TestSaveAnalysisResult_RejectsUnknownVerdict(t *testing.T) {
	s := testStore(t)
	id := insertTestArticle(t, s, "https://example.com/bad-verdict")

	_, err := s.SaveAnalysisResult(context.Background(), AnalysisUpdate{
		ArticleID: id, Stage: "deep_filter", FilterStatus: "maybe",
	})
	if err == nil {
		t.Fatal("expected an error for a verdict outside keep/delete")
	}
}

func TestMarkStageFailed_IncrementsFailureCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := insertTestArticle(t, s, "https://example.com/fails")

	err := s.MarkStageFailed(ctx, FailureUpdate{
		ArticleID: id, Stage: "content_fetch", Error: "all strategies failed",
		SetContentStatus: ContentFailed,
	})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	a, _ := s.GetArticle(ctx, id)
	if a.FailureCount != 1 {
		t.Errorf("failure_count = %d, want 1", a.FailureCount)
	}
	if a.ContentStatus != ContentFailed {
		t.Errorf("content_status = %s, want failed", a.ContentStatus)
	}
	if a.LastError != "all strategies failed" {
		t.Errorf("last_error = %q", a.LastError)
	}
}

// --- Task queue ---

func TestTaskQueue_ClaimLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := insertTestArticle(t, s, "https://example.com/task")

	taskID, err := s.EnqueueTask(ctx, id, "layer1_scoring", time.Time{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Duplicate enqueue returns the active task.
	dupID, err := s.EnqueueTask(ctx, id, "layer1_scoring", time.Time{})
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if dupID != taskID {
		t.Fatalf("expected existing task %d, got %d", taskID, dupID)
	}

	task, err := s.ClaimTask(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil || task.ID != taskID {
		t.Fatalf("expected task %d, got %+v", taskID, task)
	}
	if task.Status != TaskRunning || task.ClaimedBy != "worker-1" {
		t.Fatalf("claim did not mark running: %+v", task)
	}

	// Queue is now empty for other workers.
	other, err := s.ClaimTask(ctx, "worker-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if other != nil {
		t.Fatalf("expected empty queue, got %+v", other)
	}

	if err := s.CompleteTask(ctx, taskID); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestTaskQueue_RetryHonorsRunAfter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := insertTestArticle(t, s, "https://example.com/retry")

	taskID, _ := s.EnqueueTask(ctx, id, "content_fetch", time.Time{})
	task, _ := s.ClaimTask(ctx, "worker-1")
	if task == nil {
		t.Fatal("expected a task")
	}

	// Retry far in the future: not claimable now.
	if err := s.RetryTask(ctx, taskID, "fetch timeout", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if task, _ := s.ClaimTask(ctx, "worker-1"); task != nil {
		t.Fatalf("task should not be claimable before run_after, got %+v", task)
	}

	// Retry in the past: claimable immediately with attempts counted.
	if err := s.RetryTask(ctx, taskID, "fetch timeout", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	task, _ = s.ClaimTask(ctx, "worker-1")
	if task == nil {
		t.Fatal("task should be claimable after run_after")
	}
	if task.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", task.Attempts)
	}
}

func TestTaskQueue_RequeueStaleTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := insertTestArticle(t, s, "https://example.com/stale")

	if _, err := s.EnqueueTask(ctx, id, "content_fetch", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, _ := s.ClaimTask(ctx, "worker-crashed")
	if task == nil {
		t.Fatal("expected a task")
	}

	// A freshly claimed task is not stale.
	n, err := s.RequeueStaleTasks(ctx, time.Hour)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 0 {
		t.Fatalf("requeued %d tasks, want 0", n)
	}

	time.Sleep(50 * time.Millisecond)
	n, err = s.RequeueStaleTasks(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d tasks, want 1", n)
	}

	reclaimed, _ := s.ClaimTask(ctx, "worker-2")
	if reclaimed == nil || reclaimed.ID != task.ID {
		t.Fatalf("stale task should be claimable again, got %+v", reclaimed)
	}
}

func TestTaskQueue_CountQueued(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := insertTestArticle(t, s, "https://example.com/count-a")
	b := insertTestArticle(t, s, "https://example.com/count-b")

	if _, err := s.EnqueueTask(ctx, a, "layer1_scoring", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.EnqueueTask(ctx, b, "layer1_scoring", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := s.CountQueuedTasks(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("queued = %d, want 2", n)
	}

	if task, _ := s.ClaimTask(ctx, "worker-1"); task == nil {
		t.Fatal("expected a claimable task")
	}
	n, _ = s.CountQueuedTasks(ctx)
	if n != 1 {
		t.Fatalf("queued after claim = %d, want 1", n)
	}
}

// --- Usage and pricing ---

func TestUsageAndCostAggregates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := insertTestArticle(t, s, "https://example.com/usage")

	operator := "ops@example.com"
	base := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
	records := []UsageRecord{
		{CreatedAt: base, Purpose: "layer1_scoring", Provider: "openai", Model: "gpt-4o-mini",
			PromptTokens: 900, CompletionTokens: 100, TotalTokens: 1000, CostUSD: 0.002, LatencyMs: 800, Success: true, ArticleID: &id},
		{CreatedAt: base.Add(time.Hour), Purpose: "deep_filter", Provider: "openai", Model: "gpt-4o",
			PromptTokens: 4000, CompletionTokens: 900, TotalTokens: 4900, CostUSD: 0.05, LatencyMs: 9000, Success: true, ArticleID: &id,
			UserID: &operator, Metadata: json.RawMessage(`{"trigger":"reprocess"}`)},
		{CreatedAt: base.Add(25 * time.Hour), Purpose: "embedding", Provider: "openai", Model: "text-embedding-3-small",
			PromptTokens: 1200, TotalTokens: 1200, CostUSD: 0.0001, LatencyMs: 300, Success: false, ErrorClass: "transient"},
	}
	for _, r := range records {
		if _, err := s.InsertUsageRecord(ctx, r); err != nil {
			t.Fatalf("insert usage: %v", err)
		}
	}

	window := CostQuery{From: base.Add(-time.Hour), To: base.Add(48 * time.Hour)}

	sum, err := s.CostSummary(ctx, window)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalCalls != 3 {
		t.Errorf("calls = %d, want 3", sum.TotalCalls)
	}
	if diff := sum.TotalCostUSD - 0.0521; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %f, want 0.0521", sum.TotalCostUSD)
	}

	deepOnly := window
	deepOnly.Purpose = "deep_filter"
	sum, err = s.CostSummary(ctx, deepOnly)
	if err != nil {
		t.Fatalf("purpose summary: %v", err)
	}
	if sum.TotalCalls != 1 || sum.TotalCostUSD != 0.05 {
		t.Errorf("purpose filter not applied: %+v", sum)
	}

	daily, err := s.DailyCosts(ctx, window)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if len(daily) != 2 {
		t.Fatalf("expected 2 days, got %d", len(daily))
	}

	byPurpose, err := s.PurposeCosts(ctx, window)
	if err != nil {
		t.Fatalf("purposes: %v", err)
	}
	if len(byPurpose) != 3 {
		t.Fatalf("expected 3 purposes, got %d", len(byPurpose))
	}
	if byPurpose[0].Purpose != "deep_filter" {
		t.Errorf("purposes should be ordered by spend, got %s first", byPurpose[0].Purpose)
	}

	byModel, err := s.ListUsageRecords(ctx, ListUsageParams{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("list by model: %v", err)
	}
	if len(byModel) != 1 {
		t.Fatalf("expected 1 gpt-4o record, got %d", len(byModel))
	}
	if byModel[0].UserID == nil || *byModel[0].UserID != operator {
		t.Errorf("user id not persisted: %v", byModel[0].UserID)
	}
	var meta map[string]string
	if err := json.Unmarshal(byModel[0].Metadata, &meta); err != nil || meta["trigger"] != "reprocess" {
		t.Errorf("metadata not persisted: %s err=%v", byModel[0].Metadata, err)
	}
}

func TestPricingFor_PicksLatestEffectiveRow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rows := []ModelPricing{
		{Model: "gpt-4o", InputPer1M: 5.0, OutputPer1M: 15.0, EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Model: "gpt-4o", InputPer1M: 2.5, OutputPer1M: 10.0, EffectiveFrom: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, p := range rows {
		if err := s.UpsertModelPricing(ctx, p); err != nil {
			t.Fatalf("upsert pricing: %v", err)
		}
	}

	p, err := s.PricingFor(ctx, "gpt-4o", time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("pricing for march: %v", err)
	}
	if p.InputPer1M != 5.0 {
		t.Errorf("march call should use january pricing, got %f", p.InputPer1M)
	}

	p, err = s.PricingFor(ctx, "gpt-4o", time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("pricing for august: %v", err)
	}
	if p.InputPer1M != 2.5 {
		t.Errorf("august call should use june pricing, got %f", p.InputPer1M)
	}

	if _, err := s.PricingFor(ctx, "gpt-4o", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)); !errors.Is(err, ErrNotFound) {
		t.Errorf("calls before any pricing row should return ErrNotFound, got %v", err)
	}
}

// --- Embeddings ---

func testVector(seed float32) []float32 {
	v := make([]float32, 1536)
	for i := range v {
		v[i] = seed
	}
	v[0] = 1
	return v
}

func TestReplaceEmbeddings_SwapsChunks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := insertTestArticle(t, s, "https://example.com/embed")

	err := s.ReplaceEmbeddings(ctx, "news", id, []EmbeddingChunk{
		{ChunkIndex: 0, Text: "single chunk", Embedding: testVector(0.1)},
	})
	if err != nil {
		t.Fatalf("first replace: %v", err)
	}
	if n, _ := s.CountEmbeddings(ctx, "news", id); n != 1 {
		t.Fatalf("expected 1 chunk, got %d", n)
	}

	err = s.ReplaceEmbeddings(ctx, "news", id, []EmbeddingChunk{
		{ChunkIndex: 0, Text: "chunk a", Embedding: testVector(0.1)},
		{ChunkIndex: 1, Text: "chunk b", Embedding: testVector(0.2)},
		{ChunkIndex: 2, Text: "chunk c", Embedding: testVector(0.3)},
	})
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if n, _ := s.CountEmbeddings(ctx, "news", id); n != 3 {
		t.Fatalf("expected 3 chunks after replacement, got %d", n)
	}
}

func TestVectorAndKeywordSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := insertTestArticle(t, s, "https://example.com/search")

	err := s.ReplaceEmbeddings(ctx, "news", id, []EmbeddingChunk{
		{ChunkIndex: 0, Text: "ACME semiconductor earnings beat estimates", Embedding: testVector(0.9)},
		{ChunkIndex: 1, Text: "unrelated weather report for the weekend", Embedding: testVector(-0.9)},
	})
	if err != nil {
		t.Fatalf("index: %v", err)
	}

	hits, err := s.VectorSearch(ctx, testVector(0.9), 2)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ChunkIndex != 0 {
		t.Errorf("closest vector should rank first, got chunk %d", hits[0].ChunkIndex)
	}

	kw, err := s.KeywordSearch(ctx, "semiconductor earnings", 5)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(kw) == 0 {
		t.Fatal("keyword search should match the earnings chunk")
	}
	if kw[0].SourceID != id {
		t.Errorf("unexpected hit: %+v", kw[0])
	}
}

// --- Settings ---

func TestSettings_DefaultsWhenUnset(t *testing.T) {
	s := testStore(t)
	st, err := s.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.DiscardThreshold != 105 || st.FullAnalysisThreshold != 195 {
		t.Errorf("unexpected default thresholds: %+v", st)
	}
	if !st.EnableLLMPipeline {
		t.Error("pipeline should default to enabled")
	}
}

func TestSettings_LegacyThresholdsScaled(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Rows written on the legacy 0-100 scale.
	err := s.SaveSettings(ctx, Settings{
		EnableLLMPipeline: true, DiscardThreshold: 35, FullAnalysisThreshold: 65,
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	st, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.DiscardThreshold != 105 {
		t.Errorf("discard = %d, want 105", st.DiscardThreshold)
	}
	if st.FullAnalysisThreshold != 195 {
		t.Errorf("full analysis = %d, want 195", st.FullAnalysisThreshold)
	}
}

func TestSettings_RoundtripAssignments(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	in := Settings{
		EnableLLMPipeline: false, DiscardThreshold: 120, FullAnalysisThreshold: 210,
		RetentionDays: 14,
		ModelAssignments: map[string]ModelAssignment{
			"deep_filter": {Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		},
		ProviderCredentials: map[string]string{"openai": "sealed:abc"},
	}
	if err := s.SaveSettings(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	st, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.EnableLLMPipeline {
		t.Error("pipeline should be disabled")
	}
	if st.ModelAssignments["deep_filter"].Provider != "anthropic" {
		t.Errorf("assignments not persisted: %+v", st.ModelAssignments)
	}
	if st.ProviderCredentials["openai"] != "sealed:abc" {
		t.Errorf("credentials not persisted: %+v", st.ProviderCredentials)
	}
}

// --- Retention ---

func TestPruneArticles_RemovesExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	oldID := insertTestArticle(t, s, "https://example.com/expired")
	// Age the publication date past the retention window.
	if _, err := s.pool.Exec(ctx,
		`UPDATE news SET published_at = now() - interval '60 days', content_path = 'p' WHERE id = $1`,
		oldID); err != nil {
		t.Fatalf("age row: %v", err)
	}

	keepID := insertTestArticle(t, s, "https://example.com/fresh-keep")

	pruned, err := s.PruneArticles(ctx, time.Now().Add(-30*24*time.Hour), 100)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(pruned) != 1 || pruned[0].ID != oldID {
		t.Fatalf("expected only the expired article pruned, got %+v", pruned)
	}
	if pruned[0].ContentPath != "p" {
		t.Errorf("expected blob path returned, got %q", pruned[0].ContentPath)
	}

	if _, err := s.GetArticle(ctx, oldID); !errors.Is(err, ErrNotFound) {
		t.Error("pruned article should be gone")
	}
	if _, err := s.GetArticle(ctx, keepID); err != nil {
		t.Errorf("fresh article should survive: %v", err)
	}
}

// --- Operational series ---

func TestMetricSeries_RawAndDownsampled(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 8, 25, 10, 0, 0, 0, time.UTC)
	var points []MetricPoint
	for i := 0; i < 10; i++ {
		points = append(points, MetricPoint{
			Series:    "stage_latency:deep_filter",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Value:     float64(100 + i),
		})
	}
	if err := s.InsertMetricPoints(ctx, points); err != nil {
		t.Fatalf("insert points: %v", err)
	}

	raw, err := s.QueryMetricSeries(ctx, SeriesQuery{
		Series: "stage_latency:deep_filter", From: base, To: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("raw query: %v", err)
	}
	if len(raw) != 10 {
		t.Fatalf("expected 10 raw points, got %d", len(raw))
	}

	down, err := s.QueryMetricSeries(ctx, SeriesQuery{
		Series: "stage_latency:deep_filter", From: base, To: base.Add(time.Minute),
		Step: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("downsampled query: %v", err)
	}
	if len(down) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(down))
	}

	removed, err := s.PruneMetricPoints(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 10 {
		t.Fatalf("expected 10 pruned points, got %d", removed)
	}
}

func TestVaultBlob_Roundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	salt, data, err := s.LoadVaultBlob(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if salt != nil || data != nil {
		t.Fatal("expected empty vault")
	}

	want := map[string]string{"openai": "ciphertext"}
	if err := s.SaveVaultBlob(ctx, []byte("salt1234"), want); err != nil {
		t.Fatalf("save: %v", err)
	}

	salt, data, err = s.LoadVaultBlob(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(salt) != "salt1234" {
		t.Errorf("salt = %q", salt)
	}
	if data["openai"] != "ciphertext" {
		t.Errorf("data = %v", data)
	}
}

func TestListArticles_Filters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := insertTestArticle(t, s, fmt.Sprintf("https://example.com/list-%d", i))
		if i == 0 {
			if _, err := s.SaveScoringResult(ctx, ScoringUpdate{ArticleID: id, Score: 30, FilterStatus: FilterDelete}); err != nil {
				t.Fatalf("score: %v", err)
			}
		}
	}
	if _, _, err := s.InsertArticle(ctx, Article{
		Title: "Tencent buyback continues", URL: "https://example.com/list-hk",
		Source: "newswire", Symbol: "0700.HK", Market: "HK", PublishedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert hk article: %v", err)
	}

	all, err := s.ListArticles(ctx, ListArticlesParams{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 articles, got %d", len(all))
	}

	discarded, err := s.ListArticles(ctx, ListArticlesParams{FilterStatus: FilterDelete})
	if err != nil {
		t.Fatalf("list discarded: %v", err)
	}
	if len(discarded) != 1 {
		t.Fatalf("expected 1 discarded article, got %d", len(discarded))
	}

	bySymbol, err := s.ListArticles(ctx, ListArticlesParams{Symbol: "ACME", Limit: 2})
	if err != nil {
		t.Fatalf("list by symbol: %v", err)
	}
	if len(bySymbol) != 2 {
		t.Fatalf("limit not applied, got %d", len(bySymbol))
	}

	byMarket, err := s.ListArticles(ctx, ListArticlesParams{Market: "HK"})
	if err != nil {
		t.Fatalf("list by market: %v", err)
	}
	if len(byMarket) != 1 || byMarket[0].Symbol != "0700.HK" {
		t.Fatalf("market filter not applied: %+v", byMarket)
	}
}
