package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore implements Store on pgx. It expects the pgvector and pg_trgm
// extensions to be installable by the connecting role.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool against the given DSN and registers
// pgvector type codecs on every connection.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = time.Hour
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// migrationLockKey serializes migrators racing at startup.
const migrationLockKey = int64(0x6e777370)

// migrations is the append-only schema history. Slot i holds the statements
// for schema version i+1. Applied versions are recorded in schema_migrations
// and never rerun, so entries must not be edited after they ship.
var migrations = [][]string{
	// v1: ingest and pipeline core.
	{
		`CREATE TABLE IF NOT EXISTS news (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			url TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL DEFAULT '',
			market TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			published_at TIMESTAMPTZ NOT NULL,
			filter_status TEXT NOT NULL DEFAULT 'pending',
			content_status TEXT NOT NULL DEFAULT 'pending',
			score INTEGER NOT NULL DEFAULT 0,
			is_critical BOOLEAN NOT NULL DEFAULT FALSE,
			processing_path TEXT NOT NULL DEFAULT '',
			score_details JSONB NOT NULL DEFAULT '{}',
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			sentiment TEXT NOT NULL DEFAULT '',
			related_entities JSONB NOT NULL DEFAULT '[]',
			primary_entity TEXT NOT NULL DEFAULT '',
			primary_entity_type TEXT NOT NULL DEFAULT '',
			max_entity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			has_stock_entities BOOLEAN NOT NULL DEFAULT FALSE,
			has_macro_entities BOOLEAN NOT NULL DEFAULT FALSE,
			industry_tags TEXT[] NOT NULL DEFAULT '{}',
			event_tags TEXT[] NOT NULL DEFAULT '{}',
			investment_summary TEXT NOT NULL DEFAULT '',
			detailed_summary TEXT NOT NULL DEFAULT '',
			analysis_report TEXT NOT NULL DEFAULT '',
			content_path TEXT NOT NULL DEFAULT '',
			content_chars INTEGER NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_news_filter_status ON news(filter_status)`,
		`CREATE INDEX IF NOT EXISTS idx_news_content_status ON news(content_status)`,
		`CREATE INDEX IF NOT EXISTS idx_news_symbol ON news(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_news_published_at ON news(published_at)`,
		`CREATE TABLE IF NOT EXISTS pipeline_events (
			id BIGSERIAL PRIMARY KEY,
			article_id BIGINT NOT NULL REFERENCES news(id) ON DELETE CASCADE,
			stage TEXT NOT NULL,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_article ON pipeline_events(article_id)`,
		`CREATE TABLE IF NOT EXISTS pipeline_tasks (
			id BIGSERIAL PRIMARY KEY,
			article_id BIGINT NOT NULL REFERENCES news(id) ON DELETE CASCADE,
			stage TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			run_after TIMESTAMPTZ NOT NULL DEFAULT now(),
			claimed_by TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active ON pipeline_tasks(article_id, stage)
			WHERE status IN ('queued', 'running')`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON pipeline_tasks(status, run_after)`,
		`CREATE TABLE IF NOT EXISTS system_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enable_llm_pipeline BOOLEAN NOT NULL DEFAULT TRUE,
			discard_threshold INTEGER NOT NULL DEFAULT 105,
			full_analysis_threshold INTEGER NOT NULL DEFAULT 195,
			retention_days INTEGER NOT NULL DEFAULT 30,
			model_assignments JSONB NOT NULL DEFAULT '{}',
			provider_credentials JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BYTEA NOT NULL,
			data JSONB NOT NULL DEFAULT '{}'
		)`,
	},
	// v2: vector retrieval.
	{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`CREATE TABLE IF NOT EXISTS document_embeddings (
			id BIGSERIAL PRIMARY KEY,
			source_type TEXT NOT NULL,
			source_id BIGINT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk_text TEXT NOT NULL,
			embedding vector(1536) NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			symbol TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (source_type, source_id, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_vector ON document_embeddings
			USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_text ON document_embeddings
			USING gin (chunk_text gin_trgm_ops)`,
	},
	// v3: cost accounting.
	{
		`CREATE TABLE IF NOT EXISTS model_pricing (
			id BIGSERIAL PRIMARY KEY,
			model TEXT NOT NULL,
			input_per_1m DOUBLE PRECISION NOT NULL DEFAULT 0,
			cached_input_per_1m DOUBLE PRECISION NOT NULL DEFAULT 0,
			output_per_1m DOUBLE PRECISION NOT NULL DEFAULT 0,
			effective_from DATE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (model, effective_from)
		)`,
		`CREATE TABLE IF NOT EXISTS llm_usage_records (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			purpose TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cached_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			pricing_id BIGINT,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			error_class TEXT NOT NULL DEFAULT '',
			article_id BIGINT,
			user_id TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_created_at ON llm_usage_records(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_purpose ON llm_usage_records(purpose)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_model ON llm_usage_records(model)`,
	},
	// v4: operational series.
	{
		`CREATE TABLE IF NOT EXISTS metric_points (
			id BIGSERIAL PRIMARY KEY,
			series TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			value DOUBLE PRECISION NOT NULL,
			labels TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metric_points_series ON metric_points(series, timestamp)`,
	},
	// v5: image understanding during cleaning.
	{
		`ALTER TABLE news ADD COLUMN IF NOT EXISTS image_insights TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE news ADD COLUMN IF NOT EXISTS has_visual_data BOOLEAN NOT NULL DEFAULT FALSE`,
	},
}

// Migrate brings the schema up to the newest version. Each pending version
// applies inside one transaction and is recorded in schema_migrations, so a
// failed upgrade resumes at the same version on the next boot.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("migrate: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migrate: lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("migrate: version table: %w", err)
	}

	var current int
	if err := conn.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read version: %w", err)
	}

	for i, statements := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		if err := applyMigration(ctx, conn, version, statements); err != nil {
			return fmt.Errorf("migrate to version %d: %w", version, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, version int, statements []string) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range statements {
		if _, err := tx.Exec(ctx, q); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Pool returns the underlying pgx pool (used by tests and maintenance jobs).
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// --- Articles ---

const articleColumns = `id, title, url, source, symbol, market, summary, published_at,
	filter_status, content_status, score, is_critical, processing_path, score_details,
	failure_count, last_error, sentiment, related_entities, primary_entity,
	primary_entity_type, max_entity_score, has_stock_entities, has_macro_entities,
	industry_tags, event_tags, investment_summary, detailed_summary, analysis_report,
	image_insights, has_visual_data, content_path, content_chars, metadata,
	created_at, updated_at`

func scanArticle(row pgx.Row) (*Article, error) {
	var a Article
	var scoreDetails, entities, metadata []byte
	err := row.Scan(&a.ID, &a.Title, &a.URL, &a.Source, &a.Symbol, &a.Market, &a.Summary, &a.PublishedAt,
		&a.FilterStatus, &a.ContentStatus, &a.Score, &a.IsCritical, &a.ProcessingPath, &scoreDetails,
		&a.FailureCount, &a.LastError, &a.Sentiment, &entities, &a.PrimaryEntity,
		&a.PrimaryEntityType, &a.MaxEntityScore, &a.HasStockEntities, &a.HasMacroEntities,
		&a.IndustryTags, &a.EventTags, &a.InvestmentSummary, &a.DetailedSummary, &a.AnalysisReport,
		&a.ImageInsights, &a.HasVisualData, &a.ContentPath, &a.ContentChars, &metadata,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ScoreDetails = json.RawMessage(scoreDetails)
	a.RelatedEntities = json.RawMessage(entities)
	a.Metadata = json.RawMessage(metadata)
	return &a, nil
}

func (s *PostgresStore) InsertArticle(ctx context.Context, a Article) (int64, bool, error) {
	if a.PublishedAt.IsZero() {
		a.PublishedAt = time.Now().UTC()
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO news (title, url, source, symbol, market, summary, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (url) DO NOTHING
		 RETURNING id`,
		a.Title, a.URL, a.Source, a.Symbol, a.Market, a.Summary, a.PublishedAt).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}

	// Conflict: the URL is already known; hand back the existing row.
	err = s.pool.QueryRow(ctx, `SELECT id FROM news WHERE url = $1`, a.URL).Scan(&id)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

func (s *PostgresStore) GetArticle(ctx context.Context, id int64) (*Article, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM news WHERE id = $1`, id)
	return scanArticle(row)
}

func (s *PostgresStore) GetArticleByURL(ctx context.Context, url string) (*Article, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM news WHERE url = $1`, url)
	return scanArticle(row)
}

func (s *PostgresStore) ListArticles(ctx context.Context, p ListArticlesParams) ([]Article, error) {
	if p.Limit <= 0 {
		p.Limit = 50
	}

	query := `SELECT ` + articleColumns + ` FROM news WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if p.FilterStatus != "" {
		query += ` AND filter_status = ` + arg(p.FilterStatus)
	}
	if p.ContentStatus != "" {
		query += ` AND content_status = ` + arg(p.ContentStatus)
	}
	if p.Symbol != "" {
		query += ` AND symbol = ` + arg(p.Symbol)
	}
	if p.Market != "" {
		query += ` AND market = ` + arg(p.Market)
	}
	if p.Source != "" {
		query += ` AND source = ` + arg(p.Source)
	}
	if !p.Since.IsZero() {
		query += ` AND published_at >= ` + arg(p.Since)
	}
	query += ` ORDER BY published_at DESC LIMIT ` + arg(p.Limit) + ` OFFSET ` + arg(p.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

// --- Pipeline stage transitions ---

// transition locks the article row, verifies the current status against the
// guard, runs the update and appends the pipeline event. apply receives the
// locked article's current statuses.
func (s *PostgresStore) transition(ctx context.Context, articleID int64, guard func(filter, content string) bool,
	apply func(tx pgx.Tx, filter, content string) error) (bool, error) {

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var filter, content string
	err = tx.QueryRow(ctx,
		`SELECT filter_status, content_status FROM news WHERE id = $1 FOR UPDATE`,
		articleID).Scan(&filter, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	if guard != nil && !guard(filter, content) {
		return false, nil
	}

	if err := apply(tx, filter, content); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, articleID int64, stage, from, to, detail string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO pipeline_events (article_id, stage, from_status, to_status, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		articleID, stage, from, to, detail)
	return err
}

func (s *PostgresStore) SaveScoringResult(ctx context.Context, u ScoringUpdate) (bool, error) {
	details := u.ScoreDetails
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	// A failed filter status stays eligible so a later pass can resume from
	// the crash point instead of wedging the article.
	return s.transition(ctx, u.ArticleID,
		func(filter, content string) bool {
			return filter == FilterPending || filter == FilterFailed
		},
		func(tx pgx.Tx, filter, content string) error {
			_, err := tx.Exec(ctx,
				`UPDATE news SET score = $2, is_critical = $3, filter_status = $4,
				   processing_path = $5, score_details = $6, updated_at = now()
				 WHERE id = $1`,
				u.ArticleID, u.Score, u.IsCritical, u.FilterStatus, u.ProcessingPath, details)
			if err != nil {
				return err
			}
			detail := fmt.Sprintf(`{"score":%d,"is_critical":%t,"path":%q}`,
				u.Score, u.IsCritical, u.ProcessingPath)
			return appendEvent(ctx, tx, u.ArticleID, "layer1_scoring", filter, u.FilterStatus, detail)
		})
}

func (s *PostgresStore) SaveFetchResult(ctx context.Context, u FetchUpdate) (bool, error) {
	status := ContentFetched
	if u.Partial {
		status = ContentPartial
	}
	return s.transition(ctx, u.ArticleID,
		func(filter, content string) bool {
			return content == ContentPending || content == ContentFailed
		},
		func(tx pgx.Tx, filter, content string) error {
			_, err := tx.Exec(ctx,
				`UPDATE news SET content_path = $2, content_chars = $3, content_status = $4,
				   metadata = metadata || jsonb_build_object('source_tag', $5::text),
				   updated_at = now()
				 WHERE id = $1`,
				u.ArticleID, u.ContentPath, u.ContentChars, status, u.SourceTag)
			if err != nil {
				return err
			}
			detail := fmt.Sprintf(`{"chars":%d,"source_tag":%q}`, u.ContentChars, u.SourceTag)
			return appendEvent(ctx, tx, u.ArticleID, "content_fetch", content, status, detail)
		})
}

func (s *PostgresStore) SaveCleaningResult(ctx context.Context, u CleaningUpdate) (bool, error) {
	return s.transition(ctx, u.ArticleID,
		func(filter, content string) bool {
			return content == ContentFetched || content == ContentPartial
		},
		func(tx pgx.Tx, filter, content string) error {
			_, err := tx.Exec(ctx,
				`UPDATE news SET content_path = $2, content_chars = $3, image_insights = $4,
				   has_visual_data = $5, updated_at = now()
				 WHERE id = $1`,
				u.ArticleID, u.ContentPath, u.ContentChars, u.ImageInsights, u.HasVisualData)
			if err != nil {
				return err
			}
			detail := fmt.Sprintf(`{"chars":%d,"kept_original":%t,"has_visual_data":%t}`,
				u.ContentChars, u.Kept, u.HasVisualData)
			return appendEvent(ctx, tx, u.ArticleID, "content_cleaning", content, content, detail)
		})
}

func (s *PostgresStore) SaveAnalysisResult(ctx context.Context, u AnalysisUpdate) (bool, error) {
	if u.FilterStatus != FilterKeep && u.FilterStatus != FilterDelete {
		return false, fmt.Errorf("analysis verdict must be %q or %q, got %q",
			FilterKeep, FilterDelete, u.FilterStatus)
	}
	entities, err := json.Marshal(u.Entities)
	if err != nil {
		return false, fmt.Errorf("marshal entities: %w", err)
	}
	if u.Entities == nil {
		entities = []byte(`[]`)
	}
	industry := u.IndustryTags
	if industry == nil {
		industry = []string{}
	}
	events := u.EventTags
	if events == nil {
		events = []string{}
	}

	return s.transition(ctx, u.ArticleID,
		func(filter, content string) bool {
			return filter == FilterUseful || filter == FilterUncertain || filter == FilterFailed
		},
		func(tx pgx.Tx, filter, content string) error {
			_, err := tx.Exec(ctx,
				`UPDATE news SET filter_status = $2, sentiment = $3, related_entities = $4,
				   primary_entity = $5, primary_entity_type = $6, max_entity_score = $7,
				   has_stock_entities = $8, has_macro_entities = $9, industry_tags = $10,
				   event_tags = $11, investment_summary = $12, detailed_summary = $13,
				   analysis_report = $14, updated_at = now()
				 WHERE id = $1`,
				u.ArticleID, u.FilterStatus, u.Sentiment, entities,
				u.PrimaryEntity, u.PrimaryEntityType, u.MaxEntityScore,
				u.HasStockEntities, u.HasMacroEntities, industry,
				events, u.InvestmentSummary, u.DetailedSummary, u.AnalysisReport)
			if err != nil {
				return err
			}
			detail := fmt.Sprintf(`{"sentiment":%q,"primary_entity":%q}`, u.Sentiment, u.PrimaryEntity)
			return appendEvent(ctx, tx, u.ArticleID, u.Stage, filter, u.FilterStatus, detail)
		})
}

func (s *PostgresStore) MarkEmbedded(ctx context.Context, articleID int64, status string, chunks int) (bool, error) {
	return s.transition(ctx, articleID,
		func(filter, content string) bool {
			return content == ContentFetched || content == ContentPartial
		},
		func(tx pgx.Tx, filter, content string) error {
			_, err := tx.Exec(ctx,
				`UPDATE news SET content_status = $2, updated_at = now() WHERE id = $1`,
				articleID, status)
			if err != nil {
				return err
			}
			detail := fmt.Sprintf(`{"chunks":%d}`, chunks)
			return appendEvent(ctx, tx, articleID, "embedding", content, status, detail)
		})
}

func (s *PostgresStore) MarkStageFailed(ctx context.Context, u FailureUpdate) error {
	_, err := s.transition(ctx, u.ArticleID, nil,
		func(tx pgx.Tx, filter, content string) error {
			newFilter := filter
			if u.SetFilterFailed {
				newFilter = FilterFailed
			}
			newContent := content
			if u.SetContentStatus != "" {
				newContent = u.SetContentStatus
			}
			_, err := tx.Exec(ctx,
				`UPDATE news SET failure_count = failure_count + 1, last_error = $2,
				   filter_status = $3, content_status = $4, updated_at = now()
				 WHERE id = $1`,
				u.ArticleID, u.Error, newFilter, newContent)
			if err != nil {
				return err
			}
			from := filter + "/" + content
			to := newFilter + "/" + newContent
			return appendEvent(ctx, tx, u.ArticleID, u.Stage, from, to, u.Error)
		})
	return err
}

// --- Task queue ---

const taskColumns = `id, article_id, stage, status, attempts, run_after, claimed_by, last_error, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.ArticleID, &t.Stage, &t.Status, &t.Attempts,
		&t.RunAfter, &t.ClaimedBy, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) EnqueueTask(ctx context.Context, articleID int64, stage string, runAfter time.Time) (int64, error) {
	if runAfter.IsZero() {
		runAfter = time.Now().UTC()
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_tasks (article_id, stage, status, run_after)
		 VALUES ($1, $2, 'queued', $3)
		 ON CONFLICT (article_id, stage) WHERE status IN ('queued', 'running') DO NOTHING
		 RETURNING id`,
		articleID, stage, runAfter).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// An active task for this article and stage already exists.
		err = s.pool.QueryRow(ctx,
			`SELECT id FROM pipeline_tasks
			 WHERE article_id = $1 AND stage = $2 AND status IN ('queued', 'running')`,
			articleID, stage).Scan(&id)
	}
	return id, err
}

// ClaimTask hands the oldest runnable task to a worker. Claims use
// FOR UPDATE SKIP LOCKED so competing workers never block or double-claim.
// It returns (nil, nil) when the queue is empty.
func (s *PostgresStore) ClaimTask(ctx context.Context, workerID string) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE pipeline_tasks SET status = 'running', claimed_by = $1, updated_at = now()
		 WHERE id = (
		   SELECT id FROM pipeline_tasks
		   WHERE status = 'queued' AND run_after <= now()
		   ORDER BY run_after, id
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		workerID)
	return scanTask(row)
}

func (s *PostgresStore) CompleteTask(ctx context.Context, taskID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_tasks SET status = 'done', updated_at = now() WHERE id = $1`, taskID)
	return err
}

func (s *PostgresStore) RetryTask(ctx context.Context, taskID int64, errMsg string, runAfter time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_tasks SET status = 'queued', attempts = attempts + 1,
		   last_error = $2, run_after = $3, claimed_by = '', updated_at = now()
		 WHERE id = $1`,
		taskID, errMsg, runAfter)
	return err
}

func (s *PostgresStore) FailTask(ctx context.Context, taskID int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_tasks SET status = 'failed', attempts = attempts + 1,
		   last_error = $2, updated_at = now()
		 WHERE id = $1`,
		taskID, errMsg)
	return err
}

// RequeueStaleTasks returns tasks abandoned by crashed workers to the queue.
// A running task whose last update is older than the threshold has lost its
// worker; the stages themselves are idempotent, so re-running is safe.
func (s *PostgresStore) RequeueStaleTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_tasks SET status = 'queued', claimed_by = '', updated_at = now()
		 WHERE status = 'running' AND updated_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountQueuedTasks(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pipeline_tasks WHERE status = 'queued'`).Scan(&n)
	return n, err
}

// --- Usage accounting ---

const usageColumns = `id, created_at, purpose, provider, model, prompt_tokens,
	completion_tokens, cached_tokens, total_tokens, cost_usd, pricing_id,
	latency_ms, success, error_class, article_id, user_id, metadata`

func (s *PostgresStore) InsertUsageRecord(ctx context.Context, r UsageRecord) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	metadata := r.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO llm_usage_records (created_at, purpose, provider, model,
		   prompt_tokens, completion_tokens, cached_tokens, total_tokens,
		   cost_usd, pricing_id, latency_ms, success, error_class, article_id, user_id, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id`,
		r.CreatedAt, r.Purpose, r.Provider, r.Model,
		r.PromptTokens, r.CompletionTokens, r.CachedTokens, r.TotalTokens,
		r.CostUSD, r.PricingID, r.LatencyMs, r.Success, r.ErrorClass, r.ArticleID, r.UserID, metadata).Scan(&id)
	return id, err
}

func (s *PostgresStore) ListUsageRecords(ctx context.Context, p ListUsageParams) ([]UsageRecord, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	query := `SELECT ` + usageColumns + ` FROM llm_usage_records WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if p.Purpose != "" {
		query += ` AND purpose = ` + arg(p.Purpose)
	}
	if p.Model != "" {
		query += ` AND model = ` + arg(p.Model)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(p.Limit) + ` OFFSET ` + arg(p.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Purpose, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.CachedTokens, &r.TotalTokens,
			&r.CostUSD, &r.PricingID, &r.LatencyMs, &r.Success, &r.ErrorClass,
			&r.ArticleID, &r.UserID, &metadata); err != nil {
			return nil, err
		}
		r.Metadata = json.RawMessage(metadata)
		records = append(records, r)
	}
	return records, rows.Err()
}

// usageWindow builds the shared WHERE clause for cost aggregates.
func usageWindow(q CostQuery) (string, []any) {
	clause := ` WHERE created_at >= $1 AND created_at < $2`
	args := []any{q.From, q.To}
	if q.Purpose != "" {
		args = append(args, q.Purpose)
		clause += fmt.Sprintf(` AND purpose = $%d`, len(args))
	}
	if q.Model != "" {
		args = append(args, q.Model)
		clause += fmt.Sprintf(` AND model = $%d`, len(args))
	}
	return clause, args
}

func (s *PostgresStore) CostSummary(ctx context.Context, q CostQuery) (*CostSummary, error) {
	where, args := usageWindow(q)
	var sum CostSummary
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COUNT(*), COALESCE(SUM(total_tokens), 0),
		   COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0)
		 FROM llm_usage_records`+where,
		args...).Scan(&sum.TotalCostUSD, &sum.TotalCalls, &sum.TotalTokens, &sum.SuccessRate)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *PostgresStore) DailyCosts(ctx context.Context, q CostQuery) ([]DailyCost, error) {
	where, args := usageWindow(q)
	rows, err := s.pool.Query(ctx,
		`SELECT date_trunc('day', created_at) AS day, SUM(cost_usd), COUNT(*)
		 FROM llm_usage_records`+where+`
		 GROUP BY day ORDER BY day`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var costs []DailyCost
	for rows.Next() {
		var c DailyCost
		if err := rows.Scan(&c.Day, &c.CostUSD, &c.Calls); err != nil {
			return nil, err
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

func (s *PostgresStore) PurposeCosts(ctx context.Context, q CostQuery) ([]PurposeCost, error) {
	where, args := usageWindow(q)
	rows, err := s.pool.Query(ctx,
		`SELECT purpose, SUM(cost_usd), COUNT(*), COALESCE(AVG(latency_ms), 0)
		 FROM llm_usage_records`+where+`
		 GROUP BY purpose ORDER BY SUM(cost_usd) DESC`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var costs []PurposeCost
	for rows.Next() {
		var c PurposeCost
		if err := rows.Scan(&c.Purpose, &c.CostUSD, &c.Calls, &c.AvgLatencyMs); err != nil {
			return nil, err
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

// --- Model pricing ---

func (s *PostgresStore) UpsertModelPricing(ctx context.Context, p ModelPricing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO model_pricing (model, input_per_1m, cached_input_per_1m, output_per_1m, effective_from)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (model, effective_from) DO UPDATE SET
		   input_per_1m = excluded.input_per_1m,
		   cached_input_per_1m = excluded.cached_input_per_1m,
		   output_per_1m = excluded.output_per_1m`,
		p.Model, p.InputPer1M, p.CachedInputPer1M, p.OutputPer1M, p.EffectiveFrom)
	return err
}

func (s *PostgresStore) ListModelPricing(ctx context.Context) ([]ModelPricing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, model, input_per_1m, cached_input_per_1m, output_per_1m, effective_from, created_at
		 FROM model_pricing ORDER BY model, effective_from DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pricing []ModelPricing
	for rows.Next() {
		var p ModelPricing
		if err := rows.Scan(&p.ID, &p.Model, &p.InputPer1M, &p.CachedInputPer1M,
			&p.OutputPer1M, &p.EffectiveFrom, &p.CreatedAt); err != nil {
			return nil, err
		}
		pricing = append(pricing, p)
	}
	return pricing, rows.Err()
}

// PricingFor returns the pricing row governing calls made at the given time:
// the row with the greatest effective_from that is not after the call date.
func (s *PostgresStore) PricingFor(ctx context.Context, model string, at time.Time) (*ModelPricing, error) {
	var p ModelPricing
	err := s.pool.QueryRow(ctx,
		`SELECT id, model, input_per_1m, cached_input_per_1m, output_per_1m, effective_from, created_at
		 FROM model_pricing
		 WHERE model = $1 AND effective_from <= $2::date
		 ORDER BY effective_from DESC LIMIT 1`,
		model, at).Scan(&p.ID, &p.Model, &p.InputPer1M, &p.CachedInputPer1M,
		&p.OutputPer1M, &p.EffectiveFrom, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Embeddings ---

// advisoryKey derives the int64 advisory lock key for one document.
func advisoryKey(sourceType string, sourceID int64) int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s:%d", sourceType, sourceID)
	return int64(h.Sum64())
}

// ReplaceEmbeddings atomically swaps all chunks for a document. A transaction
// scoped advisory lock serializes concurrent indexers of the same document so
// the delete-then-insert never interleaves.
func (s *PostgresStore) ReplaceEmbeddings(ctx context.Context, sourceType string, sourceID int64, chunks []EmbeddingChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(sourceType, sourceID)); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM document_embeddings WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO document_embeddings (source_type, source_id, chunk_index, chunk_text, embedding, model, token_count, symbol)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			sourceType, sourceID, c.ChunkIndex, c.Text, pgvector.NewVector(c.Embedding), c.Model, c.TokenCount, c.Symbol)
	}
	br := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) VectorSearch(ctx context.Context, query []float32, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT source_type, source_id, chunk_index, chunk_text,
		   1 - (embedding <=> $1) AS score, created_at
		 FROM document_embeddings
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows)
}

func (s *PostgresStore) KeywordSearch(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT source_type, source_id, chunk_index, chunk_text,
		   similarity(chunk_text, $1) AS score, created_at
		 FROM document_embeddings
		 WHERE chunk_text ILIKE '%' || $1 || '%' OR chunk_text % $1
		 ORDER BY score DESC
		 LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows)
}

func scanHits(rows pgx.Rows) ([]SearchHit, error) {
	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.SourceType, &h.SourceID, &h.ChunkIndex, &h.Text, &h.Score, &h.CreatedAt); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PostgresStore) CountEmbeddings(ctx context.Context, sourceType string, sourceID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_embeddings WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID).Scan(&n)
	return n, err
}

// --- Pipeline events ---

func (s *PostgresStore) ListPipelineEvents(ctx context.Context, articleID int64, limit int) ([]PipelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, article_id, stage, from_status, to_status, detail, created_at
		 FROM pipeline_events WHERE article_id = $1
		 ORDER BY id DESC LIMIT $2`,
		articleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		if err := rows.Scan(&e.ID, &e.ArticleID, &e.Stage, &e.FromStatus, &e.ToStatus, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) ResetArticle(ctx context.Context, articleID int64) error {
	_, err := s.transition(ctx, articleID, nil,
		func(tx pgx.Tx, filter, content string) error {
			newContent := content
			if content == ContentEmbedded {
				newContent = ContentFetched
			}
			_, err := tx.Exec(ctx,
				`UPDATE news SET
				   filter_status = $2, content_status = $3,
				   score = 0, is_critical = false, processing_path = '',
				   score_details = NULL,
				   sentiment = '', related_entities = NULL,
				   primary_entity = '', primary_entity_type = '', max_entity_score = 0,
				   has_stock_entities = false, has_macro_entities = false,
				   industry_tags = NULL, event_tags = NULL,
				   investment_summary = '', detailed_summary = '', analysis_report = '',
				   failure_count = 0, last_error = '',
				   updated_at = now()
				 WHERE id = $1`,
				articleID, FilterPending, newContent)
			if err != nil {
				return err
			}
			return appendEvent(ctx, tx, articleID, "reprocess", filter, FilterPending,
				fmt.Sprintf(`{"content_status":%q}`, newContent))
		})
	return err
}

// --- System settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (*Settings, error) {
	var st Settings
	var assignments, credentials []byte
	err := s.pool.QueryRow(ctx,
		`SELECT enable_llm_pipeline, discard_threshold, full_analysis_threshold,
		   retention_days, model_assignments, provider_credentials, updated_at
		 FROM system_settings WHERE id = 1`).
		Scan(&st.EnableLLMPipeline, &st.DiscardThreshold, &st.FullAnalysisThreshold,
			&st.RetentionDays, &assignments, &credentials, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		def := DefaultSettings()
		return &def, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(assignments, &st.ModelAssignments); err != nil {
		return nil, fmt.Errorf("unmarshal model assignments: %w", err)
	}
	if err := json.Unmarshal(credentials, &st.ProviderCredentials); err != nil {
		return nil, fmt.Errorf("unmarshal provider credentials: %w", err)
	}
	if st.ModelAssignments == nil {
		st.ModelAssignments = map[string]ModelAssignment{}
	}
	if st.ProviderCredentials == nil {
		st.ProviderCredentials = map[string]string{}
	}

	// Rows written before the 0-300 scale carry 0-100 thresholds.
	if st.DiscardThreshold <= 100 && st.DiscardThreshold > 0 {
		st.DiscardThreshold *= 3
	}
	if st.FullAnalysisThreshold <= 100 && st.FullAnalysisThreshold > 0 {
		st.FullAnalysisThreshold *= 3
	}
	return &st, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, st Settings) error {
	assignments, err := json.Marshal(st.ModelAssignments)
	if err != nil {
		return fmt.Errorf("marshal model assignments: %w", err)
	}
	credentials, err := json.Marshal(st.ProviderCredentials)
	if err != nil {
		return fmt.Errorf("marshal provider credentials: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO system_settings (id, enable_llm_pipeline, discard_threshold,
		   full_analysis_threshold, retention_days, model_assignments, provider_credentials, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (id) DO UPDATE SET
		   enable_llm_pipeline = excluded.enable_llm_pipeline,
		   discard_threshold = excluded.discard_threshold,
		   full_analysis_threshold = excluded.full_analysis_threshold,
		   retention_days = excluded.retention_days,
		   model_assignments = excluded.model_assignments,
		   provider_credentials = excluded.provider_credentials,
		   updated_at = now()`,
		st.EnableLLMPipeline, st.DiscardThreshold, st.FullAnalysisThreshold,
		st.RetentionDays, assignments, credentials)
	return err
}

// --- Vault persistence ---

func (s *PostgresStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET salt = excluded.salt, data = excluded.data`,
		salt, j)
	return err
}

func (s *PostgresStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

// --- Retention ---

// PruneArticles removes articles published before the cutoff, cascading their
// events and tasks, and reports the blob paths left to clean up. Embedding
// rows carry no foreign key, so they are swept in the same call.
func (s *PostgresStore) PruneArticles(ctx context.Context, cutoff time.Time, limit int) ([]PrunedArticle, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`DELETE FROM news
		 WHERE id IN (
		   SELECT id FROM news
		   WHERE published_at < $1
		   ORDER BY id LIMIT $2
		 )
		 RETURNING id, content_path`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pruned []PrunedArticle
	for rows.Next() {
		var p PrunedArticle
		if err := rows.Scan(&p.ID, &p.ContentPath); err != nil {
			return nil, err
		}
		pruned = append(pruned, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(pruned) > 0 {
		ids := make([]int64, len(pruned))
		for i, p := range pruned {
			ids[i] = p.ID
		}
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM document_embeddings WHERE source_type = 'news' AND source_id = ANY($1)`,
			ids); err != nil {
			return nil, err
		}
	}
	return pruned, nil
}

// --- Operational series ---

func (s *PostgresStore) InsertMetricPoints(ctx context.Context, points []MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range points {
		ts := p.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO metric_points (series, timestamp, value, labels) VALUES ($1, $2, $3, $4)`,
			p.Series, ts, p.Value, p.Labels)
	}
	br := s.pool.SendBatch(ctx, batch)
	for range points {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (s *PostgresStore) QueryMetricSeries(ctx context.Context, q SeriesQuery) ([]MetricPoint, error) {
	var rows pgx.Rows
	var err error
	if q.Step > 0 {
		step := q.Step.Seconds()
		rows, err = s.pool.Query(ctx,
			`SELECT series, to_timestamp(floor(extract(epoch FROM timestamp) / $4) * $4), AVG(value), ''
			 FROM metric_points
			 WHERE series = $1 AND timestamp >= $2 AND timestamp < $3
			 GROUP BY 1, 2 ORDER BY 2`,
			q.Series, q.From, q.To, step)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT series, timestamp, value, labels
			 FROM metric_points
			 WHERE series = $1 AND timestamp >= $2 AND timestamp < $3
			 ORDER BY timestamp`,
			q.Series, q.From, q.To)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []MetricPoint
	for rows.Next() {
		var p MetricPoint
		if err := rows.Scan(&p.Series, &p.Timestamp, &p.Value, &p.Labels); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *PostgresStore) PruneMetricPoints(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM metric_points WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
