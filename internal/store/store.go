package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store defines the persistence interface for newspipe.
type Store interface {
	// Articles
	InsertArticle(ctx context.Context, a Article) (id int64, created bool, err error)
	GetArticle(ctx context.Context, id int64) (*Article, error)
	GetArticleByURL(ctx context.Context, url string) (*Article, error)
	ListArticles(ctx context.Context, p ListArticlesParams) ([]Article, error)

	// Pipeline stage results. Each call runs in one transaction that locks
	// the article row, verifies the expected status guard, applies the
	// update and appends a pipeline event. A false return means the guard
	// did not match and nothing was changed.
	SaveScoringResult(ctx context.Context, u ScoringUpdate) (bool, error)
	SaveFetchResult(ctx context.Context, u FetchUpdate) (bool, error)
	SaveCleaningResult(ctx context.Context, u CleaningUpdate) (bool, error)
	SaveAnalysisResult(ctx context.Context, u AnalysisUpdate) (bool, error)
	MarkEmbedded(ctx context.Context, articleID int64, status string, chunks int) (bool, error)
	MarkStageFailed(ctx context.Context, u FailureUpdate) error

	// Task queue
	EnqueueTask(ctx context.Context, articleID int64, stage string, runAfter time.Time) (int64, error)
	ClaimTask(ctx context.Context, workerID string) (*Task, error)
	CompleteTask(ctx context.Context, taskID int64) error
	RetryTask(ctx context.Context, taskID int64, errMsg string, runAfter time.Time) error
	FailTask(ctx context.Context, taskID int64, errMsg string) error
	RequeueStaleTasks(ctx context.Context, olderThan time.Duration) (int64, error)
	CountQueuedTasks(ctx context.Context) (int64, error)

	// Usage accounting
	InsertUsageRecord(ctx context.Context, r UsageRecord) (int64, error)
	ListUsageRecords(ctx context.Context, p ListUsageParams) ([]UsageRecord, error)
	CostSummary(ctx context.Context, q CostQuery) (*CostSummary, error)
	DailyCosts(ctx context.Context, q CostQuery) ([]DailyCost, error)
	PurposeCosts(ctx context.Context, q CostQuery) ([]PurposeCost, error)

	// Model pricing
	UpsertModelPricing(ctx context.Context, p ModelPricing) error
	ListModelPricing(ctx context.Context) ([]ModelPricing, error)
	PricingFor(ctx context.Context, model string, at time.Time) (*ModelPricing, error)

	// Embeddings
	ReplaceEmbeddings(ctx context.Context, sourceType string, sourceID int64, chunks []EmbeddingChunk) error
	VectorSearch(ctx context.Context, query []float32, limit int) ([]SearchHit, error)
	KeywordSearch(ctx context.Context, query string, limit int) ([]SearchHit, error)
	CountEmbeddings(ctx context.Context, sourceType string, sourceID int64) (int, error)

	// Pipeline events
	ListPipelineEvents(ctx context.Context, articleID int64, limit int) ([]PipelineEvent, error)

	// Reprocessing. Clears the scoring and analysis verdicts so the stage
	// chain runs again, keeping fetched content. Embedded articles drop back
	// to fetched so the re-analysis re-embeds.
	ResetArticle(ctx context.Context, articleID int64) error

	// System settings
	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s Settings) error

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Retention
	PruneArticles(ctx context.Context, cutoff time.Time, limit int) ([]PrunedArticle, error)

	// Operational series
	InsertMetricPoints(ctx context.Context, points []MetricPoint) error
	QueryMetricSeries(ctx context.Context, q SeriesQuery) ([]MetricPoint, error)
	PruneMetricPoints(ctx context.Context, cutoff time.Time) (int64, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Filter status values for an article's relevance lifecycle.
const (
	FilterPending   = "pending"
	FilterUseful    = "useful"
	FilterUncertain = "uncertain"
	FilterKeep      = "keep"
	FilterDelete    = "delete"
	FilterFailed    = "failed"
)

// Content status values for an article's fetch/embed lifecycle.
const (
	ContentPending  = "pending"
	ContentFetched  = "fetched"
	ContentEmbedded = "embedded"
	ContentPartial  = "partial"
	ContentFailed   = "failed"
	ContentBlocked  = "blocked"
	ContentDeleted  = "deleted"
)

// Task status values.
const (
	TaskQueued  = "queued"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Processing path values chosen by layer-1 scoring.
const (
	PathFullAnalysis = "full_analysis"
	PathLightweight  = "lightweight"
)

// Entity types recognised in related_entities.
const (
	EntityStock = "stock"
	EntityIndex = "index"
	EntityMacro = "macro"
)

// Article is the persisted form of a news item. Raw article text lives in the
// blob store at ContentPath; the row carries metadata and analysis output.
type Article struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Symbol      string    `json:"symbol,omitempty"`
	Market      string    `json:"market,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	PublishedAt time.Time `json:"published_at"`

	FilterStatus   string          `json:"filter_status"`
	ContentStatus  string          `json:"content_status"`
	Score          int             `json:"score"`
	IsCritical     bool            `json:"is_critical"`
	ProcessingPath string          `json:"processing_path,omitempty"`
	ScoreDetails   json.RawMessage `json:"score_details,omitempty"`
	FailureCount   int             `json:"failure_count"`
	LastError      string          `json:"last_error,omitempty"`

	Sentiment         string          `json:"sentiment,omitempty"`
	RelatedEntities   json.RawMessage `json:"related_entities,omitempty"`
	PrimaryEntity     string          `json:"primary_entity,omitempty"`
	PrimaryEntityType string          `json:"primary_entity_type,omitempty"`
	MaxEntityScore    float64         `json:"max_entity_score,omitempty"`
	HasStockEntities  bool            `json:"has_stock_entities,omitempty"`
	HasMacroEntities  bool            `json:"has_macro_entities,omitempty"`
	IndustryTags      []string        `json:"industry_tags,omitempty"`
	EventTags         []string        `json:"event_tags,omitempty"`
	InvestmentSummary string          `json:"investment_summary,omitempty"`
	DetailedSummary   string          `json:"detailed_summary,omitempty"`
	AnalysisReport    string          `json:"analysis_report,omitempty"`
	ImageInsights     string          `json:"image_insights,omitempty"`
	HasVisualData     bool            `json:"has_visual_data,omitempty"`

	ContentPath  string          `json:"content_path,omitempty"`
	ContentChars int             `json:"content_chars,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entity is one related entity extracted during analysis, stored inside the
// article's related_entities JSON column.
type Entity struct {
	Entity string  `json:"entity"`
	Type   string  `json:"type"` // stock, index, or macro
	Score  float64 `json:"score"`
}

// ListArticlesParams filters article listings.
type ListArticlesParams struct {
	FilterStatus  string
	ContentStatus string
	Symbol        string
	Market        string
	Source        string
	Since         time.Time
	Limit         int
	Offset        int
}

// ScoringUpdate records the layer-1 relevance verdict.
type ScoringUpdate struct {
	ArticleID      int64
	Score          int
	IsCritical     bool
	FilterStatus   string // useful, uncertain, or delete
	ProcessingPath string // full_analysis, lightweight, or empty on discard
	ScoreDetails   json.RawMessage
}

// FetchUpdate records a successful content fetch. Partial marks text that is
// usable but suspiciously short; the article still proceeds through the
// pipeline.
type FetchUpdate struct {
	ArticleID    int64
	ContentPath  string
	ContentChars int
	SourceTag    string // which fetch strategy produced the content
	Partial      bool
}

// CleaningUpdate records the cleaned article text and any image insights.
type CleaningUpdate struct {
	ArticleID     int64
	ContentPath   string
	ContentChars  int
	ImageInsights string
	HasVisualData bool
	Kept          bool // true when cleaning kept the original text
}

// AnalysisUpdate records layer-2 enrichment output. FilterStatus carries the
// model's keep-or-delete decision.
type AnalysisUpdate struct {
	ArticleID         int64
	Stage             string // deep_filter or lightweight_filter
	FilterStatus      string // keep or delete
	Sentiment         string
	Entities          []Entity
	PrimaryEntity     string
	PrimaryEntityType string
	MaxEntityScore    float64
	HasStockEntities  bool
	HasMacroEntities  bool
	IndustryTags      []string
	EventTags         []string
	InvestmentSummary string
	DetailedSummary   string
	AnalysisReport    string
}

// FailureUpdate marks a stage failure on the article row.
type FailureUpdate struct {
	ArticleID        int64
	Stage            string
	Error            string
	SetFilterFailed  bool
	SetContentStatus string // optional: failed or blocked
}

// Task is one queued unit of pipeline work.
type Task struct {
	ID        int64     `json:"id"`
	ArticleID int64     `json:"article_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	RunAfter  time.Time `json:"run_after"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsageRecord captures one LLM call for cost accounting. CostUSD is computed
// at insert time against the pricing row referenced by PricingID; later
// pricing changes never reprice history.
type UsageRecord struct {
	ID               int64           `json:"id"`
	CreatedAt        time.Time       `json:"created_at"`
	Purpose          string          `json:"purpose"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	CachedTokens     int             `json:"cached_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	CostUSD          float64         `json:"cost_usd"`
	PricingID        *int64          `json:"pricing_id,omitempty"`
	LatencyMs        int64           `json:"latency_ms"`
	Success          bool            `json:"success"`
	ErrorClass       string          `json:"error_class,omitempty"`
	ArticleID        *int64          `json:"article_id,omitempty"`
	UserID           *string         `json:"user_id,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// ListUsageParams filters usage record listings.
type ListUsageParams struct {
	Purpose string
	Model   string
	Limit   int
	Offset  int
}

// CostQuery bounds and filters cost aggregates.
type CostQuery struct {
	From    time.Time
	To      time.Time
	Purpose string
	Model   string
}

// CostSummary aggregates spend over a period.
type CostSummary struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalCalls   int64   `json:"total_calls"`
	TotalTokens  int64   `json:"total_tokens"`
	SuccessRate  float64 `json:"success_rate"`
}

// DailyCost is one day's aggregated spend.
type DailyCost struct {
	Day     time.Time `json:"day"`
	CostUSD float64   `json:"cost_usd"`
	Calls   int64     `json:"calls"`
}

// PurposeCost aggregates spend per pipeline purpose.
type PurposeCost struct {
	Purpose      string  `json:"purpose"`
	CostUSD      float64 `json:"cost_usd"`
	Calls        int64   `json:"calls"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ModelPricing is one pricing row; the row with the greatest effective_from
// not after a call's date governs that call's cost.
type ModelPricing struct {
	ID               int64     `json:"id"`
	Model            string    `json:"model"`
	InputPer1M       float64   `json:"input_per_1m"`
	CachedInputPer1M float64   `json:"cached_input_per_1m"`
	OutputPer1M      float64   `json:"output_per_1m"`
	EffectiveFrom    time.Time `json:"effective_from"`
	CreatedAt        time.Time `json:"created_at"`
}

// EmbeddingChunk is one chunk of text with its vector, ready to index. All
// chunks of a given (source_type, source_id) carry the same model.
type EmbeddingChunk struct {
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
	Model      string    `json:"model,omitempty"`
	TokenCount int       `json:"token_count,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
}

// SearchHit is one retrieval result with its raw rank score.
type SearchHit struct {
	SourceType string    `json:"source_type"`
	SourceID   int64     `json:"source_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}

// PipelineEvent is one recorded status transition.
type PipelineEvent struct {
	ID         int64     `json:"id"`
	ArticleID  int64     `json:"article_id"`
	Stage      string    `json:"stage"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ModelAssignment binds a pipeline purpose to a provider and model.
type ModelAssignment struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"`
}

// Settings is the single-row system configuration.
type Settings struct {
	EnableLLMPipeline     bool                       `json:"enable_llm_pipeline"`
	DiscardThreshold      int                        `json:"discard_threshold"`
	FullAnalysisThreshold int                        `json:"full_analysis_threshold"`
	RetentionDays         int                        `json:"retention_days"`
	ModelAssignments      map[string]ModelAssignment `json:"model_assignments"`
	ProviderCredentials   map[string]string          `json:"provider_credentials"` // sealed by the vault
	UpdatedAt             time.Time                  `json:"updated_at"`
}

// DefaultSettings returns the configuration used before an operator has
// saved anything.
func DefaultSettings() Settings {
	return Settings{
		EnableLLMPipeline:     true,
		DiscardThreshold:      105,
		FullAnalysisThreshold: 195,
		RetentionDays:         30,
		ModelAssignments:      map[string]ModelAssignment{},
		ProviderCredentials:   map[string]string{},
	}
}

// PrunedArticle identifies an article removed by retention along with the
// blob path that should be deleted with it.
type PrunedArticle struct {
	ID          int64
	ContentPath string
}

// MetricPoint is one operational measurement (stage latency, fetch latency,
// provider latency) on a named series.
type MetricPoint struct {
	Series    string    `json:"series"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Labels    string    `json:"labels,omitempty"`
}

// SeriesQuery selects points from one series, optionally downsampled into
// fixed-width buckets.
type SeriesQuery struct {
	Series string
	From   time.Time
	To     time.Time
	Step   time.Duration // 0 means raw points
}
