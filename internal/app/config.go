package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Pipeline engines selectable via NEWSPIPE_PIPELINE_ENGINE.
const (
	EngineWorker   = "worker"
	EngineTemporal = "temporal"
)

// Config is the process configuration, read from NEWSPIPE_* environment
// variables. Provider API keys are not part of it: the LLM gateway resolves
// credentials through its own chain (per-call, sealed settings, environment)
// and market-data tokens ride along only because their providers need them
// at construction time.
type Config struct {
	ListenAddr string
	LogLevel   string

	DatabaseURL string
	RedisURL    string

	DataDir string // admin token file, other small state
	BlobDir string // date-partitioned article content

	// Security & hardening.
	AdminToken  string   // operator bearer token; generated and persisted when empty
	CORSOrigins []string // allowed CORS origins; empty = ["*"]

	// Pipeline execution.
	PipelineEngine string
	Workers        int
	RetentionCron  string // six-field cron spec for the retention sweep

	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// LLM endpoint overrides and embedding geometry.
	OpenAIBaseURL    string
	AnthropicBaseURL string
	EmbedModel       string
	EmbedDimensions  int

	// Market data providers and cache TTLs.
	TushareToken string
	TiingoToken  string
	AkshareURL   string
	QuoteTTL     time.Duration
	HistoryTTL   time.Duration

	// Content fetch sidecars.
	BrowserURL    string
	ExtractAPIURL string
	ExtractAPIKey string

	// Rate limits. The per-minute rates feed the in-process token buckets
	// that pace LLM spend; the HTTP pair configures the Redis sliding window.
	RateAnalysisPerMin float64
	RateAnalysisBurst  float64
	RateEmbedPerMin    float64
	RateEmbedBurst     float64
	RateHTTPLimit      int
	RateHTTPWindow     time.Duration

	// Tracing. A non-empty endpoint enables OTLP export.
	OTLPEndpoint string
}

func LoadConfig() (Config, error) {
	// Load .env if present; real environment variables win.
	_ = godotenv.Load()

	dataDir := getEnv("NEWSPIPE_DATA_DIR", "./data")
	cfg := Config{
		ListenAddr: getEnv("NEWSPIPE_LISTEN_ADDR", ":8600"),
		LogLevel:   getEnv("NEWSPIPE_LOG_LEVEL", "info"),

		DatabaseURL: getEnv("NEWSPIPE_DATABASE_URL", ""),
		RedisURL:    getEnv("NEWSPIPE_REDIS_URL", ""),

		DataDir: dataDir,
		BlobDir: getEnv("NEWSPIPE_BLOB_DIR", filepath.Join(dataDir, "news")),

		AdminToken:  getEnv("NEWSPIPE_ADMIN_TOKEN", ""),
		CORSOrigins: getEnvStringSlice("NEWSPIPE_CORS_ORIGINS", nil),

		PipelineEngine: getEnv("NEWSPIPE_PIPELINE_ENGINE", EngineWorker),
		Workers:        getEnvInt("NEWSPIPE_WORKERS", 4),
		RetentionCron:  getEnv("NEWSPIPE_RETENTION_CRON", "0 30 3 * * *"),

		TemporalHostPort:  getEnv("NEWSPIPE_TEMPORAL_HOSTPORT", "localhost:7233"),
		TemporalNamespace: getEnv("NEWSPIPE_TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getEnv("NEWSPIPE_TEMPORAL_TASKQUEUE", "newspipe-articles"),

		OpenAIBaseURL:    getEnv("NEWSPIPE_OPENAI_BASE_URL", ""),
		AnthropicBaseURL: getEnv("NEWSPIPE_ANTHROPIC_BASE_URL", ""),
		EmbedModel:       getEnv("NEWSPIPE_EMBED_MODEL", ""),
		EmbedDimensions:  getEnvInt("NEWSPIPE_EMBED_DIMENSIONS", 1536),

		TushareToken: getEnv("NEWSPIPE_TUSHARE_TOKEN", ""),
		TiingoToken:  getEnv("NEWSPIPE_TIINGO_TOKEN", ""),
		AkshareURL:   getEnv("NEWSPIPE_AKSHARE_URL", ""),
		QuoteTTL:     getEnvSecs("NEWSPIPE_QUOTE_TTL_SECS", 15),
		HistoryTTL:   getEnvSecs("NEWSPIPE_HISTORY_TTL_SECS", 300),

		BrowserURL:    getEnv("NEWSPIPE_BROWSER_URL", ""),
		ExtractAPIURL: getEnv("NEWSPIPE_EXTRACT_API_URL", ""),
		ExtractAPIKey: getEnv("NEWSPIPE_EXTRACT_API_KEY", ""),

		RateAnalysisPerMin: getEnvFloat("NEWSPIPE_RATE_ANALYSIS_PER_MIN", 30),
		RateAnalysisBurst:  getEnvFloat("NEWSPIPE_RATE_ANALYSIS_BURST", 5),
		RateEmbedPerMin:    getEnvFloat("NEWSPIPE_RATE_EMBED_PER_MIN", 120),
		RateEmbedBurst:     getEnvFloat("NEWSPIPE_RATE_EMBED_BURST", 10),
		RateHTTPLimit:      getEnvInt("NEWSPIPE_RATE_HTTP_LIMIT", 120),
		RateHTTPWindow:     getEnvSecs("NEWSPIPE_RATE_HTTP_WINDOW_SECS", 60),

		OTLPEndpoint: getEnv("NEWSPIPE_OTLP_ENDPOINT", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("NEWSPIPE_DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("NEWSPIPE_REDIS_URL is required")
	}
	if c.PipelineEngine != EngineWorker && c.PipelineEngine != EngineTemporal {
		return fmt.Errorf("NEWSPIPE_PIPELINE_ENGINE must be %q or %q, got %q",
			EngineWorker, EngineTemporal, c.PipelineEngine)
	}
	if c.Workers < 1 {
		return fmt.Errorf("NEWSPIPE_WORKERS must be >= 1, got %d", c.Workers)
	}
	if c.EmbedDimensions <= 0 {
		return fmt.Errorf("NEWSPIPE_EMBED_DIMENSIONS must be > 0, got %d", c.EmbedDimensions)
	}
	if c.RateAnalysisPerMin <= 0 || c.RateEmbedPerMin <= 0 {
		return fmt.Errorf("LLM rate limits must be > 0, got analysis=%g embed=%g",
			c.RateAnalysisPerMin, c.RateEmbedPerMin)
	}
	if c.RateHTTPLimit <= 0 {
		return fmt.Errorf("NEWSPIPE_RATE_HTTP_LIMIT must be > 0, got %d", c.RateHTTPLimit)
	}
	if c.RateHTTPWindow <= 0 {
		return fmt.Errorf("NEWSPIPE_RATE_HTTP_WINDOW_SECS must be > 0, got %s", c.RateHTTPWindow)
	}
	if c.QuoteTTL <= 0 || c.HistoryTTL <= 0 {
		return fmt.Errorf("cache TTLs must be > 0, got quote=%s history=%s", c.QuoteTTL, c.HistoryTTL)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvSecs(key string, defSecs int) time.Duration {
	return time.Duration(getEnvInt(key, defSecs)) * time.Second
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
