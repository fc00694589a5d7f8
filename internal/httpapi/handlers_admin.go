package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marketwire/newspipe/internal/health"
	"github.com/marketwire/newspipe/internal/pipeline"
	"github.com/marketwire/newspipe/internal/store"
)

// credentialMask replaces sealed provider credentials in GET responses. A PUT
// that sends the mask back keeps the stored credential untouched, so clients
// can round-trip settings without ever seeing key material.
const credentialMask = "[sealed]"

func maskCredentials(s *store.Settings) {
	masked := make(map[string]string, len(s.ProviderCredentials))
	for provider := range s.ProviderCredentials {
		masked[provider] = credentialMask
	}
	s.ProviderCredentials = masked
}

func SettingsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := d.Store.GetSettings(r.Context())
		if err != nil {
			storeError(w, err)
			return
		}
		maskCredentials(settings)
		writeJSON(w, http.StatusOK, settings)
	}
}

// SettingsPutHandler replaces the system settings. Credential values arrive
// in plaintext and are sealed before they touch the database; the mask
// sentinel keeps an existing credential, an empty string drops it.
func SettingsPutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req store.Settings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad_request", "bad json", http.StatusBadRequest)
			return
		}
		if err := validateSettings(req); err != nil {
			jsonError(w, "bad_request", err.Error(), http.StatusBadRequest)
			return
		}

		current, err := d.Store.GetSettings(r.Context())
		if err != nil {
			storeError(w, err)
			return
		}

		sealed := make(map[string]string, len(req.ProviderCredentials))
		for provider, value := range req.ProviderCredentials {
			switch value {
			case "":
				// dropped
			case credentialMask:
				if existing, ok := current.ProviderCredentials[provider]; ok {
					sealed[provider] = existing
				}
			default:
				if d.Vault == nil {
					jsonError(w, "internal", "credential vault not configured", http.StatusInternalServerError)
					return
				}
				box, err := d.Vault.Seal(value)
				if err != nil {
					jsonError(w, "internal", "seal credential: "+err.Error(), http.StatusInternalServerError)
					return
				}
				sealed[provider] = box
			}
		}
		req.ProviderCredentials = sealed

		if err := d.Store.SaveSettings(r.Context(), req); err != nil {
			storeError(w, err)
			return
		}
		d.logger().Info("settings updated",
			"enable_llm_pipeline", req.EnableLLMPipeline,
			"discard_threshold", req.DiscardThreshold,
			"full_analysis_threshold", req.FullAnalysisThreshold)

		maskCredentials(&req)
		writeJSON(w, http.StatusOK, req)
	}
}

func validateSettings(s store.Settings) error {
	if s.DiscardThreshold < 0 || s.DiscardThreshold > 300 {
		return fmt.Errorf("discard_threshold must be within 0-300, got %d", s.DiscardThreshold)
	}
	if s.FullAnalysisThreshold < 0 || s.FullAnalysisThreshold > 300 {
		return fmt.Errorf("full_analysis_threshold must be within 0-300, got %d", s.FullAnalysisThreshold)
	}
	if s.DiscardThreshold > s.FullAnalysisThreshold {
		return fmt.Errorf("discard_threshold %d exceeds full_analysis_threshold %d",
			s.DiscardThreshold, s.FullAnalysisThreshold)
	}
	if s.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", s.RetentionDays)
	}
	for purpose, asg := range s.ModelAssignments {
		if asg.Provider == "" || asg.Model == "" {
			return fmt.Errorf("model assignment for %q needs provider and model", purpose)
		}
	}
	return nil
}

func PricingListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pricing, err := d.Store.ListModelPricing(r.Context())
		if err != nil {
			storeError(w, err)
			return
		}
		if pricing == nil {
			pricing = []store.ModelPricing{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"pricing": pricing})
	}
}

func PricingUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p store.ModelPricing
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			jsonError(w, "bad_request", "bad json", http.StatusBadRequest)
			return
		}
		if p.Model == "" {
			jsonError(w, "bad_request", "model required", http.StatusBadRequest)
			return
		}
		if p.InputPer1M < 0 || p.CachedInputPer1M < 0 || p.OutputPer1M < 0 {
			jsonError(w, "bad_request", "prices must be >= 0", http.StatusBadRequest)
			return
		}
		if p.EffectiveFrom.IsZero() {
			p.EffectiveFrom = time.Now().UTC().Truncate(24 * time.Hour)
		}
		if err := d.Store.UpsertModelPricing(r.Context(), p); err != nil {
			storeError(w, err)
			return
		}
		d.logger().Info("model pricing updated",
			"model", p.Model, "effective_from", p.EffectiveFrom.Format("2006-01-02"))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// costQuery reads the shared from/to/purpose/model filter. The window
// defaults to the last 30 days.
func costQuery(r *http.Request) (store.CostQuery, error) {
	q := store.CostQuery{
		Purpose: r.URL.Query().Get("purpose"),
		Model:   r.URL.Query().Get("model"),
	}
	from, ok, err := queryTime(r, "from")
	if err != nil {
		return q, fmt.Errorf("from must be RFC 3339 or YYYY-MM-DD")
	}
	if !ok {
		from = time.Now().UTC().AddDate(0, 0, -30)
	}
	to, ok, err := queryTime(r, "to")
	if err != nil {
		return q, fmt.Errorf("to must be RFC 3339 or YYYY-MM-DD")
	}
	if !ok {
		to = time.Now().UTC()
	}
	q.From, q.To = from, to
	return q, nil
}

func CostsSummaryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := costQuery(r)
		if err != nil {
			jsonError(w, "bad_request", err.Error(), http.StatusBadRequest)
			return
		}
		summary, err := d.Store.CostSummary(r.Context(), q)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func CostsDailyHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := costQuery(r)
		if err != nil {
			jsonError(w, "bad_request", err.Error(), http.StatusBadRequest)
			return
		}
		days, err := d.Store.DailyCosts(r.Context(), q)
		if err != nil {
			storeError(w, err)
			return
		}
		if days == nil {
			days = []store.DailyCost{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"days": days})
	}
}

func CostsPurposesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := costQuery(r)
		if err != nil {
			jsonError(w, "bad_request", err.Error(), http.StatusBadRequest)
			return
		}
		purposes, err := d.Store.PurposeCosts(r.Context(), q)
		if err != nil {
			storeError(w, err)
			return
		}
		if purposes == nil {
			purposes = []store.PurposeCost{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"purposes": purposes})
	}
}

// UsageListHandler returns raw LLM usage records, newest first.
func UsageListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		if limit < 1 {
			limit = 100
		}
		if limit > 1000 {
			limit = 1000
		}
		offset := queryInt(r, "offset", 0)
		if offset < 0 {
			offset = 0
		}
		records, err := d.Store.ListUsageRecords(r.Context(), store.ListUsageParams{
			Purpose: r.URL.Query().Get("purpose"),
			Model:   r.URL.Query().Get("model"),
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			storeError(w, err)
			return
		}
		if records == nil {
			records = []store.UsageRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"records": records,
			"limit":   limit,
			"offset":  offset,
		})
	}
}

// SeriesHandler reads one operational metric series, optionally downsampled.
func SeriesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("series")
		if name == "" {
			jsonError(w, "bad_request", "series parameter required", http.StatusBadRequest)
			return
		}
		q := store.SeriesQuery{Series: name}

		from, ok, err := queryTime(r, "from")
		if err != nil {
			jsonError(w, "bad_request", "from must be RFC 3339 or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		if !ok {
			from = time.Now().UTC().Add(-24 * time.Hour)
		}
		to, ok, err := queryTime(r, "to")
		if err != nil {
			jsonError(w, "bad_request", "to must be RFC 3339 or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		if !ok {
			to = time.Now().UTC()
		}
		q.From, q.To = from, to

		if step := r.URL.Query().Get("step"); step != "" {
			dur, err := time.ParseDuration(step)
			if err != nil || dur < 0 {
				jsonError(w, "bad_request", "step must be a duration like 5m", http.StatusBadRequest)
				return
			}
			q.Step = dur
		}

		points, err := d.Series.Query(r.Context(), q)
		if err != nil {
			storeError(w, err)
			return
		}
		if points == nil {
			points = []store.MetricPoint{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"series": name,
			"points": points,
		})
	}
}

func ProviderHealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Health == nil {
			writeJSON(w, http.StatusOK, map[string]any{"providers": []health.Stats{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": d.Health.AllStats()})
	}
}

// NewsEventsHandler lists the persisted pipeline transitions for one article,
// newest first.
func NewsEventsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			jsonError(w, "bad_request", "invalid article id", http.StatusBadRequest)
			return
		}
		limit := queryInt(r, "limit", 50)
		events, err := d.Store.ListPipelineEvents(r.Context(), id, limit)
		if err != nil {
			storeError(w, err)
			return
		}
		if events == nil {
			events = []store.PipelineEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

// ReprocessHandler clears an article's verdicts and schedules the chain from
// scoring. Fetched content is kept; embeddings are rebuilt after the new
// analysis.
func ReprocessHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			jsonError(w, "bad_request", "invalid article id", http.StatusBadRequest)
			return
		}
		article, err := d.Store.GetArticle(r.Context(), id)
		if err != nil {
			storeError(w, err)
			return
		}
		if err := d.Store.ResetArticle(r.Context(), id); err != nil {
			storeError(w, err)
			return
		}
		if err := d.Pipeline.Requeue(r.Context(), id, article.Symbol, pipeline.StageScore); err != nil {
			jsonError(w, "internal", "reset applied but enqueue failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		d.logger().Info("article reprocess scheduled", "article_id", id)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": id})
	}
}
