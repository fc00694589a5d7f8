package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/marketwire/newspipe/internal/store"
)

// Rubric dimensions for layer-1 scoring. Each is graded 0-100 by the model;
// the total therefore lands in 0-300 and is compared against the admin
// thresholds.
const scoringSystemPrompt = `You are a financial news triage analyst. Grade the article below on three dimensions, each 0-100:
- market_impact: how strongly could this move prices of identifiable assets?
- verifiability: does it cite concrete, checkable facts (figures, filings, named sources)?
- timeliness: is it new information rather than a recap or evergreen content?
Set is_critical=true only for market-moving events that must never be dropped regardless of score: trading halts, bankruptcy filings, M&A announcements, regulatory enforcement, or guidance withdrawals.
Respond with JSON only:
{"market_impact": int, "verifiability": int, "timeliness": int, "is_critical": bool, "reason": "one sentence"}`

const cleaningSystemPrompt = `You are cleaning a scraped financial news article. Remove navigation, ads, cookie banners, share buttons, newsletters, and unrelated teasers. Keep every sentence of the article itself; do not summarise, rephrase, or translate. If images are attached, describe any financial data they show (chart trends, table figures, key levels) in image_insights; otherwise leave it empty.
Respond with JSON only:
{"cleaned_text": "...", "image_insights": "...", "has_visual_data": bool}`

const deepFilterSystemPrompt = `You are a senior equity research analyst. Read the article and decide whether it is actionable financial news (keep) or noise (delete).
For keep, extract:
- entities: up to 8, each {"entity": name, "type": "stock"|"index"|"macro", "score": 0.0-1.0 relevance}
- sentiment: "bullish", "bearish", or "neutral" for the primary entity
- industry_tags: up to 5
- event_tags: up to 5 (e.g. earnings, guidance, m&a, regulation, macro-data)
- investment_summary: 2-3 sentences on what an investor should take away
- detailed_summary: one paragraph covering all material facts and figures
- analysis_report: structured markdown with sections for key facts, market impact, and risks
Respond with JSON only:
{"decision": "keep"|"delete", "entities": [...], "sentiment": "...", "industry_tags": [...], "event_tags": [...], "investment_summary": "...", "detailed_summary": "...", "analysis_report": "..."}`

const lightweightFilterSystemPrompt = `You are a financial news screener. Decide whether the article is worth keeping for investors (keep) or is noise (delete).
For keep, extract:
- entities: up to 4, each {"entity": name, "type": "stock"|"index"|"macro", "score": 0.0-1.0 relevance}
- sentiment: "bullish", "bearish", or "neutral"
- tags: up to 5 topic tags
- investment_summary: 1-2 sentences
Respond with JSON only:
{"decision": "keep"|"delete", "entities": [...], "sentiment": "...", "tags": [...], "investment_summary": "..."}`

// Character budgets for article text sent to layer 2. Deep analysis reads
// most of the article; the lightweight screen sees enough to judge.
const (
	deepFilterTextLimit  = 12000
	lightweightTextLimit = 4000
)

type scoreResponse struct {
	MarketImpact  int    `json:"market_impact"`
	Verifiability int    `json:"verifiability"`
	Timeliness    int    `json:"timeliness"`
	TotalScore    *int   `json:"total_score"`
	IsCritical    bool   `json:"is_critical"`
	Reason        string `json:"reason"`
}

// parseScore decodes the scoring response and returns the clamped total plus
// the raw breakdown for score_details.
func parseScore(content string) (total int, critical bool, details json.RawMessage, err error) {
	var r scoreResponse
	if err := json.Unmarshal(extractJSON(content), &r); err != nil {
		return 0, false, nil, fmt.Errorf("scoring response: %w", err)
	}
	r.MarketImpact = clamp(r.MarketImpact, 0, 100)
	r.Verifiability = clamp(r.Verifiability, 0, 100)
	r.Timeliness = clamp(r.Timeliness, 0, 100)
	total = r.MarketImpact + r.Verifiability + r.Timeliness
	if r.TotalScore != nil {
		total = clamp(*r.TotalScore, 0, 300)
	}
	details, merr := json.Marshal(map[string]any{
		"market_impact": r.MarketImpact,
		"verifiability": r.Verifiability,
		"timeliness":    r.Timeliness,
		"reason":        r.Reason,
	})
	if merr != nil {
		return 0, false, nil, merr
	}
	return total, r.IsCritical, details, nil
}

type cleaningResponse struct {
	CleanedText   string `json:"cleaned_text"`
	ImageInsights string `json:"image_insights"`
	HasVisualData bool   `json:"has_visual_data"`
}

func parseCleaning(content string) (*cleaningResponse, error) {
	var r cleaningResponse
	if err := json.Unmarshal(extractJSON(content), &r); err != nil {
		return nil, fmt.Errorf("cleaning response: %w", err)
	}
	return &r, nil
}

type analysisResponse struct {
	Decision          string         `json:"decision"`
	Entities          []store.Entity `json:"entities"`
	Sentiment         string         `json:"sentiment"`
	IndustryTags      []string       `json:"industry_tags"`
	EventTags         []string       `json:"event_tags"`
	Tags              []string       `json:"tags"` // lightweight variant
	InvestmentSummary string         `json:"investment_summary"`
	DetailedSummary   string         `json:"detailed_summary"`
	AnalysisReport    string         `json:"analysis_report"`
}

func parseAnalysis(content string, maxEntities int) (*analysisResponse, error) {
	var r analysisResponse
	if err := json.Unmarshal(extractJSON(content), &r); err != nil {
		return nil, fmt.Errorf("analysis response: %w", err)
	}
	r.Decision = strings.ToLower(strings.TrimSpace(r.Decision))
	if r.Decision != store.FilterKeep && r.Decision != store.FilterDelete {
		return nil, fmt.Errorf("analysis decision %q is not keep/delete", r.Decision)
	}
	r.Sentiment = strings.ToLower(strings.TrimSpace(r.Sentiment))

	// The lightweight variant returns a single tag list.
	if len(r.IndustryTags) == 0 && len(r.Tags) > 0 {
		r.IndustryTags = r.Tags
	}
	r.IndustryTags = capTags(r.IndustryTags, 5)
	r.EventTags = capTags(r.EventTags, 5)

	sort.SliceStable(r.Entities, func(i, j int) bool {
		return r.Entities[i].Score > r.Entities[j].Score
	})
	if len(r.Entities) > maxEntities {
		r.Entities = r.Entities[:maxEntities]
	}
	for i := range r.Entities {
		r.Entities[i].Type = strings.ToLower(strings.TrimSpace(r.Entities[i].Type))
		if r.Entities[i].Score < 0 {
			r.Entities[i].Score = 0
		}
		if r.Entities[i].Score > 1 {
			r.Entities[i].Score = 1
		}
	}
	return &r, nil
}

// analysisUpdate derives the RAG helper fields from the capped entity list
// and builds the persistence update.
func analysisUpdate(articleID int64, stage string, r *analysisResponse) store.AnalysisUpdate {
	u := store.AnalysisUpdate{
		ArticleID:         articleID,
		Stage:             stage,
		FilterStatus:      r.Decision,
		Sentiment:         r.Sentiment,
		Entities:          r.Entities,
		IndustryTags:      r.IndustryTags,
		EventTags:         r.EventTags,
		InvestmentSummary: strings.TrimSpace(r.InvestmentSummary),
		DetailedSummary:   strings.TrimSpace(r.DetailedSummary),
		AnalysisReport:    strings.TrimSpace(r.AnalysisReport),
	}
	// Entities arrive sorted by score, so the first one is the primary.
	if len(r.Entities) > 0 {
		u.PrimaryEntity = r.Entities[0].Entity
		u.PrimaryEntityType = r.Entities[0].Type
		u.MaxEntityScore = r.Entities[0].Score
	}
	for _, e := range r.Entities {
		switch e.Type {
		case store.EntityStock:
			u.HasStockEntities = true
		case store.EntityMacro:
			u.HasMacroEntities = true
		}
	}
	return u
}

// extractJSON tolerates models that wrap the JSON object in a code fence or
// prose by slicing from the first brace to the last.
func extractJSON(content string) []byte {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return []byte(content)
	}
	return []byte(content[start : end+1])
}

func capTags(tags []string, n int) []string {
	out := tags[:0]
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// truncateRunes cuts text to at most n runes without splitting a character.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
