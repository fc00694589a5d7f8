package stats

import (
	"testing"
	"time"

	"github.com/marketwire/newspipe/internal/events"
)

func TestRecordAndGlobal(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, Stage: "layer1_scoring", LatencyMs: 100, CostUSD: 0.01, Success: true})
	c.Record(Snapshot{Timestamp: now, Stage: "content_fetch", LatencyMs: 200, CostUSD: 0.02, Success: true})

	global := c.Global()
	if len(global) == 0 {
		t.Fatal("expected global aggregates")
	}

	found := false
	for _, a := range global {
		if a.Window == "1m" {
			found = true
			if a.RequestCount != 2 {
				t.Errorf("expected 2 requests, got %d", a.RequestCount)
			}
			if a.AvgLatencyMs != 150 {
				t.Errorf("expected avg latency 150, got %.1f", a.AvgLatencyMs)
			}
			if a.TotalCostUSD != 0.03 {
				t.Errorf("expected total cost 0.03, got %.4f", a.TotalCostUSD)
			}
		}
	}
	if !found {
		t.Error("expected 1m window in global stats")
	}
}

func TestByStage(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, Stage: "layer2_analysis", LatencyMs: 100, Success: true})
	c.Record(Snapshot{Timestamp: now, Stage: "layer2_analysis", LatencyMs: 200, Success: false})
	c.Record(Snapshot{Timestamp: now, Stage: "embedding", LatencyMs: 50, Success: true})

	byStage := c.ByStage()
	oneMin, ok := byStage["1m"]
	if !ok {
		t.Fatal("expected 1m window")
	}

	if len(oneMin) != 2 {
		t.Fatalf("expected 2 stage groups, got %d", len(oneMin))
	}

	for _, a := range oneMin {
		if a.Stage == "layer2_analysis" {
			if a.RequestCount != 2 {
				t.Errorf("expected 2 requests for layer2_analysis, got %d", a.RequestCount)
			}
			if a.ErrorCount != 1 {
				t.Errorf("expected 1 error for layer2_analysis, got %d", a.ErrorCount)
			}
			if a.ErrorRate != 0.5 {
				t.Errorf("expected 0.5 error rate, got %.2f", a.ErrorRate)
			}
		}
	}
}

func TestByProvider(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, Provider: "alphavantage", LatencyMs: 100, Success: true})
	c.Record(Snapshot{Timestamp: now, Provider: "alphavantage", LatencyMs: 200, Success: true})
	c.Record(Snapshot{Timestamp: now, Provider: "tiingo", LatencyMs: 50, Success: true})

	byProvider := c.ByProvider()
	oneMin, ok := byProvider["1m"]
	if !ok {
		t.Fatal("expected 1m window")
	}

	if len(oneMin) != 2 {
		t.Fatalf("expected 2 provider groups, got %d", len(oneMin))
	}
}

func TestByPurposeCarriesCost(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, Purpose: "deep_filter", Provider: "openai", LatencyMs: 900, CostUSD: 0.004, Success: true})
	c.Record(Snapshot{Timestamp: now, Purpose: "deep_filter", Provider: "openai", LatencyMs: 1100, CostUSD: 0.006, Success: true})
	c.Record(Snapshot{Timestamp: now, Purpose: "layer1_scoring", Provider: "openai", LatencyMs: 300, CostUSD: 0.001, Success: true})

	byPurpose := c.ByPurpose()
	oneMin := byPurpose["1m"]
	if len(oneMin) != 2 {
		t.Fatalf("expected 2 purpose groups, got %d", len(oneMin))
	}
	for _, a := range oneMin {
		if a.Purpose == "deep_filter" && a.TotalCostUSD != 0.01 {
			t.Errorf("expected deep_filter cost 0.01, got %.4f", a.TotalCostUSD)
		}
	}
}

func TestObserveMapsEvents(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Observe(events.Event{Type: events.EventStageCompleted, Timestamp: now, Stage: "content_fetch", LatencyMs: 120})
	c.Observe(events.Event{Type: events.EventStageFailed, Timestamp: now, Stage: "content_fetch", LatencyMs: 80, ErrorKind: "fetch_failed"})
	c.Observe(events.Event{Type: events.EventLLMCall, Timestamp: now, Purpose: "layer1_scoring", ProviderID: "openai", LatencyMs: 400, CostUSD: 0.002})
	c.Observe(events.Event{Type: events.EventArticleEnqueued, Timestamp: now, ArticleID: 1})

	if c.SnapshotCount() != 3 {
		t.Fatalf("expected 3 snapshots (enqueue event ignored), got %d", c.SnapshotCount())
	}

	byStage := c.ByStage()["1m"]
	if len(byStage) != 1 {
		t.Fatalf("expected 1 stage group, got %d", len(byStage))
	}
	if byStage[0].RequestCount != 2 || byStage[0].ErrorCount != 1 {
		t.Errorf("unexpected fetch aggregate: %+v", byStage[0])
	}

	byPurpose := c.ByPurpose()["1m"]
	if len(byPurpose) != 1 || byPurpose[0].Purpose != "layer1_scoring" {
		t.Fatalf("unexpected purpose groups: %+v", byPurpose)
	}
}

func TestPrune(t *testing.T) {
	c := NewCollector()
	c.maxAge = time.Second // short window for testing

	old := time.Now().Add(-2 * time.Second)
	recent := time.Now()

	c.Record(Snapshot{Timestamp: old, Stage: "layer1_scoring", Success: true})
	c.Record(Snapshot{Timestamp: recent, Stage: "layer1_scoring", Success: true})

	c.Prune()

	if c.SnapshotCount() != 1 {
		t.Errorf("expected 1 snapshot after prune, got %d", c.SnapshotCount())
	}
}

func TestP95Latency(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	// 20 samples: 19 fast (10ms) + 1 slow (500ms).
	for i := 0; i < 19; i++ {
		c.Record(Snapshot{Timestamp: now, Stage: "embedding", LatencyMs: 10, Success: true})
	}
	c.Record(Snapshot{Timestamp: now, Stage: "embedding", LatencyMs: 500, Success: true})

	global := c.Global()
	for _, a := range global {
		if a.Window == "1m" {
			if a.P95LatencyMs != 500 {
				t.Errorf("expected p95=500, got %.1f", a.P95LatencyMs)
			}
		}
	}
}

func TestEmptyCollector(t *testing.T) {
	c := NewCollector()
	global := c.Global()
	if len(global) != 0 {
		t.Errorf("expected empty global, got %d", len(global))
	}
}
