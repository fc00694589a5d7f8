// Package stats keeps rolling in-memory aggregates of pipeline, LLM, and
// market-data activity for the admin stats endpoint. It answers "how is the
// pipeline doing right now" without a round trip to the database.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/marketwire/newspipe/internal/events"
)

// Snapshot is one observed operation: a pipeline stage run, an LLM call, or a
// market-data provider request. Exactly one of Stage, Purpose, or Provider is
// normally set; LLM snapshots carry both Purpose and Provider.
type Snapshot struct {
	Timestamp time.Time
	Stage     string
	Purpose   string
	Provider  string
	LatencyMs float64
	CostUSD   float64
	Success   bool
}

// Window defines a named time window for aggregation.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
	}
}

// Aggregate holds computed stats for a time window.
type Aggregate struct {
	Window       string  `json:"window"`
	Stage        string  `json:"stage,omitempty"`
	Purpose      string  `json:"purpose,omitempty"`
	Provider     string  `json:"provider,omitempty"`
	RequestCount int     `json:"request_count"`
	ErrorCount   int     `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Collector maintains rolling snapshots for the admin dashboard.
type Collector struct {
	mu        sync.RWMutex
	snapshots []Snapshot
	maxAge    time.Duration // oldest snapshot to keep
	windows   []Window
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{
		windows: DefaultWindows(),
		maxAge:  25 * time.Hour, // keep slightly more than the largest window
	}
}

// Record adds a new snapshot.
func (c *Collector) Record(s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.snapshots = append(c.snapshots, s)
	c.mu.Unlock()
}

// Observe converts a bus event into a snapshot. Events that carry no
// aggregatable signal are ignored, so the collector can be subscribed to the
// full event stream.
func (c *Collector) Observe(e events.Event) {
	switch e.Type {
	case events.EventStageCompleted:
		c.Record(Snapshot{Timestamp: e.Timestamp, Stage: e.Stage, LatencyMs: e.LatencyMs, Success: true})
	case events.EventStageFailed:
		c.Record(Snapshot{Timestamp: e.Timestamp, Stage: e.Stage, LatencyMs: e.LatencyMs, Success: false})
	case events.EventLLMCall:
		c.Record(Snapshot{
			Timestamp: e.Timestamp,
			Purpose:   e.Purpose,
			Provider:  e.ProviderID,
			LatencyMs: e.LatencyMs,
			CostUSD:   e.CostUSD,
			Success:   e.ErrorKind == "",
		})
	case events.EventProviderFallback:
		c.Record(Snapshot{Timestamp: e.Timestamp, Provider: e.ProviderID, Success: false})
	}
}

// Prune removes snapshots older than maxAge.
func (c *Collector) Prune() {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(cutoff)
}

// pruneLocked removes expired snapshots. Caller must hold c.mu (write lock).
func (c *Collector) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(c.snapshots) && c.snapshots[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.snapshots = c.snapshots[i:]
	}
}

// snapshotsAfterPrune acquires a write lock, prunes expired snapshots, and
// returns a copy of the current data. This avoids the lock gap that exists
// when Prune() and a read lock are acquired separately.
func (c *Collector) snapshotsAfterPrune() []Snapshot {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	c.pruneLocked(cutoff)
	cp := make([]Snapshot, len(c.snapshots))
	copy(cp, c.snapshots)
	c.mu.Unlock()
	return cp
}

// ByStage returns aggregated pipeline stats for all windows grouped by stage.
func (c *Collector) ByStage() map[string][]Aggregate {
	return c.grouped(func(s Snapshot) string { return s.Stage }, func(a *Aggregate, key string) { a.Stage = key })
}

// ByPurpose returns aggregated LLM stats for all windows grouped by purpose.
func (c *Collector) ByPurpose() map[string][]Aggregate {
	return c.grouped(func(s Snapshot) string { return s.Purpose }, func(a *Aggregate, key string) { a.Purpose = key })
}

// ByProvider returns aggregated stats for all windows grouped by provider.
func (c *Collector) ByProvider() map[string][]Aggregate {
	return c.grouped(func(s Snapshot) string { return s.Provider }, func(a *Aggregate, key string) { a.Provider = key })
}

func (c *Collector) grouped(keyOf func(Snapshot) string, setKey func(*Aggregate, string)) map[string][]Aggregate {
	snapshots := c.snapshotsAfterPrune()

	now := time.Now()
	result := make(map[string][]Aggregate)

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)

		byKey := make(map[string][]Snapshot)
		for _, s := range snapshots {
			key := keyOf(s)
			if key == "" || !s.Timestamp.After(cutoff) {
				continue
			}
			byKey[key] = append(byKey[key], s)
		}

		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			a := computeAggregate(w.Name, byKey[key])
			setKey(&a, key)
			result[w.Name] = append(result[w.Name], a)
		}
	}

	return result
}

// Global returns aggregate stats across all stages, purposes, and providers.
func (c *Collector) Global() []Aggregate {
	snapshots := c.snapshotsAfterPrune()

	now := time.Now()
	var result []Aggregate

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var snaps []Snapshot
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				snaps = append(snaps, s)
			}
		}
		if len(snaps) > 0 {
			result = append(result, computeAggregate(w.Name, snaps))
		}
	}

	return result
}

// SnapshotCount returns the total number of stored snapshots.
func (c *Collector) SnapshotCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}

func computeAggregate(window string, snaps []Snapshot) Aggregate {
	a := Aggregate{
		Window:       window,
		RequestCount: len(snaps),
	}

	var totalLatency float64
	latencies := make([]float64, 0, len(snaps))

	for _, s := range snaps {
		totalLatency += s.LatencyMs
		latencies = append(latencies, s.LatencyMs)
		a.TotalCostUSD += s.CostUSD
		if !s.Success {
			a.ErrorCount++
		}
	}

	if a.RequestCount > 0 {
		a.AvgLatencyMs = totalLatency / float64(a.RequestCount)
		a.ErrorRate = float64(a.ErrorCount) / float64(a.RequestCount)
	}

	sort.Float64s(latencies)
	if len(latencies) > 0 {
		idx := int(float64(len(latencies)) * 0.95)
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		a.P95LatencyMs = latencies[idx]
	}

	return a
}
