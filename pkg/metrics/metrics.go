// Package metrics tracks latency quantiles and outcome counts for cache
// operations.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Operation names recorded by the cache store.
const (
	OpSave          = "save"
	OpRestore       = "restore"
	OpLookup        = "lookup"
	OpArchiveCreate = "archive_create"
	OpArchiveUnpack = "archive_extract"
	OpBackendWrite  = "backend_write"
	OpBackendRead   = "backend_read"
)

// LatencyTracker tracks latency quantiles using DDSketch, plus a count per
// named outcome (hit, miss, soft failure, ...).
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	counters         map[string]int64
	relativeAccuracy float64
}

// NewLatencyTracker creates a new latency tracker with DDSketch.
// relativeAccuracy determines the accuracy of quantile estimates (e.g., 0.01 = 1% accuracy)
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		counters:         make(map[string]int64),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given operation.
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			// Fallback to default sketch if there's an error
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}

	// Record duration in milliseconds
	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// RecordFunc wraps a function and records its execution time.
func (lt *LatencyTracker) RecordFunc(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	lt.Record(operation, time.Since(start))
	return err
}

// Start returns a function that records the time elapsed since Start was
// called. Intended for defer.
func (lt *LatencyTracker) Start(operation string) func() {
	start := time.Now()
	return func() {
		lt.Record(operation, time.Since(start))
	}
}

// Inc increments the named outcome counter.
func (lt *LatencyTracker) Inc(counter string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.counters[counter]++
}

// Count returns the value of the named outcome counter.
func (lt *LatencyTracker) Count(counter string) int64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.counters[counter]
}

// Counters returns a copy of all outcome counters.
func (lt *LatencyTracker) Counters() map[string]int64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make(map[string]int64, len(lt.counters))
	for k, v := range lt.counters {
		out[k] = v
	}
	return out
}

// GetQuantile returns the value at the given quantile for the operation.
// quantile should be between 0 and 1 (e.g., 0.5 for median, 0.99 for p99).
func (lt *LatencyTracker) GetQuantile(operation string, quantile float64) (float64, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		return 0, fmt.Errorf("no data for operation: %s", operation)
	}

	return sketch.GetValueAtQuantile(quantile)
}

// Stats holds common latency statistics for an operation, in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P95       float64
	P99       float64
	Max       float64
}

// GetStats returns statistics for the given operation.
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(operation)
}

func (lt *LatencyTracker) statsLocked(operation string) (Stats, error) {
	sketch, exists := lt.sketches[operation]
	if !exists {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}

	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: operation}, nil
	}

	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p95, _ := sketch.GetValueAtQuantile(0.95)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()

	return Stats{
		Operation: operation,
		Count:     int64(count),
		Min:       min,
		P50:       p50,
		P90:       p90,
		P95:       p95,
		P99:       p99,
		Max:       max,
	}, nil
}

// GetAllStats returns statistics for all tracked operations, sorted by name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]Stats, 0, len(lt.sketches))
	for operation := range lt.sketches {
		if stat, err := lt.statsLocked(operation); err == nil {
			stats = append(stats, stat)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Operation < stats[j].Operation })
	return stats
}

// String returns a human-readable line of the statistics.
func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p95=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P95, s.P99, s.Max)
}
