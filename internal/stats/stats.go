// Package stats maintains the advisory counters and gauges C9 publishes
// after every cycle (C10): per-region observation counts, dedup and
// enrichment ratios, a cycle-duration histogram, and system-wide uptime.
// Nothing here is authoritative — every value may be reset or go stale
// without correctness consequences, per spec.md §4.10.
package stats

import (
	"context"
	"fmt"
	"time"
)

// Writer is the narrow slice of the cache client stats needs: counter
// increments and gauge overwrites, both with no TTL.
type Writer interface {
	HIncrBy(ctx context.Context, key, field string, delta int64) error
	SetWithTTL(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

// cycleDurationBucketsMS are the cumulative histogram boundaries (le,
// milliseconds) used for stats:{region}:cycle_duration_ms_bucket:{le}.
var cycleDurationBucketsMS = []int64{100, 250, 500, 1000, 2500, 5000, 10000}

// CycleMetrics is everything C9 observes about one completed cycle.
type CycleMetrics struct {
	Region            string
	Duration          time.Duration
	TotalInputReports int
	PublishedReports  int
	DedupedGroups     int
	HelicopterCount   int
	EnrichmentHits    int
	EnrichmentMisses  int
	Timeouts          int
	PerSourceCounts   map[string]int
}

// Recorder publishes cycle metrics and system gauges to the cache.
type Recorder struct {
	cache Writer
}

func NewRecorder(cache Writer) *Recorder {
	return &Recorder{cache: cache}
}

// RecordCycle updates every per-region counter and gauge for one completed
// cycle. Best-effort: the first write error is returned, but the caller
// should treat a stats failure as advisory and never fail the cycle over it.
func (r *Recorder) RecordCycle(ctx context.Context, m CycleMetrics) error {
	prefix := "stats:" + m.Region + ":"

	if err := r.cache.HIncrBy(ctx, prefix+"aircraft_observed", "count", int64(m.PublishedReports)); err != nil {
		return fmt.Errorf("recording aircraft_observed: %w", err)
	}
	if err := r.cache.HIncrBy(ctx, prefix+"timeouts", "count", int64(m.Timeouts)); err != nil {
		return fmt.Errorf("recording timeouts: %w", err)
	}
	if err := r.cache.HIncrBy(ctx, prefix+"helicopters", "count", int64(m.HelicopterCount)); err != nil {
		return fmt.Errorf("recording helicopters: %w", err)
	}

	for source, count := range m.PerSourceCounts {
		if err := r.cache.HIncrBy(ctx, prefix+"observed_by_source", source, int64(count)); err != nil {
			return fmt.Errorf("recording source count for %q: %w", source, err)
		}
	}

	if err := r.cache.SetWithTTL(ctx, prefix+"dedup_ratio", dedupRatio(m), 0); err != nil {
		return fmt.Errorf("recording dedup_ratio: %w", err)
	}
	if err := r.cache.SetWithTTL(ctx, prefix+"enrichment_hit_rate", enrichmentHitRate(m), 0); err != nil {
		return fmt.Errorf("recording enrichment_hit_rate: %w", err)
	}

	if err := r.recordCycleDuration(ctx, m.Region, m.Duration); err != nil {
		return err
	}

	return nil
}

func dedupRatio(m CycleMetrics) float64 {
	if m.PublishedReports == 0 {
		return 0
	}
	return float64(m.DedupedGroups) / float64(m.PublishedReports)
}

func enrichmentHitRate(m CycleMetrics) float64 {
	total := m.EnrichmentHits + m.EnrichmentMisses
	if total == 0 {
		return 0
	}
	return float64(m.EnrichmentHits) / float64(total)
}

// recordCycleDuration increments every cumulative histogram bucket whose
// upper bound is at least the observed duration, Prometheus-style.
func (r *Recorder) recordCycleDuration(ctx context.Context, region string, d time.Duration) error {
	ms := d.Milliseconds()
	prefix := fmt.Sprintf("stats:%s:cycle_duration_ms_bucket:", region)

	for _, le := range cycleDurationBucketsMS {
		if ms > le {
			continue
		}
		key := fmt.Sprintf("%s%d", prefix, le)
		if err := r.cache.HIncrBy(ctx, key, "count", 1); err != nil {
			return fmt.Errorf("recording cycle_duration bucket %d: %w", le, err)
		}
	}
	// The +Inf bucket always fires, counting every observation.
	if err := r.cache.HIncrBy(ctx, prefix+"+Inf", "count", 1); err != nil {
		return fmt.Errorf("recording cycle_duration +Inf bucket: %w", err)
	}
	return nil
}

// RecordSystemUptime publishes the process-wide gauges: how many regions
// are enabled and how long the process has been running.
func (r *Recorder) RecordSystemUptime(ctx context.Context, regionsEnabled int, uptime time.Duration) error {
	if err := r.cache.SetWithTTL(ctx, "stats:system:regions_enabled", regionsEnabled, 0); err != nil {
		return fmt.Errorf("recording regions_enabled: %w", err)
	}
	if err := r.cache.SetWithTTL(ctx, "stats:system:uptime_seconds", int64(uptime.Seconds()), 0); err != nil {
		return fmt.Errorf("recording uptime_seconds: %w", err)
	}
	return nil
}
