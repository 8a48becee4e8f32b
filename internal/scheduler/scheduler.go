// Package scheduler drives the per-region collection cycle (C9): a fixed
// cadence tick that fans out to the configured sources, blends and
// enriches the result, and pipeline-writes the published set. One
// Scheduler owns exactly one region and runs a single-owner loop;
// concurrency is confined to the fan-out and the final pipelined write.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skyfeed/aggregator/internal/errs"
	"github.com/skyfeed/aggregator/internal/stats"
	"github.com/skyfeed/aggregator/pkg/blend"
	"github.com/skyfeed/aggregator/pkg/enrich"
	"github.com/skyfeed/aggregator/pkg/geo"
	"github.com/skyfeed/aggregator/pkg/model"
	"github.com/skyfeed/aggregator/pkg/sources"
)

// State is the per-region scheduler state machine: Idle -> Fetching ->
// Blending -> Writing -> Idle, plus Degraded, entered on a fatal cache
// failure and left on the first tick whose cache Ping succeeds.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateBlending State = "blending"
	StateWriting  State = "writing"
	StateDegraded State = "degraded"
)

// CacheWriter is the slice of the cache client a cycle reads through: the
// push-buffer scan and the Degraded-state reachability ping. Writes go
// through Pipeline.
type CacheWriter interface {
	ScanPrefix(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
	Ping(ctx context.Context) error
}

// Pipeline is the narrow pipelined-write contract scheduler depends on,
// satisfied structurally by *cache.Client's pipeline type.
type Pipeline interface {
	SetWithTTL(key string, v interface{}, ttl time.Duration) error
	Exec(ctx context.Context) error
}

// Enricher is the narrow C8 dependency, satisfied by pkg/enrich's package
// function via a thin adapter in the caller's wiring.
type Enricher interface {
	Enrich(ctx context.Context, reports []model.Report) (enrich.Result, error)
}

// Scheduler drives one region's collection cycle.
type Scheduler struct {
	region       model.Region
	box          model.BoundingBox
	sources      []sources.Source
	hasPush      bool
	cache        CacheWriter
	newPipeline  func() Pipeline
	enricher     Enricher
	recorder     *stats.Recorder
	tickInterval time.Duration
	flightTTL    time.Duration
	logger       *slog.Logger

	mu    sync.Mutex
	state State
}

// Config bundles everything one Scheduler instance needs for its region.
type Config struct {
	Region       model.Region
	Sources      []sources.Source
	HasPush      bool
	Cache        CacheWriter
	NewPipeline  func() Pipeline
	Enricher     Enricher
	Recorder     *stats.Recorder
	TickInterval time.Duration
	FlightTTL    time.Duration
	Logger       *slog.Logger
}

func New(cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.FlightTTL <= 0 {
		cfg.FlightTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		region:       cfg.Region,
		box:          geo.BoundingBox(cfg.Region.CenterLat, cfg.Region.CenterLon, cfg.Region.RadiusMiles),
		sources:      cfg.Sources,
		hasPush:      cfg.HasPush,
		cache:        cfg.Cache,
		newPipeline:  cfg.NewPipeline,
		enricher:     cfg.Enricher,
		recorder:     cfg.Recorder,
		tickInterval: cfg.TickInterval,
		flightTTL:    cfg.FlightTTL,
		logger:       logger.With("region", cfg.Region.ID),
		state:        StateIdle,
	}
}

// State reports the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the tick loop until ctx is cancelled. A tick never overlaps
// the previous one: if a cycle runs longer than tickInterval, the next
// tick begins immediately afterward with no catch-up of missed ticks.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// runTick executes exactly one cycle. It never returns an error: every
// failure is logged and counted, since a single bad cycle must not crash
// the process.
func (s *Scheduler) runTick(ctx context.Context) {
	start := time.Now()

	if s.State() == StateDegraded {
		if err := s.cache.Ping(ctx); err != nil {
			s.logger.Debug("cache still unreachable, remaining degraded")
			return
		}
		s.logger.Info("cache reachable again, resuming writes")
	}

	waveDeadline := s.tickInterval - time.Second
	if waveDeadline <= 0 {
		waveDeadline = s.tickInterval
	}
	fetchCtx, cancel := context.WithTimeout(ctx, waveDeadline)
	defer cancel()

	s.setState(StateFetching)
	inputs, timeouts := s.fanOut(fetchCtx)

	if ctx.Err() != nil {
		// Shutdown arrived before blending started: abandon the tick rather
		// than produce a partial write.
		s.setState(StateIdle)
		return
	}

	s.setState(StateBlending)
	blended := blend.Blend(s.region, s.box, inputs)

	enrichResult, err := s.enricher.Enrich(ctx, blended.Reports)
	if err != nil {
		s.logger.Warn("enrichment failed, publishing unenriched reports", "error", err)
		enrichResult = enrich.Result{Reports: blended.Reports}
	}

	s.setState(StateWriting)
	if err := s.write(ctx, inputs, enrichResult); err != nil {
		if isFatalCacheError(err) {
			s.logger.Error("cache write failed fatally, entering degraded state", "error", err)
			s.setState(StateDegraded)
			return
		}
		s.logger.Warn("cache write failed", "error", err)
	}

	duration := time.Since(start)
	if s.recorder != nil {
		metrics := stats.CycleMetrics{
			Region:            s.region.ID,
			Duration:          duration,
			TotalInputReports: blended.TotalInputReports,
			PublishedReports:  len(enrichResult.Reports),
			DedupedGroups:     blended.DedupedGroups,
			HelicopterCount:   len(enrichResult.Choppers),
			EnrichmentHits:    enrichResult.HitCount,
			EnrichmentMisses:  enrichResult.MissCount,
			Timeouts:          timeouts,
			PerSourceCounts:   perSourceCounts(inputs),
		}
		if err := s.recorder.RecordCycle(ctx, metrics); err != nil {
			s.logger.Warn("recording cycle stats failed", "error", err)
		}
	}

	s.setState(StateIdle)
}

// fanOut concurrently fetches every configured source plus the union of
// push buffers, each against the wave deadline already set on ctx. A
// source that misses the deadline contributes an empty list and is
// counted as a timeout.
func (s *Scheduler) fanOut(ctx context.Context) ([]blend.SourceInput, int) {
	type fetchResult struct {
		input   blend.SourceInput
		timeout bool
	}

	results := make([]fetchResult, len(s.sources))
	var wg sync.WaitGroup
	for i, src := range s.sources {
		wg.Add(1)
		go func(i int, src sources.Source) {
			defer wg.Done()
			reports, err := src.Fetch(ctx)
			timeout := ctx.Err() != nil
			if err != nil {
				s.logger.Warn("source fetch failed", "source", src.ID(), "error", err)
				reports = nil
			}
			results[i] = fetchResult{
				input:   blend.SourceInput{SourceID: src.ID(), Priority: src.Priority(), Reports: reports},
				timeout: timeout && err != nil,
			}
		}(i, src)
	}

	var pushInputs []blend.SourceInput
	var pushTimedOut bool
	if s.hasPush {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			pushInputs, err = s.readPushBuffers(ctx)
			if err != nil {
				s.logger.Warn("reading push buffers failed", "error", err)
				pushTimedOut = ctx.Err() != nil
			}
		}()
	}

	wg.Wait()

	inputs := make([]blend.SourceInput, 0, len(results)+len(pushInputs))
	timeouts := 0
	for _, r := range results {
		inputs = append(inputs, r.input)
		if r.timeout {
			timeouts++
		}
	}
	inputs = append(inputs, pushInputs...)
	if pushTimedOut {
		timeouts++
	}

	return inputs, timeouts
}

// readPushBuffers reads every {region}:push:{station} buffer in one
// pipelined round trip and groups it as one SourceInput per station, per
// spec.md §4.9 step 2.
func (s *Scheduler) readPushBuffers(ctx context.Context) ([]blend.SourceInput, error) {
	prefix := "{" + s.region.ID + "}:push:"
	raw, err := s.cache.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("scanning push buffers: %w", err)
	}

	inputs := make([]blend.SourceInput, 0, len(raw))
	for key, value := range raw {
		station := key[len(prefix):]
		reports, err := decodeReports(value)
		if err != nil {
			s.logger.Warn("decoding push buffer failed", "station", station, "error", err)
			continue
		}
		inputs = append(inputs, blend.SourceInput{
			SourceID: model.PiStationPrefix + station,
			Priority: model.PriorityPiStation,
			Reports:  reports,
		})
	}
	return inputs, nil
}

// write pipeline-writes the published set: {region}:flights,
// {region}:choppers, aircraft_live:{hex} per record, and {region}:raw:{source}
// for every source that returned a non-empty list.
func (s *Scheduler) write(ctx context.Context, inputs []blend.SourceInput, enriched enrich.Result) error {
	p := s.newPipeline()

	if err := p.SetWithTTL("{"+s.region.ID+"}:flights", enriched.Reports, s.flightTTL); err != nil {
		return fmt.Errorf("queuing flights write: %w", err)
	}
	if err := p.SetWithTTL("{"+s.region.ID+"}:choppers", enriched.Choppers, s.flightTTL); err != nil {
		return fmt.Errorf("queuing choppers write: %w", err)
	}
	for _, r := range enriched.Reports {
		if err := p.SetWithTTL("aircraft_live:"+r.Hex, r, s.flightTTL); err != nil {
			return fmt.Errorf("queuing aircraft_live write for %q: %w", r.Hex, err)
		}
	}
	for _, in := range inputs {
		if len(in.Reports) == 0 {
			continue
		}
		key := "{" + s.region.ID + "}:raw:" + in.SourceID
		if err := p.SetWithTTL(key, in.Reports, s.flightTTL); err != nil {
			return fmt.Errorf("queuing raw write for %q: %w", in.SourceID, err)
		}
	}

	if err := p.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCacheUnreachable, err)
	}
	return nil
}

func perSourceCounts(inputs []blend.SourceInput) map[string]int {
	counts := make(map[string]int, len(inputs))
	for _, in := range inputs {
		counts[in.SourceID] = len(in.Reports)
	}
	return counts
}

// isFatalCacheError reports whether err represents the backing store being
// unreachable, as opposed to a transient per-key failure.
func isFatalCacheError(err error) bool {
	return errors.Is(err, errs.ErrCacheUnreachable)
}

func decodeReports(raw json.RawMessage) ([]model.Report, error) {
	var reports []model.Report
	if err := json.Unmarshal(raw, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}
