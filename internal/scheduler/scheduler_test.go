package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/skyfeed/aggregator/internal/stats"
	"github.com/skyfeed/aggregator/pkg/enrich"
	"github.com/skyfeed/aggregator/pkg/model"
	"github.com/skyfeed/aggregator/pkg/sources"
)

func ptr(f float64) *float64 { return &f }

type fakeSource struct {
	id       string
	priority int
	reports  []model.Report
	err      error
	delay    time.Duration
}

func (f fakeSource) ID() string    { return f.id }
func (f fakeSource) Priority() int { return f.priority }
func (f fakeSource) Fetch(ctx context.Context) ([]model.Report, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.reports, f.err
}

var _ sources.Source = fakeSource{}

type fakeCacheWriter struct {
	mu      sync.Mutex
	scanned map[string]json.RawMessage
}

func (f *fakeCacheWriter) ScanPrefix(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string]json.RawMessage)
	for k, v := range f.scanned {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			result[k] = v
		}
	}
	return result, nil
}

func (f *fakeCacheWriter) Ping(_ context.Context) error { return nil }

type fakePipeline struct {
	mu     sync.Mutex
	writes map[string]interface{}
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{writes: make(map[string]interface{})}
}

func (p *fakePipeline) SetWithTTL(key string, v interface{}, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes[key] = v
	return nil
}

func (p *fakePipeline) Exec(_ context.Context) error { return nil }

type passthroughEnricher struct{}

func (passthroughEnricher) Enrich(_ context.Context, reports []model.Report) (enrich.Result, error) {
	choppers := make([]model.Report, 0)
	for _, r := range reports {
		if r.IsHelicopter {
			choppers = append(choppers, r)
		}
	}
	return enrich.Result{Reports: reports, Choppers: choppers}, nil
}

type memStatsWriter struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]interface{}
}

func newMemStatsWriter() *memStatsWriter {
	return &memStatsWriter{counters: make(map[string]int64), gauges: make(map[string]interface{})}
}

func (m *memStatsWriter) HIncrBy(_ context.Context, key, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key+"|"+field] += delta
	return nil
}

func (m *memStatsWriter) SetWithTTL(_ context.Context, key string, v interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key] = v
	return nil
}

func testRegion() model.Region {
	return model.Region{ID: "r1", CenterLat: 32.3513, CenterLon: -95.3011, RadiusMiles: 150}
}

// pipelineSlot lets a test read the *fakePipeline a scheduler's write step
// created, after calling runTick, by sharing a pointer the NewPipeline
// closure fills in at call time.
type pipelineSlot struct {
	pipeline *fakePipeline
}

func (s *pipelineSlot) newPipeline() Pipeline {
	s.pipeline = newFakePipeline()
	return s.pipeline
}

func newTestScheduler(t *testing.T, srcs []sources.Source, cacheWriter *fakeCacheWriter, hasPush bool) (*Scheduler, *pipelineSlot, *memStatsWriter) {
	t.Helper()
	slot := &pipelineSlot{}
	statsWriter := newMemStatsWriter()
	sched := New(Config{
		Region:       testRegion(),
		Sources:      srcs,
		HasPush:      hasPush,
		Cache:        cacheWriter,
		NewPipeline:  slot.newPipeline,
		Enricher:     passthroughEnricher{},
		Recorder:     stats.NewRecorder(statsWriter),
		TickInterval: 5 * time.Second,
	})
	return sched, slot, statsWriter
}

func TestRunTickPublishesFlightsAndChoppers(t *testing.T) {
	local := fakeSource{
		id: model.SourceDump1090, priority: model.PriorityLocalReceiver,
		reports: []model.Report{{Hex: "a1b2c3", Lat: ptr(32.4), Lon: ptr(-95.3), DataSource: model.SourceDump1090}},
	}

	cacheWriter := &fakeCacheWriter{scanned: map[string]json.RawMessage{}}
	sched, slot, statsWriter := newTestScheduler(t, []sources.Source{local}, cacheWriter, false)

	sched.runTick(context.Background())

	if sched.State() != StateIdle {
		t.Errorf("state = %q, want idle after a successful tick", sched.State())
	}
	if statsWriter.counters["stats:r1:aircraft_observed|count"] != 1 {
		t.Errorf("aircraft_observed = %d, want 1", statsWriter.counters["stats:r1:aircraft_observed|count"])
	}
	if slot.pipeline == nil {
		t.Fatal("expected a pipeline to have been created and executed")
	}
	if _, ok := slot.pipeline.writes["{r1}:flights"]; !ok {
		t.Error("expected a write to {r1}:flights")
	}
	if _, ok := slot.pipeline.writes["{r1}:choppers"]; !ok {
		t.Error("expected a write to {r1}:choppers")
	}
	if _, ok := slot.pipeline.writes["aircraft_live:a1b2c3"]; !ok {
		t.Error("expected a write to aircraft_live:a1b2c3")
	}
}

func TestRunTickReadsPushBuffers(t *testing.T) {
	pushReports, _ := json.Marshal([]model.Report{
		{Hex: "a1b2c3", Lat: ptr(32.4), Lon: ptr(-95.3), DataSource: model.PiStationPrefix + "station1"},
	})
	cacheWriter := &fakeCacheWriter{scanned: map[string]json.RawMessage{
		"{r1}:push:station1": pushReports,
	}}

	sched, slot, _ := newTestScheduler(t, nil, cacheWriter, true)
	sched.runTick(context.Background())

	if sched.State() != StateIdle {
		t.Errorf("state = %q, want idle", sched.State())
	}
	if _, ok := slot.pipeline.writes["{r1}:raw:pi_station:station1"]; !ok {
		t.Error("expected a raw write for the pi-station source")
	}
}

func TestRunTickCountsSourceFetchFailureAsTimeout(t *testing.T) {
	// tickInterval=1.1s gives a wave deadline of 100ms; a source that takes
	// 300ms misses it and must be counted as a timeout without aborting the
	// rest of the cycle.
	slow := fakeSource{id: "opensky", priority: model.PriorityWideArea, delay: 300 * time.Millisecond}

	cacheWriter := &fakeCacheWriter{scanned: map[string]json.RawMessage{}}
	slot := &pipelineSlot{}
	statsWriter := newMemStatsWriter()
	sched := New(Config{
		Region:       testRegion(),
		Sources:      []sources.Source{slow},
		Cache:        cacheWriter,
		NewPipeline:  slot.newPipeline,
		Enricher:     passthroughEnricher{},
		Recorder:     stats.NewRecorder(statsWriter),
		TickInterval: 1100 * time.Millisecond,
	})

	sched.runTick(context.Background())

	if statsWriter.counters["stats:r1:timeouts|count"] == 0 {
		t.Error("expected at least one timeout to be recorded for a source that misses the wave deadline")
	}
	if slot.pipeline == nil {
		t.Error("expected the tick to still complete and write, despite the slow source")
	}
}

func TestRunTickAbandonsOnShutdownBeforeBlending(t *testing.T) {
	cacheWriter := &fakeCacheWriter{scanned: map[string]json.RawMessage{}}
	sched, slot, _ := newTestScheduler(t, nil, cacheWriter, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched.runTick(ctx)

	if slot.pipeline != nil {
		t.Error("expected no pipeline to be created when the tick is abandoned before blending")
	}
	if sched.State() != StateIdle {
		t.Errorf("state = %q, want idle after an abandoned tick", sched.State())
	}
}
