// Command collector runs the core aggregation service: one scheduler per
// configured region, each fanning out to its sources, blending, enriching,
// and publishing on a fixed cadence. It shares a single cache connection and
// registry store across every region.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/skyfeed/aggregator/internal/cache"
	"github.com/skyfeed/aggregator/internal/errs"
	"github.com/skyfeed/aggregator/internal/scheduler"
	"github.com/skyfeed/aggregator/internal/stats"
	"github.com/skyfeed/aggregator/pkg/config"
	"github.com/skyfeed/aggregator/pkg/enrich"
	"github.com/skyfeed/aggregator/pkg/geo"
	"github.com/skyfeed/aggregator/pkg/model"
	"github.com/skyfeed/aggregator/pkg/registry"
	"github.com/skyfeed/aggregator/pkg/sources"
)

// Exit codes per spec.md §6: 0 clean, 1 configuration error, 2 cache
// unreachable at startup, 3 uncaught fatal.
const (
	exitConfig           = 1
	exitCacheUnreachable = 2
	exitFatal            = 3
)

// fatalf logs msg in the teacher's banner style and terminates with code,
// rather than log.Fatalf's fixed exit status 1.
func fatalf(code int, format string, args ...interface{}) {
	log.Printf(format, args...)
	os.Exit(code)
}

// exitCodeFor maps a tagged error to its documented exit code, defaulting to
// the uncaught-fatal code for anything not explicitly a config or
// cache-unreachable failure.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrConfig):
		return exitConfig
	case errors.Is(err, errs.ErrCacheUnreachable):
		return exitCacheUnreachable
	default:
		return exitFatal
	}
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	log.Println("===========================================")
	log.Println("  Aircraft Aggregator Collector")
	log.Println("===========================================")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf(exitConfig, "Failed to load configuration: %v", err)
	}
	log.Printf("Configuration loaded from: %s", *configPath)

	logger := newLogger(cfg.Log.Level)

	enabledRegions := 0
	for range cfg.Regions {
		enabledRegions++
	}
	log.Printf("Regions: %d configured, tick interval %ds", enabledRegions, cfg.Scheduler.TickIntervalSeconds)

	log.Println("\nConnecting to cache store...")
	cacheClient, err := cache.ReconnectWithRetry(cfg.Cache, 5, 2*time.Second)
	if err != nil {
		fatalf(exitCacheUnreachable, "Failed to connect to cache: %v", err)
	}
	defer cacheClient.Close()
	log.Println("✓ Cache connected")

	ctx := context.Background()
	if err := cacheClient.InitSchema(ctx); err != nil {
		fatalf(exitCacheUnreachable, "Failed to initialize cache schema: %v", err)
	}
	log.Println("✓ Cache schema initialized")

	registryStore := registry.NewStore(cacheClient, cfg.Registry, logger)
	if err := cache.WithRetry(func() error { return registryStore.Load(ctx) }, 2); err != nil {
		fatalf(exitCodeFor(err), "Failed to load registry: %v", err)
	}
	if registryStore.NoEnrichment() {
		log.Println("⚠ running with no registry loaded; reports will publish unenriched")
	} else {
		log.Println("✓ Registry loaded")
	}

	tickInterval := time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second
	recorder := stats.NewRecorder(cacheClient)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	enabled := 0

	for _, rc := range cfg.Regions {
		region := rc.Region(tickInterval, cfg.Push.SharedSecrets[rc.ID])

		srcs, hasPush := buildSources(region, cacheClient, logger)
		if len(srcs) == 0 && !hasPush {
			log.Printf("  ⚠ region %s has no usable sources, skipping", rc.ID)
			continue
		}

		sched := scheduler.New(scheduler.Config{
			Region:       region,
			Sources:      srcs,
			HasPush:      hasPush,
			Cache:        cacheClient,
			NewPipeline:  func() scheduler.Pipeline { return cacheClient.NewPipeline() },
			Enricher:     enricherAdapter{store: registryStore},
			Recorder:     recorder,
			TickInterval: tickInterval,
			Logger:       logger,
		})

		enabled++
		log.Printf("  ✓ region %s: %d sources, push=%v", rc.ID, len(srcs), hasPush)

		wg.Add(1)
		go runRegionWithRestart(runCtx, &wg, logger, region.ID, sched)
	}

	if enabled == 0 {
		fatalf(exitConfig, "No region has a usable source, nothing to run")
	}

	start := time.Now()
	uptimeTicker := time.NewTicker(30 * time.Second)
	defer uptimeTicker.Stop()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-uptimeTicker.C:
				if err := recorder.RecordSystemUptime(runCtx, enabled, time.Since(start)); err != nil {
					logger.Warn("recording system uptime failed", "error", err)
				}
				if !cache.HealthCheck(cacheClient) {
					logger.Warn("periodic cache health check failed")
				}
			}
		}
	}()

	pruneTicker := time.NewTicker(10 * time.Minute)
	defer pruneTicker.Stop()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-pruneTicker.C:
				n, err := cacheClient.PruneExpired(runCtx)
				if err != nil {
					logger.Warn("pruning expired cache keys failed", "error", err)
					continue
				}
				logger.Debug("pruned expired cache keys", "count", n)
			}
		}
	}()

	log.Println("\n===========================================")
	log.Println("  Collector started")
	log.Println("  SIGHUP reloads the registry, Ctrl+C stops")
	log.Println("===========================================")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			log.Println("Received SIGHUP, reloading registry...")
			if err := registryStore.Reload(ctx); err != nil {
				log.Printf("✗ Registry reload failed: %v", err)
			} else {
				log.Printf("✓ Registry reloaded (no_enrichment=%v)", registryStore.NoEnrichment())
			}
			continue
		}

		log.Printf("\nReceived signal: %v", sig)
		break
	}

	log.Println("Shutting down gracefully...")
	cancel()
	wg.Wait()
	log.Println("✓ Collector stopped")
}

// runRegionWithRestart runs one region's scheduler loop, restarting it once
// after a panic, per the teacher's collector goroutine recovery idiom.
func runRegionWithRestart(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, regionID string, sched *scheduler.Scheduler) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("PANIC in region scheduler, restarting once", "region", regionID, "panic", r)
			defer func() {
				if r := recover(); r != nil {
					logger.Error("PANIC in region scheduler restart, giving up", "region", regionID, "panic", r)
				}
			}()
			time.Sleep(5 * time.Second)
			sched.Run(ctx)
		}
	}()
	sched.Run(ctx)
}

// buildSources converts one region's resolved source descriptors into live
// sources.Source instances, reporting separately whether the region also
// accepts pushed readings (consumed directly from the shared push buffer by
// the scheduler, not represented as a sources.Source).
func buildSources(region model.Region, gauges sources.GaugeStore, logger *slog.Logger) ([]sources.Source, bool) {
	var srcs []sources.Source
	hasPush := false
	box := geo.BoundingBox(region.CenterLat, region.CenterLon, region.RadiusMiles)

	for _, d := range region.Sources {
		switch d.Kind {
		case model.KindLocalReceiver:
			srcs = append(srcs, sources.NewLocalReceiver(d.URL, 60*time.Second))
		case model.KindWideArea:
			srcs = append(srcs, sources.NewWideArea(d.URL, d.Anonymous, d.Username, d.Password, box, d.MinBBoxCredits, gauges, logger))
		case model.KindPush:
			hasPush = true
		default:
			logger.Warn("unknown source kind, skipping", "region", region.ID, "kind", d.Kind)
		}
	}

	return srcs, hasPush
}

// enricherAdapter satisfies scheduler.Enricher over the package-level
// enrich.Enrich function bound to a concrete registry.Store.
type enricherAdapter struct {
	store *registry.Store
}

func (e enricherAdapter) Enrich(ctx context.Context, reports []model.Report) (enrich.Result, error) {
	return enrich.Enrich(ctx, e.store, reports)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
