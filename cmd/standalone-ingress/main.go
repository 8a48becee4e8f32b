// Command standalone-ingress runs the push ingress HTTP server (C6) on its
// own, independent of the collector: a deployment that accepts pi-station
// pushes in one process while one or more collectors elsewhere read the
// resulting buffers on their own schedule. It shares nothing with the
// collector but the cache connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skyfeed/aggregator/internal/cache"
	"github.com/skyfeed/aggregator/internal/ingress"
	"github.com/skyfeed/aggregator/pkg/config"
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

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	port := flag.Int("port", 8080, "HTTP server port")
	flag.Parse()

	log.Println("🚀 Starting push ingress server...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf(exitConfig, "Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Log.Level)

	cacheClient, err := cache.Connect(cfg.Cache)
	if err != nil {
		fatalf(exitCacheUnreachable, "Failed to connect to cache: %v", err)
	}
	defer cacheClient.Close()

	ctx := context.Background()
	if err := cacheClient.InitSchema(ctx); err != nil {
		fatalf(exitCacheUnreachable, "Failed to initialize cache schema: %v", err)
	}

	regions := regionSecrets(cfg)
	if len(regions) == 0 {
		fatalf(exitConfig, "No push.shared_secrets configured, nothing to accept")
	}
	log.Printf("✓ %d region(s) accepting pushes", len(regions))

	srv := ingress.NewServer(cacheClient, regions, cfg.Push.MaxRecordsPerPush, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("📡 Push ingress listening on :%d", *port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatalf(exitFatal, "Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n👋 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fatalf(exitFatal, "Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped")
}

// regionSecrets builds the per-region auth table ingress needs from the
// configured regions' push sources and the shared-secret map, using each
// region's configured buffer TTL where set.
func regionSecrets(cfg *config.Config) map[string]ingress.RegionSecret {
	bufferTTLs := make(map[string]time.Duration, len(cfg.Regions))
	for _, rc := range cfg.Regions {
		for _, sc := range rc.Sources {
			if sc.Type == config.SourceTypePush {
				bufferTTLs[rc.ID] = sc.StationBufferTTL()
			}
		}
	}

	regions := make(map[string]ingress.RegionSecret, len(cfg.Push.SharedSecrets))
	for region, secret := range cfg.Push.SharedSecrets {
		ttl := bufferTTLs[region]
		if ttl <= 0 {
			ttl = 120 * time.Second
		}
		regions[region] = ingress.RegionSecret{Secret: secret, BufferTTL: ttl}
	}
	return regions
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
