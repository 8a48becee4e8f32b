// Package registry loads the static aircraft registry (keyed by ICAO 24-bit
// hex) into the cache and serves batch lookups for the enricher. Grounded on
// the teacher's upsert idiom in internal/db/aircraft_repository.go
// (parameterized ON CONFLICT writes, one row per entity) and its streaming
// philosophy; the registry itself has no analog in the teacher (which reads
// its own telescope aircraft rows straight from Postgres), so the load
// pipeline and LRU are new, built in that idiom.
package registry

import (
	"container/list"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/skyfeed/aggregator/internal/cache"
	"github.com/skyfeed/aggregator/internal/errs"
	"github.com/skyfeed/aggregator/pkg/config"
	"github.com/skyfeed/aggregator/pkg/model"
)

// csvColumns are the registry CSV's header names, in the order spec.md §4.2
// names them: "icao24, registration, manufacturer, model, typecode,
// operator, owner, icaoaircrafttype (aircraft class)".
var csvColumns = []string{
	"icao24", "registration", "manufacturer", "model",
	"typecode", "operator", "owner", "icaoaircrafttype",
}

// batchSize is the pipelined upsert batch size, per spec.md §4.2; only the
// final batch of a load may be smaller.
const batchSize = 1000

// lruCapacity bounds the process-local hot cache, per spec.md §5.
const lruCapacity = 1000

// cacheKeyPrefix namespaces registry rows in the keyed store, per spec.md §3.
const cacheKeyPrefix = "aircraft_db:"

// Store is the registry: a one-time CSV loader plus a batch-lookup facade
// backed by the cache client and fronted by a process-local LRU.
type Store struct {
	cache  *cache.Client
	cfg    config.RegistryConfig
	logger *slog.Logger

	mu           sync.Mutex
	lru          *lruCache
	noEnrichment bool

	malformedHexCount int64
	loadedRowCount    int64
}

// NewStore constructs a registry store bound to the given cache client. Call
// Load before any BatchLookup.
func NewStore(c *cache.Client, cfg config.RegistryConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:  c,
		cfg:    cfg,
		logger: logger,
		lru:    newLRUCache(lruCapacity),
	}
}

// Load resolves the registry CSV per spec.md §4.2's policy: try the
// configured path, then a one-shot fetch from the fallback URL, then fall
// back to permanent no-enrichment mode with a single warning.
func (s *Store) Load(ctx context.Context) error {
	if r, closer, err := s.openCandidate(); err == nil {
		defer closer()
		return s.loadFromReader(ctx, r)
	}

	if s.cfg.FallbackURL != "" {
		if r, closer, err := s.fetchFallback(ctx); err == nil {
			defer closer()
			return s.loadFromReader(ctx, r)
		}
	}

	s.mu.Lock()
	s.noEnrichment = true
	s.mu.Unlock()
	s.logger.Warn("registry unavailable, running in no-enrichment mode",
		"error", errs.ErrRegistryMissing, "csv_path", s.cfg.CSVPath)
	return nil
}

// Reload re-runs Load, e.g. on SIGHUP. A successful reload clears
// no-enrichment mode and the LRU so stale misses aren't served.
func (s *Store) Reload(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.lru = newLRUCache(lruCapacity)
	s.mu.Unlock()
	return nil
}

// NoEnrichment reports whether the registry is running without a loaded
// CSV, per spec.md S5.
func (s *Store) NoEnrichment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noEnrichment
}

func (s *Store) openCandidate() (io.Reader, func() error, error) {
	if s.cfg.CSVPath == "" {
		return nil, nil, fmt.Errorf("no csv_path configured")
	}
	f, err := os.Open(s.cfg.CSVPath)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func (s *Store) fetchFallback(ctx context.Context) (io.Reader, func() error, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.FallbackURL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("fallback fetch returned status %d", resp.StatusCode)
	}
	return resp.Body, resp.Body.Close, nil
}

// loadFromReader stream-parses the CSV (never fully materializing it) and
// upserts rows into the cache in pipelined batches of batchSize rows (the
// last batch holds whatever remains).
func (s *Store) loadFromReader(ctx context.Context, r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("%w: reading registry CSV header: %v", errs.ErrConfig, err)
	}
	colIndex, err := indexColumns(header)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}

	pipeline := s.cache.NewPipeline()
	var malformed, loaded int64

	flush := func() error {
		if pipeline.Len() == 0 {
			return nil
		}
		if err := pipeline.Exec(ctx); err != nil {
			return fmt.Errorf("flushing registry batch: %w", err)
		}
		pipeline = s.cache.NewPipeline()
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading registry CSV row: %w", err)
		}

		entry, ok := rowToEntry(record, colIndex)
		if !ok {
			malformed++
			continue
		}

		if err := pipeline.SetWithTTL(cacheKeyPrefix+entry.Hex, entry, 0); err != nil {
			return fmt.Errorf("queuing registry row for %q: %w", entry.Hex, err)
		}
		loaded++

		if pipeline.Len() >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	s.mu.Lock()
	s.malformedHexCount = malformed
	s.loadedRowCount = loaded
	s.noEnrichment = false
	s.mu.Unlock()

	s.logger.Info("registry loaded", "rows", loaded, "malformed_hex_skipped", malformed)
	return nil
}

func indexColumns(header []string) (map[string]int, error) {
	normalized := make(map[string]int, len(header))
	for i, h := range header {
		normalized[strings.ToLower(strings.TrimSpace(h))] = i
	}

	idx := make(map[string]int, len(csvColumns))
	for _, col := range csvColumns {
		i, ok := normalized[col]
		if !ok {
			if col == "icao24" {
				return nil, fmt.Errorf("registry CSV missing required column %q", col)
			}
			idx[col] = -1
			continue
		}
		idx[col] = i
	}
	return idx, nil
}

func rowToEntry(record []string, idx map[string]int) (model.RegistryEntry, bool) {
	hex := normalizeHex(field(record, idx["icao24"]))
	if !model.ValidHex(hex) {
		return model.RegistryEntry{}, false
	}

	return model.RegistryEntry{
		Hex:               hex,
		Registration:      field(record, idx["registration"]),
		Manufacturer:      field(record, idx["manufacturer"]),
		Model:             field(record, idx["model"]),
		TypeCode:          field(record, idx["typecode"]),
		Operator:          field(record, idx["operator"]),
		Owner:             field(record, idx["owner"]),
		ICAOAircraftClass: field(record, idx["icaoaircrafttype"]),
	}, true
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func normalizeHex(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// BatchLookup resolves every hex to its registry entry in at most one cache
// round trip, per spec.md §4.2 and testable property 7. Hexes absorbed by
// the process-local LRU never touch the network at all. Missing hexes are
// simply absent from the result, not an error.
func (s *Store) BatchLookup(ctx context.Context, hexes []string) (map[string]model.RegistryEntry, error) {
	result := make(map[string]model.RegistryEntry, len(hexes))
	if len(hexes) == 0 {
		return result, nil
	}
	if s.NoEnrichment() {
		return result, nil
	}

	var toFetch []string
	s.mu.Lock()
	for _, h := range hexes {
		if entry, ok := s.lru.get(h); ok {
			result[h] = entry
		} else {
			toFetch = append(toFetch, h)
		}
	}
	s.mu.Unlock()

	if len(toFetch) == 0 {
		return result, nil
	}

	keys := make([]string, len(toFetch))
	for i, h := range toFetch {
		keys[i] = cacheKeyPrefix + h
	}

	raw, err := s.cache.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("batch lookup: %w", err)
	}

	s.mu.Lock()
	for _, h := range toFetch {
		data, ok := raw[cacheKeyPrefix+h]
		if !ok {
			continue
		}
		var entry model.RegistryEntry
		if err := decodeEntry(data, &entry); err != nil {
			continue
		}
		result[h] = entry
		s.lru.put(h, entry)
	}
	s.mu.Unlock()

	return result, nil
}

// Stats returns the counts recorded by the last Load/Reload, for C10.
func (s *Store) Stats() (loaded, malformed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedRowCount, s.malformedHexCount
}

// lruCache is a fixed-capacity, least-recently-used cache of registry
// entries. Hand-rolled on container/list + map: no LRU library (e.g.
// hashicorp/golang-lru) appears anywhere in the retrieval pack, so this is a
// deliberate stdlib choice (see DESIGN.md).
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value model.RegistryEntry
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) (model.RegistryEntry, bool) {
	el, ok := c.items[key]
	if !ok {
		return model.RegistryEntry{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) put(key string, value model.RegistryEntry) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func decodeEntry(raw []byte, entry *model.RegistryEntry) error {
	return json.Unmarshal(raw, entry)
}
