// Package cache is the keyed TTL store backing the entire core: the
// blended-set writes, the registry's aircraft_db rows, the push-ingress
// buffers, and the stats gauges all go through this client. Adapted from
// the teacher's own Postgres wrapper (internal/db/db.go): the connection
// pool, schema-embed, and reconnect machinery survive unchanged in spirit,
// but the domain tables (aircraft, aircraft_positions, ...) are replaced by
// a single key/value table, since nothing in the example pack carries a
// Redis (or other keyed-store) client to wrap instead. See SPEC_FULL.md
// §10.1 for the rationale.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/skyfeed/aggregator/internal/errs"
	"github.com/skyfeed/aggregator/pkg/config"
)

//go:embed schema.sql
var schemaSQL embed.FS

// Client is a thin, typed façade over the keyed TTL store: get, set with
// TTL, delete, hash-field operations, and pipelined batch writes. It
// exposes no transactional semantics beyond pipelining, per spec.md §4.3.
type Client struct {
	db         *sql.DB
	defaultTTL time.Duration
}

// Connect opens the backing store and verifies connectivity. A failure here
// is fatal at startup, per spec.md §7.
func Connect(cfg config.CacheConfig) (*Client, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: opening cache store: %v", errs.ErrCacheUnreachable, err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: pinging cache store: %v", errs.ErrCacheUnreachable, err)
	}

	ttl := time.Duration(cfg.DefaultTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Client{db: sqlDB, defaultTTL: ttl}, nil
}

// InitSchema creates the kv_store table if it does not already exist. Called
// once at startup after Connect.
func (c *Client) InitSchema(ctx context.Context) error {
	schemaBytes, err := schemaSQL.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading embedded schema: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// DefaultTTL returns the store's configured default TTL, used by callers
// that write without an explicit per-key TTL.
func (c *Client) DefaultTTL() time.Duration {
	return c.defaultTTL
}

// Ping reports whether the backing store is currently reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Get fetches one key's raw JSON value. ok is false if the key is absent or
// has expired.
func (c *Client) Get(ctx context.Context, key string) (value json.RawMessage, ok bool, err error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return json.RawMessage(raw), true, nil
}

// MGet fetches many keys in a single round trip. Missing or expired keys are
// simply absent from the returned map — not an error — matching the
// batch_lookup contract in spec.md §4.2 ("missing hexes yield absent
// entries") and testable property 7 (≤ 1 round trip regardless of n).
func (c *Client) MGet(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT key, value FROM kv_store WHERE key = ANY($1) AND (expires_at IS NULL OR expires_at > now())`,
		pq.Array(keys),
	)
	if err != nil {
		return nil, fmt.Errorf("mget (%d keys): %w", len(keys), err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scanning mget row: %w", err)
		}
		result[key] = json.RawMessage(raw)
	}
	return result, rows.Err()
}

// SetWithTTL marshals v to JSON and upserts it under key. ttl of 0 means no
// expiry (used for aircraft_db and stats keys, per spec.md §3's keyspace
// table).
func (c *Client) SetWithTTL(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling value for %q: %w", key, err)
	}

	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().UTC().Add(ttl), Valid: true}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, raw, expiresAt)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// ScanPrefix returns every live key/value pair whose key starts with
// prefix, in one round trip. Used by the scheduler to read the union of a
// region's push buffers (spec.md §4.9 step 2) without knowing station ids
// in advance.
func (c *Client) ScanPrefix(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT key, value FROM kv_store WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())`,
		prefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("scanning prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	result := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scanning prefix row: %w", err)
		}
		result[key] = json.RawMessage(raw)
	}
	return result, rows.Err()
}

// Del removes zero or more keys. Missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ANY($1)`, pq.Array(keys))
	if err != nil {
		return fmt.Errorf("del %v: %w", keys, err)
	}
	return nil
}

// HSet merges one field into the JSON object stored at key, creating the
// object if absent. The row is written with no expiry.
func (c *Client) HSet(ctx context.Context, key, field string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling field %q for %q: %w", field, key, err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, expires_at)
		VALUES ($1, jsonb_build_object($2::text, $3::jsonb), NULL)
		ON CONFLICT (key) DO UPDATE
			SET value = COALESCE(kv_store.value, '{}'::jsonb) || jsonb_build_object($2::text, $3::jsonb)
	`, key, field, raw)
	if err != nil {
		return fmt.Errorf("hset %q[%q]: %w", key, field, err)
	}
	return nil
}

// HIncrBy atomically adds delta to a numeric field, creating it at delta if
// absent. Used for the monotonic counters in §4.10.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, expires_at)
		VALUES ($1, jsonb_build_object($2::text, $3::bigint), NULL)
		ON CONFLICT (key) DO UPDATE
			SET value = jsonb_set(
				COALESCE(kv_store.value, '{}'::jsonb),
				ARRAY[$2::text],
				to_jsonb(COALESCE((kv_store.value ->> $2)::bigint, 0) + $3::bigint)
			)
	`, key, field, delta)
	if err != nil {
		return fmt.Errorf("hincrby %q[%q]: %w", key, field, err)
	}
	return nil
}

// HGetAll returns every field of the hash stored at key. A missing key
// yields an empty map, not an error.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]json.RawMessage{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decoding hash %q: %w", key, err)
	}
	return fields, nil
}

// PruneExpired deletes every row whose TTL has passed, mirroring the
// teacher's own periodic CleanupOldData. Optional: expiry is already
// enforced at read time; this only reclaims space.
func (c *Client) PruneExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("pruning expired keys: %w", err)
	}
	return res.RowsAffected()
}

// Pipeline batches writes so a full cycle's output reaches the store in one
// network round trip, per spec.md §4.3 and testable property 7.
type Pipeline struct {
	client *Client

	keys    []string
	values  []json.RawMessage
	expires []time.Time
	hasExp  []bool
}

// NewPipeline starts an empty batch of keyed writes.
func (c *Client) NewPipeline() *Pipeline {
	return &Pipeline{client: c}
}

// SetWithTTL queues one key/value write. ttl of 0 means no expiry.
func (p *Pipeline) SetWithTTL(key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling value for %q: %w", key, err)
	}

	p.keys = append(p.keys, key)
	p.values = append(p.values, raw)
	if ttl > 0 {
		p.expires = append(p.expires, time.Now().UTC().Add(ttl))
		p.hasExp = append(p.hasExp, true)
	} else {
		p.expires = append(p.expires, time.Time{})
		p.hasExp = append(p.hasExp, false)
	}
	return nil
}

// Len reports how many writes are queued.
func (p *Pipeline) Len() int {
	return len(p.keys)
}

// Exec flushes every queued write in exactly one round trip via a
// multi-row unnest upsert, regardless of batch size.
func (p *Pipeline) Exec(ctx context.Context) error {
	if len(p.keys) == 0 {
		return nil
	}

	rawValues := make([]string, len(p.values))
	for i, v := range p.values {
		rawValues[i] = string(v)
	}

	expires := make([]*time.Time, len(p.expires))
	for i := range p.expires {
		if p.hasExp[i] {
			t := p.expires[i]
			expires[i] = &t
		}
	}

	_, err := p.client.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, expires_at)
		SELECT * FROM unnest($1::text[], $2::jsonb[], $3::timestamptz[])
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, pq.Array(p.keys), pq.Array(rawValues), pq.Array(expires))
	if err != nil {
		return fmt.Errorf("pipeline exec (%d keys): %w", len(p.keys), err)
	}
	return nil
}
