// Package config loads the aggregator's configuration surface: regions and
// their sources, cache wiring, registry load policy, scheduler cadence, and
// push-ingress secrets. Adapted from the teacher's hand-rolled JSON loader:
// the nested-struct shape survives, but loading itself now goes through
// viper so environment variables can override file values per spec.md §6.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/skyfeed/aggregator/internal/errs"
	"github.com/skyfeed/aggregator/pkg/model"
)

// Config is the complete, validated aggregator configuration.
type Config struct {
	Regions   []RegionConfig  `mapstructure:"regions"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Push      PushConfig      `mapstructure:"push"`
	Log       LogConfig       `mapstructure:"log"`
}

// RegionConfig defines one collection region and its sources.
type RegionConfig struct {
	ID          string         `mapstructure:"id"`
	Name        string         `mapstructure:"name"`
	CenterLat   float64        `mapstructure:"center_lat"`
	CenterLon   float64        `mapstructure:"center_lon"`
	RadiusMiles float64        `mapstructure:"radius_miles"`
	Timezone    string         `mapstructure:"timezone"`
	Sources     []SourceConfig `mapstructure:"sources"`
}

// SourceConfig configures one of a region's sources; Type selects which
// fields below are meaningful.
type SourceConfig struct {
	Type SourceType `mapstructure:"type"`

	// local_receiver / wide_area
	URL                string `mapstructure:"url"`
	PollIntervalSeconds int   `mapstructure:"poll_interval_seconds"`

	// wide_area
	Anonymous      bool              `mapstructure:"anonymous"`
	Username       string            `mapstructure:"username"`
	Password       string            `mapstructure:"password"`
	MinBBoxCredits []CreditTierConfig `mapstructure:"min_bbox_credits_table"`

	// push
	AcceptRegion              string `mapstructure:"accept_region"`
	StationBufferTTLSeconds   int    `mapstructure:"station_buffer_ttl_seconds"`
}

// SourceType is the dispatch tag for a configured source, per spec.md §6.
type SourceType string

const (
	SourceTypeLocalReceiver SourceType = "local_receiver"
	SourceTypeWideArea      SourceType = "wide_area"
	SourceTypePush          SourceType = "push"
)

// CreditTierConfig is one row of the wide-area credit-cost table.
type CreditTierConfig struct {
	MaxAreaDeg2 float64 `mapstructure:"max_area_deg2"`
	Cost        int     `mapstructure:"cost"`
}

// CacheConfig wires the cache client's backing store.
type CacheConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Database          string `mapstructure:"db"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	SSLMode           string `mapstructure:"ssl_mode"`
	DefaultTTLSeconds int    `mapstructure:"default_ttl_seconds"`
	MaxOpenConns      int    `mapstructure:"max_open_conns"`
	MaxIdleConns      int    `mapstructure:"max_idle_conns"`
}

// RegistryConfig controls registry CSV load policy, per spec.md §4.2.
type RegistryConfig struct {
	CSVPath     string `mapstructure:"csv_path"`
	FallbackURL string `mapstructure:"fallback_url"`
}

// SchedulerConfig controls the per-region cycle cadence, per spec.md §4.9.
type SchedulerConfig struct {
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
}

// PushConfig maps a region id to its push-ingress shared secret.
type PushConfig struct {
	SharedSecrets     map[string]string `mapstructure:"shared_secrets"`
	MaxRecordsPerPush int               `mapstructure:"max_records_per_push"`
}

// LogConfig controls process-wide log verbosity.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the named file (if it exists), then layers
// environment variables with the AGGREGATOR_ prefix on top, per spec.md §6:
// "environment variables take precedence over file values".
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: reading config file: %v", errs.ErrConfig, err)
			}
		}
	}

	v.SetEnvPrefix("AGGREGATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding config: %v", errs.ErrConfig, err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.port", 5432)
	v.SetDefault("cache.ssl_mode", "disable")
	v.SetDefault("cache.default_ttl_seconds", 300)
	v.SetDefault("cache.max_open_conns", 25)
	v.SetDefault("cache.max_idle_conns", 5)
	v.SetDefault("scheduler.tick_interval_seconds", 15)
	v.SetDefault("push.max_records_per_push", 10000)
	v.SetDefault("log.level", "INFO")
}

// validate checks the invariants the core assumes a loaded config already
// satisfies: unique region ids, at least one region, positive intervals, and
// a shared secret whose prefix matches the region it is meant to unlock.
func validate(cfg *Config) error {
	if len(cfg.Regions) == 0 {
		return fmt.Errorf("at least one region must be configured")
	}

	seen := make(map[string]bool, len(cfg.Regions))
	for _, r := range cfg.Regions {
		if r.ID == "" {
			return fmt.Errorf("region missing id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate region id %q", r.ID)
		}
		seen[r.ID] = true

		if r.RadiusMiles <= 0 {
			return fmt.Errorf("region %q: radius_miles must be positive", r.ID)
		}

		for _, s := range r.Sources {
			switch s.Type {
			case SourceTypeLocalReceiver, SourceTypeWideArea, SourceTypePush:
			default:
				return fmt.Errorf("region %q: unknown source type %q", r.ID, s.Type)
			}
		}
	}

	for region, secret := range cfg.Push.SharedSecrets {
		if !seen[region] {
			return fmt.Errorf("push.shared_secrets references unknown region %q", region)
		}
		if !strings.HasPrefix(secret, region+".") {
			return fmt.Errorf("push.shared_secrets[%q]: secret must be prefixed %q", region, region+".")
		}
	}

	if cfg.Scheduler.TickIntervalSeconds < 5 {
		return fmt.Errorf("scheduler.tick_interval_seconds must be >= 5")
	}

	switch strings.ToUpper(cfg.Log.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log level %q (must be DEBUG, INFO, WARN, or ERROR)", cfg.Log.Level)
	}

	return nil
}

// Region converts one RegionConfig into the runtime model.Region used by the
// scheduler and blender. pushSecret is the region's push-ingress shared
// secret, if any, looked up by the caller from Config.Push.SharedSecrets.
func (r RegionConfig) Region(tickInterval time.Duration, pushSecret string) model.Region {
	descriptors := make([]model.SourceDescriptor, 0, len(r.Sources))
	for _, s := range r.Sources {
		descriptors = append(descriptors, s.descriptor(r.ID, tickInterval, pushSecret))
	}
	return model.Region{
		ID:          r.ID,
		Name:        r.Name,
		CenterLat:   r.CenterLat,
		CenterLon:   r.CenterLon,
		RadiusMiles: r.RadiusMiles,
		Timezone:    r.Timezone,
		Sources:     descriptors,
	}
}

// descriptor converts one SourceConfig into the runtime model.SourceDescriptor,
// resolving only the fields meaningful to its Kind.
func (s SourceConfig) descriptor(regionID string, tickInterval time.Duration, pushSecret string) model.SourceDescriptor {
	switch s.Type {
	case SourceTypeLocalReceiver:
		return model.SourceDescriptor{
			Kind:         model.KindLocalReceiver,
			ID:           model.SourceDump1090,
			URL:          s.URL,
			PollInterval: s.PollInterval(tickInterval),
		}
	case SourceTypeWideArea:
		return model.SourceDescriptor{
			Kind:           model.KindWideArea,
			ID:             model.SourceOpenSky,
			URL:            s.URL,
			PollInterval:   s.PollInterval(tickInterval),
			Anonymous:      s.Anonymous,
			Username:       s.Username,
			Password:       s.Password,
			MinBBoxCredits: creditTiers(s.MinBBoxCredits),
		}
	case SourceTypePush:
		return model.SourceDescriptor{
			Kind:             model.KindPush,
			ID:               "push:" + regionID,
			AcceptRegion:     s.AcceptRegion,
			SharedSecret:     pushSecret,
			StationBufferTTL: s.StationBufferTTL(),
		}
	default:
		return model.SourceDescriptor{Kind: model.SourceKind(s.Type)}
	}
}

func creditTiers(rows []CreditTierConfig) []model.CreditTier {
	if len(rows) == 0 {
		return model.DefaultCreditTiers()
	}
	tiers := make([]model.CreditTier, len(rows))
	for i, row := range rows {
		tiers[i] = model.CreditTier{MaxAreaDeg2: row.MaxAreaDeg2, Cost: row.Cost}
	}
	return tiers
}

// PollInterval returns the source's configured poll interval as a
// time.Duration, defaulting to the scheduler's own tick interval when unset,
// per spec.md §6's "actual fetch rate is max(scheduler_tick, poll_interval)".
func (s SourceConfig) PollInterval(tickInterval time.Duration) time.Duration {
	if s.PollIntervalSeconds <= 0 {
		return tickInterval
	}
	d := time.Duration(s.PollIntervalSeconds) * time.Second
	if d < tickInterval {
		return tickInterval
	}
	return d
}

// StationBufferTTL returns the configured push buffer TTL, defaulting to
// spec.md §4.6's 120 s (2x the assumed 60 s push interval) when unset.
func (s SourceConfig) StationBufferTTL() time.Duration {
	if s.StationBufferTTLSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(s.StationBufferTTLSeconds) * time.Second
}
