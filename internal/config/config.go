// Package config loads paintsync settings from defaults, an optional YAML file
// and PAINTSYNC_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/candlefish/paintbox-sync/internal/logging"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are joined with
// a double underscore: PAINTSYNC_ENGINE__REQUEST_TIMEOUT=10s.
const EnvPrefix = "PAINTSYNC_"

// Config is the complete application configuration.
type Config struct {
	Store      StoreConfig                `koanf:"store"`
	Queue      QueueConfig                `koanf:"queue"`
	Engine     EngineConfig               `koanf:"engine"`
	Conflict   ConflictConfig             `koanf:"conflict"`
	Network    NetworkConfig              `koanf:"network"`
	Breaker    BreakerConfig              `koanf:"breaker"`
	Server     ServerConfig               `koanf:"server"`
	Log        logging.Config             `koanf:"log"`
	Transports map[string]TransportConfig `koanf:"transports" validate:"dive"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path       string        `koanf:"path" validate:"required"`
	Retries    int           `koanf:"retries" validate:"gte=0,lte=20"`
	RetryDelay time.Duration `koanf:"retry_delay" validate:"gte=0"`
}

// QueueConfig is the retry policy.
type QueueConfig struct {
	BaseDelay      time.Duration `koanf:"base_delay" validate:"gt=0"`
	MaxDelay       time.Duration `koanf:"max_delay" validate:"gtefield=BaseDelay"`
	MaxAttempts    int           `koanf:"max_attempts" validate:"gte=1"`
	AuditTrailSize int           `koanf:"audit_trail_size" validate:"gte=0"`
}

// EngineConfig tunes the drain loop.
type EngineConfig struct {
	Concurrency     int           `koanf:"concurrency" validate:"gte=1,lte=32"`
	RequestTimeout  time.Duration `koanf:"request_timeout" validate:"gt=0"`
	MaxErrors       int           `koanf:"max_errors" validate:"gte=1"`
	PoorQualityRate float64       `koanf:"poor_quality_rate" validate:"gt=0"`
}

// ConflictConfig selects the resolution strategy.
type ConflictConfig struct {
	Strategy    string `koanf:"strategy" validate:"oneof=latest_timestamp_wins remote_wins local_wins"`
	HistorySize int    `koanf:"history_size" validate:"gte=1"`
	MaxAttempts int    `koanf:"max_attempts" validate:"gte=0"`
}

// NetworkConfig drives the connectivity monitor. Without a probe URL the
// device is assumed online.
type NetworkConfig struct {
	ProbeURL       string        `koanf:"probe_url" validate:"omitempty,url"`
	ProbeInterval  time.Duration `koanf:"probe_interval" validate:"gt=0"`
	ProbeTimeout   time.Duration `koanf:"probe_timeout" validate:"gt=0"`
	StableDuration time.Duration `koanf:"stable_duration" validate:"gte=0"`
}

// BreakerConfig guards each transport with a circuit breaker. An open
// breaker fails submissions fast as transient errors.
type BreakerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	MaxRequests  uint32        `koanf:"max_requests" validate:"gte=1"`
	MinRequests  uint32        `koanf:"min_requests" validate:"gte=1"`
	FailureRatio float64       `koanf:"failure_ratio" validate:"gt=0,lte=1"`
	Interval     time.Duration `koanf:"interval" validate:"gte=0"`
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
}

// ServerConfig is the local status API listener.
type ServerConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// TransportConfig is the backend collection for one item type.
type TransportConfig struct {
	URL   string `koanf:"url" validate:"required,url"`
	Token string `koanf:"token"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:       "data/paintsync.db",
			Retries:    3,
			RetryDelay: 25 * time.Millisecond,
		},
		Queue: QueueConfig{
			BaseDelay:      time.Second,
			MaxDelay:       5 * time.Minute,
			MaxAttempts:    5,
			AuditTrailSize: 100,
		},
		Engine: EngineConfig{
			Concurrency:     3,
			RequestTimeout:  30 * time.Second,
			MaxErrors:       50,
			PoorQualityRate: 1,
		},
		Conflict: ConflictConfig{
			Strategy:    "latest_timestamp_wins",
			HistorySize: 50,
			MaxAttempts: 1,
		},
		Network: NetworkConfig{
			ProbeInterval:  5 * time.Second,
			ProbeTimeout:   3 * time.Second,
			StableDuration: 500 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			Enabled:      true,
			MaxRequests:  1,
			MinRequests:  3,
			FailureRatio: 0.6,
			Interval:     time.Minute,
			Timeout:      30 * time.Second,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8787",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Log: logging.Config{
			Level:      logging.LevelInfo,
			Format:     logging.FormatJSON,
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Transports: map[string]TransportConfig{},
	}
}

// Load reads the optional YAML file at path, applies environment overrides
// on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that every transport names a known
// item type.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name := range c.Transports {
		if !models.ItemType(name).Valid() {
			return fmt.Errorf("invalid config: transports.%s: unknown item type", name)
		}
	}
	return nil
}

// TransportTypes returns the configured item types in sorted order.
func (c *Config) TransportTypes() []models.ItemType {
	types := make([]models.ItemType, 0, len(c.Transports))
	for name := range c.Transports {
		types = append(types, models.ItemType(name))
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
