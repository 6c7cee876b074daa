// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crawlkit/crawld/internal/core"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	EventLog  EventLogConfig  `mapstructure:"eventlog"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Plugins   []PluginSeed    `mapstructure:"plugins"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkersConfig governs the worker pool.
type WorkersConfig struct {
	Count                   int  `mapstructure:"count"`
	Min                     int  `mapstructure:"min"`
	Max                     int  `mapstructure:"max"`
	Elastic                 bool `mapstructure:"elastic"`
	HeartbeatTimeoutSeconds int  `mapstructure:"heartbeat_timeout_seconds"`
}

// SchedulerConfig governs retry behavior.
type SchedulerConfig struct {
	MaxAttempts   int `mapstructure:"max_attempts"`
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs  int `mapstructure:"backoff_max_ms"`
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	RatePerHost    float64 `mapstructure:"rate_per_host"`
	Burst          int     `mapstructure:"burst"`
}

// StorageConfig selects and parameterizes the persistence backends.
type StorageConfig struct {
	// Backend selects job/plugin/record persistence: memory or postgres.
	Backend string `mapstructure:"backend"`
	// BlobBackend selects raw payload archival: memory, local, or gcs.
	BlobBackend string `mapstructure:"blob_backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                   string `mapstructure:"dsn"`
	MaxConns              int    `mapstructure:"max_conns"`
	MinConns              int    `mapstructure:"min_conns"`
	ConnLifetimeMinutes   int    `mapstructure:"conn_lifetime_minutes"`
	EnsureSchemaOnStartup bool   `mapstructure:"ensure_schema_on_startup"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventLogConfig sizes the in-process event hub.
type EventLogConfig struct {
	BufferSize  int `mapstructure:"buffer_size"`
	HistorySize int `mapstructure:"history_size"`
}

// LoggingConfig toggles zap development features and the log threshold.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PluginSeed is a plugin definition registered at startup.
type PluginSeed struct {
	Name                string           `mapstructure:"name"`
	TargetURL           string           `mapstructure:"target_url"`
	Source              string           `mapstructure:"source_type"`
	Fields              []core.FieldRule `mapstructure:"fields"`
	Schedule            string           `mapstructure:"schedule"`
	Enabled             bool             `mapstructure:"enabled"`
	FailOnEmpty         bool             `mapstructure:"fail_on_empty"`
	FetchTimeoutSeconds int              `mapstructure:"fetch_timeout_seconds"`
	MaxAttempts         int              `mapstructure:"max_attempts"`
}

// Definition converts the seed into a plugin definition; the registry assigns
// the ID and timestamps.
func (p PluginSeed) Definition() core.Plugin {
	return core.Plugin{
		Name:                p.Name,
		TargetURL:           p.TargetURL,
		Source:              core.SourceType(p.Source),
		Fields:              p.Fields,
		Schedule:            p.Schedule,
		Enabled:             p.Enabled,
		FailOnEmpty:         p.FailOnEmpty,
		FetchTimeoutSeconds: p.FetchTimeoutSeconds,
		MaxAttempts:         p.MaxAttempts,
	}
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.min", 1)
	v.SetDefault("workers.max", 16)
	v.SetDefault("workers.elastic", false)
	v.SetDefault("workers.heartbeat_timeout_seconds", 30)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.backoff_base_ms", 250)
	v.SetDefault("scheduler.backoff_max_ms", 30000)
	v.SetDefault("fetch.user_agent", "crawld/0.1")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.rate_per_host", 1.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.blob_backend", "memory")
	v.SetDefault("storage.prefix", "payloads")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("db.ensure_schema_on_startup", true)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("eventlog.buffer_size", 4096)
	v.SetDefault("eventlog.history_size", 8192)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Workers.Elastic {
		if c.Workers.Min <= 0 || c.Workers.Max < c.Workers.Min {
			return fmt.Errorf("workers.min/max must satisfy 0 < min <= max when elastic")
		}
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres")
	}
	switch c.Storage.BlobBackend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.blob_backend is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.blob_backend is gcs")
		}
	default:
		return fmt.Errorf("storage.blob_backend must be memory, local, or gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// HeartbeatTimeout returns the configured worker heartbeat timeout.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Workers.HeartbeatTimeoutSeconds) * time.Second
}

// FetchTimeout returns the default fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the HTTP server drain budget.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}
