// Package config loads and validates ingestor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the provider switches.
const (
	ProviderMemory   = "memory"
	ProviderSQLite   = "sqlite"
	ProviderPostgres = "postgres"
	ProviderPubSub   = "pubsub"
	ProviderLocal    = "local"
	ProviderGCS      = "gcs"
	ProviderNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Queue     QueueConfig     `mapstructure:"queue"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	DB        DBConfig        `mapstructure:"db"`
	Retention RetentionConfig `mapstructure:"retention"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig governs the conditional fetcher and per-host politeness.
type FetchConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	PerHostBurst   int     `mapstructure:"per_host_burst"`
}

// NormalizeConfig sets truncation limits in runes.
type NormalizeConfig struct {
	SummaryMaxRunes int `mapstructure:"summary_max_runes"`
	ContentMaxRunes int `mapstructure:"content_max_runes"`
}

// QueueConfig selects the work queue transport and retry limits.
type QueueConfig struct {
	Provider         string `mapstructure:"provider"`
	BatchSize        int    `mapstructure:"batch_size"`
	Capacity         int    `mapstructure:"capacity"`
	Consumers        int    `mapstructure:"consumers"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	RetryBaseSeconds int    `mapstructure:"retry_base_seconds"`
	RetryMaxSeconds  int    `mapstructure:"retry_max_seconds"`
}

// PubSubConfig names the Pub/Sub topic and subscription carrying FetchWork.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
	NumGoroutines  int    `mapstructure:"num_goroutines"`
}

// DBConfig controls access to the source and item store.
type DBConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	Path         string `mapstructure:"path"`
	SourcesTable string `mapstructure:"sources_table"`
	ItemsTable   string `mapstructure:"items_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
}

// RetentionConfig sets how long items are kept.
type RetentionConfig struct {
	Days int `mapstructure:"days"`
}

// ScheduleConfig drives the in-process scheduler used by serve.
type ScheduleConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	DispatchOnStart  bool          `mapstructure:"dispatch_on_start"`
	PruneHour        int           `mapstructure:"prune_hour"`
}

// ArchiveConfig selects where raw feed documents are kept, if anywhere.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Dir      string `mapstructure:"dir"`
	Prefix   string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls trace export. An empty project keeps spans in-process.
type TelemetryConfig struct {
	TraceProjectID string  `mapstructure:"trace_project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGESTOR")
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("fetch.user_agent", "feed-ingestor/1.0")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.per_host_rps", 1.0)
	v.SetDefault("fetch.per_host_burst", 2)
	v.SetDefault("normalize.summary_max_runes", 1000)
	v.SetDefault("normalize.content_max_runes", 10000)
	v.SetDefault("queue.provider", ProviderMemory)
	v.SetDefault("queue.batch_size", 100)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.consumers", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.retry_base_seconds", 30)
	v.SetDefault("queue.retry_max_seconds", 900)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "feed-fetch")
	v.SetDefault("pubsub.subscription_id", "feed-fetch-workers")
	v.SetDefault("pubsub.max_outstanding", 10)
	v.SetDefault("pubsub.num_goroutines", 1)
	v.SetDefault("db.driver", ProviderSQLite)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.path", "feed-ingestor.db")
	v.SetDefault("db.sources_table", "sources")
	v.SetDefault("db.items_table", "items")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("retention.days", 30)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.dispatch_interval", "30m")
	v.SetDefault("schedule.dispatch_on_start", false)
	v.SetDefault("schedule.prune_hour", 3)
	v.SetDefault("archive.provider", ProviderNone)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.dir", "archive")
	v.SetDefault("archive.prefix", "feeds")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.trace_project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be > 0")
	}
	if c.Queue.Consumers <= 0 {
		return fmt.Errorf("queue.consumers must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	switch c.Queue.Provider {
	case ProviderMemory:
	case ProviderPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicID == "" || c.PubSub.SubscriptionID == "" {
			return fmt.Errorf("pubsub.project_id, pubsub.topic_id and pubsub.subscription_id are required for the pubsub queue")
		}
	default:
		return fmt.Errorf("queue.provider %q is not supported", c.Queue.Provider)
	}
	switch c.DB.Driver {
	case ProviderMemory:
	case ProviderSQLite:
		if c.DB.Path == "" {
			return fmt.Errorf("db.path must be set for sqlite")
		}
	case ProviderPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for postgres")
		}
	default:
		return fmt.Errorf("db.driver %q is not supported", c.DB.Driver)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("retention.days must be > 0")
	}
	if c.Schedule.Enabled && c.Schedule.DispatchInterval <= 0 {
		return fmt.Errorf("schedule.dispatch_interval must be > 0 when scheduling is enabled")
	}
	if c.Schedule.PruneHour < -1 || c.Schedule.PruneHour > 23 {
		return fmt.Errorf("schedule.prune_hour must be between 0 and 23, or -1 to disable")
	}
	switch c.Archive.Provider {
	case ProviderNone, ProviderMemory:
	case ProviderLocal:
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set for local archive")
		}
	case ProviderGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for gcs archive")
		}
	default:
		return fmt.Errorf("archive.provider %q is not supported", c.Archive.Provider)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// FetchTimeout returns the absolute per-request budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// RetryBase returns the first redelivery delay.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Queue.RetryBaseSeconds) * time.Second
}

// RetryMax caps the redelivery delay.
func (c Config) RetryMax() time.Duration {
	return time.Duration(c.Queue.RetryMaxSeconds) * time.Second
}
