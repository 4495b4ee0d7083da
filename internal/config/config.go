// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	DB      DBConfig      `mapstructure:"db"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Graph   GraphConfig   `mapstructure:"graph"`
	Enrich  EnrichConfig  `mapstructure:"enrich"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Scoring ScoringConfig `mapstructure:"scoring"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Sweeps  SweepsConfig  `mapstructure:"sweeps"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver        string `mapstructure:"driver"` // "postgres" or "memory"
	DSN           string `mapstructure:"dsn"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
	MigrateOnBoot bool   `mapstructure:"migrate_on_boot"`
}

// RedisQueueConfig points at the Redis list used as a job queue.
type RedisQueueConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// PubSubQueueConfig holds GCP Pub/Sub queue metadata.
type PubSubQueueConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// QueueConfig selects and configures the job queue provider.
type QueueConfig struct {
	Provider string            `mapstructure:"provider"` // "memory", "redis" or "pubsub"
	Depth    int               `mapstructure:"depth"`    // memory provider capacity
	Redis    RedisQueueConfig  `mapstructure:"redis"`
	PubSub   PubSubQueueConfig `mapstructure:"pubsub"`
}

// GraphConfig configures the business-profile API client.
type GraphConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	AccessToken      string `mapstructure:"access_token"`
	UserID           string `mapstructure:"user_id"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// EnrichConfig governs the enrichment service.
type EnrichConfig struct {
	CooldownDays int `mapstructure:"cooldown_days"`
}

// IngestConfig configures the discovery connectors.
type IngestConfig struct {
	UserAgent      string   `mapstructure:"user_agent"`
	FetchDelayMs   int      `mapstructure:"fetch_delay_ms"`
	PlacesWebsites []string `mapstructure:"places_websites"`
	SpoolDir       string   `mapstructure:"spool_dir"`
}

// RuleConfig holds the rule scorer's weights and thresholds.
type RuleConfig struct {
	BioWeight          float64 `mapstructure:"bio_weight"`
	WebsiteWeight      float64 `mapstructure:"website_weight"`
	FollowersWeight    float64 `mapstructure:"followers_weight"`
	FollowersThreshold float64 `mapstructure:"followers_bucket_threshold"`
}

// ModelConfig locates the learned scorer's persisted model.
type ModelConfig struct {
	Provider  string  `mapstructure:"provider"` // "local" or "gcs"
	Path      string  `mapstructure:"path"`
	Bucket    string  `mapstructure:"bucket"`
	Epochs    int     `mapstructure:"epochs"`
	LearnRate float64 `mapstructure:"learn_rate"`
}

// ScoringConfig holds the feature vocabulary, rule weights and the active
// scorer selection. Everything here is data, not logic: swapping keyword
// sets or weights requires no code change.
type ScoringConfig struct {
	Scorer        string      `mapstructure:"scorer"` // "rule" or "logreg"
	Keywords      []string    `mapstructure:"keywords"`
	CityKeywords  []string    `mapstructure:"city_keywords"`
	CountrySuffix string      `mapstructure:"country_suffix"`
	Rule          RuleConfig  `mapstructure:"rule"`
	Model         ModelConfig `mapstructure:"model"`
}

// WorkerConfig tunes the queue consumer.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// SweepsConfig schedules the periodic maintenance sweeps.
type SweepsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	RefreshSpec  string `mapstructure:"refresh_spec"`
	RescoreSpec  string `mapstructure:"rescore_spec"`
	RefreshLimit int    `mapstructure:"refresh_limit"`
	RescoreLimit int    `mapstructure:"rescore_limit"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEADRADAR")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.migrate_on_boot", true)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.key", "leadradar:jobs")
	v.SetDefault("graph.base_url", "https://graph.facebook.com/v20.0")
	v.SetDefault("graph.timeout_seconds", 10)
	v.SetDefault("graph.max_retries", 4)
	v.SetDefault("graph.backoff_initial_ms", 1000)
	v.SetDefault("graph.backoff_max_ms", 60000)
	v.SetDefault("enrich.cooldown_days", 7)
	v.SetDefault("ingest.user_agent", "leadradar-bot/0.1 (+https://github.com/driesdejong/leadradar)")
	v.SetDefault("ingest.fetch_delay_ms", 1000)
	v.SetDefault("ingest.spool_dir", "data/uploads")
	v.SetDefault("scoring.scorer", "rule")
	v.SetDefault("scoring.keywords", []string{"bakery", "boulangerie", "patisserie", "bakkerij"})
	v.SetDefault("scoring.city_keywords", []string{"amsterdam", "jordaan", "de pijp", "oud-west"})
	v.SetDefault("scoring.country_suffix", ".nl")
	v.SetDefault("scoring.rule.bio_weight", 0.4)
	v.SetDefault("scoring.rule.website_weight", 0.3)
	v.SetDefault("scoring.rule.followers_weight", 0.2)
	v.SetDefault("scoring.rule.followers_bucket_threshold", 1.0)
	v.SetDefault("scoring.model.provider", "local")
	v.SetDefault("scoring.model.path", "data/models/logreg.json")
	v.SetDefault("scoring.model.epochs", 200)
	v.SetDefault("scoring.model.learn_rate", 0.1)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("sweeps.enabled", false)
	v.SetDefault("sweeps.refresh_spec", "0 3 * * *")
	v.SetDefault("sweeps.rescore_spec", "30 3 * * *")
	v.SetDefault("sweeps.refresh_limit", 200)
	v.SetDefault("sweeps.rescore_limit", 500)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	switch c.Queue.Provider {
	case "memory":
		if c.Queue.Depth <= 0 {
			return fmt.Errorf("queue.depth must be > 0 for the memory provider")
		}
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required")
		}
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.TopicID == "" {
			return fmt.Errorf("queue.pubsub.project_id and topic_id are required")
		}
	default:
		return fmt.Errorf("unknown queue.provider %q", c.Queue.Provider)
	}
	switch c.Scoring.Scorer {
	case "rule", "logreg":
	default:
		return fmt.Errorf("unknown scoring.scorer %q", c.Scoring.Scorer)
	}
	if c.Scoring.Scorer == "logreg" && c.Scoring.Model.Provider == "gcs" && c.Scoring.Model.Bucket == "" {
		return fmt.Errorf("scoring.model.bucket is required for the gcs model provider")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0")
	}
	return nil
}

// Timeout converts the configured client timeout into a duration.
func (c GraphConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry delay.
func (c GraphConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the retry delay growth.
func (c GraphConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// Cooldown returns the enrichment cooldown window.
func (c EnrichConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownDays) * 24 * time.Hour
}

// FetchDelay returns the politeness delay between website fetches.
func (c IngestConfig) FetchDelay() time.Duration {
	return time.Duration(c.FetchDelayMs) * time.Millisecond
}
