package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	ParcelSync ParcelSyncConfig `yaml:"parcelsync"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite". Empty means sqlite.
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	// Path is the directory holding the sqlite database file.
	Path string `yaml:"path"`
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	PackageUpdatedTopicName string `yaml:"package_updated_topic_name"`
	WebhookRelayTopicName   string `yaml:"webhook_relay_topic_name"`
	ConsumerGroup           string `yaml:"consumer_group"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ParcelSyncConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	SwaggerPath string `yaml:"swagger_path"`

	SyncIntervalSeconds      int `yaml:"sync_interval_seconds"`
	SyncConcurrency          int `yaml:"sync_concurrency"`
	FetchTimeoutSeconds      int `yaml:"fetch_timeout_seconds"`
	FetchMaxAttempts         int `yaml:"fetch_max_attempts"`
	BackoffInitialMillis     int `yaml:"backoff_initial_millis"`
	BackoffMaxSeconds        int `yaml:"backoff_max_seconds"`
	RateLimitCooldownSeconds int `yaml:"rate_limit_cooldown_seconds"`
	RateLimitPerMinute       int `yaml:"rate_limit_per_minute"`
	StalenessDays            int `yaml:"staleness_days"`
	CacheTTLSeconds          int `yaml:"cache_ttl_seconds"`

	// Unknown tracking numbers pushed by webhook are rejected unless this is set.
	WebhookAutoCreate     bool   `yaml:"webhook_auto_create"`
	WebhookDefaultCarrier string `yaml:"webhook_default_carrier"`

	CarrierMode     string   `yaml:"carrier_mode"` // "track17" | "fake"
	Track17BaseURL  string   `yaml:"track17_base_url"`
	Track17APIKey   string   `yaml:"track17_api_key"`
	Track17Carriers []string `yaml:"track17_carriers"`
}

func LoadConfig(filename string) (*Config, error) {
	var config Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
		}
	}

	if config.ParcelSync.Track17APIKey == "" {
		config.ParcelSync.Track17APIKey = os.Getenv("TRACK17_API_KEY")
	}

	return config.WithDefaults(), nil
}

// WithDefaults fills zero values in place and returns the receiver.
func (c *Config) WithDefaults() *Config {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data"
	}
	if c.Kafka.PackageUpdatedTopicName == "" {
		c.Kafka.PackageUpdatedTopicName = "package.updated"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "parcel-sync"
	}

	p := &c.ParcelSync
	if p.HTTPAddr == "" {
		p.HTTPAddr = ":8080"
	}
	if p.SyncIntervalSeconds <= 0 {
		p.SyncIntervalSeconds = 1800
	}
	if p.SyncConcurrency <= 0 {
		p.SyncConcurrency = 4
	}
	if p.FetchTimeoutSeconds <= 0 {
		p.FetchTimeoutSeconds = 10
	}
	if p.FetchMaxAttempts <= 0 {
		p.FetchMaxAttempts = 3
	}
	if p.BackoffInitialMillis <= 0 {
		p.BackoffInitialMillis = 500
	}
	if p.BackoffMaxSeconds <= 0 {
		p.BackoffMaxSeconds = 30
	}
	if p.RateLimitCooldownSeconds <= 0 {
		p.RateLimitCooldownSeconds = 60
	}
	if p.StalenessDays <= 0 {
		p.StalenessDays = 30
	}
	if p.CacheTTLSeconds <= 0 {
		p.CacheTTLSeconds = 600
	}
	if p.WebhookDefaultCarrier == "" {
		p.WebhookDefaultCarrier = "auto"
	}
	if p.CarrierMode == "" {
		p.CarrierMode = "track17"
	}
	if p.Track17BaseURL == "" {
		p.Track17BaseURL = "https://api.17track.net/v2"
	}
	return c
}

func (c *Config) PostgresConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.DBName, c.Database.SSLMode)
}

func (c *Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) KafkaBrokers() []string {
	if c.Kafka.Host == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s:%d", c.Kafka.Host, c.Kafka.Port)}
}

func (p ParcelSyncConfig) SyncInterval() time.Duration {
	return time.Duration(p.SyncIntervalSeconds) * time.Second
}

func (p ParcelSyncConfig) FetchTimeout() time.Duration {
	return time.Duration(p.FetchTimeoutSeconds) * time.Second
}

func (p ParcelSyncConfig) BackoffInitial() time.Duration {
	return time.Duration(p.BackoffInitialMillis) * time.Millisecond
}

func (p ParcelSyncConfig) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxSeconds) * time.Second
}

func (p ParcelSyncConfig) RateLimitCooldown() time.Duration {
	return time.Duration(p.RateLimitCooldownSeconds) * time.Second
}

func (p ParcelSyncConfig) Staleness() time.Duration {
	return time.Duration(p.StalenessDays) * 24 * time.Hour
}

func (p ParcelSyncConfig) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLSeconds) * time.Second
}
