package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Events    EventsConfig    `yaml:"events"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	WebhookToken   string   `yaml:"webhook_token"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for the listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds the dispatch lock backend. Empty URL falls back to
// PostgreSQL advisory locks or process-local locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig controls the step sweep.
type SchedulerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Cron           string `yaml:"cron"`
	BatchSize      int    `yaml:"batch_size"`
	Concurrency    int    `yaml:"concurrency"`
	LeaseSeconds   int    `yaml:"lease_seconds"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
	SendTimeoutSec int    `yaml:"send_timeout_seconds"`
}

// Lease returns the claim lease as a duration
func (c SchedulerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// LockTTL returns the dispatch lock TTL as a duration
func (c SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// SendTimeout returns the per-send timeout as a duration
func (c SchedulerConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

// EventsConfig selects the contact event bus.
type EventsConfig struct {
	Driver        string   `yaml:"driver"` // "gochannel" or "kafka"
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// DeliveryConfig holds the outbound gateways.
type DeliveryConfig struct {
	SES SESConfig `yaml:"ses"`
	SMS SMSConfig `yaml:"sms"`
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
	FromName         string `yaml:"from_name"`
	FromEmail        string `yaml:"from_email"`
}

// SMSConfig holds the HTTP SMS gateway configuration
type SMSConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	From           string `yaml:"from"`
	MaxRetries     int    `yaml:"max_retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SMSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TrackingConfig holds the SQS delivery event queue.
type TrackingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	QueueURL string `yaml:"queue_url"`
	Region   string `yaml:"region"`
}

// LoggingConfig holds the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Scheduler.Cron == "" {
		cfg.Scheduler.Cron = "@every 15s"
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 8
	}
	if cfg.Scheduler.LeaseSeconds == 0 {
		cfg.Scheduler.LeaseSeconds = 300
	}
	if cfg.Scheduler.LockTTLSeconds == 0 {
		cfg.Scheduler.LockTTLSeconds = 60
	}
	if cfg.Scheduler.SendTimeoutSec == 0 {
		cfg.Scheduler.SendTimeoutSec = 30
	}
	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "gochannel"
	}
	if cfg.Events.ConsumerGroup == "" {
		cfg.Events.ConsumerGroup = "sequence-engine"
	}
	if cfg.Delivery.SES.Region == "" {
		cfg.Delivery.SES.Region = "us-west-2"
	}
	if cfg.Delivery.SMS.MaxRetries == 0 {
		cfg.Delivery.SMS.MaxRetries = 3
	}
	if cfg.Delivery.SMS.TimeoutSeconds == 0 {
		cfg.Delivery.SMS.TimeoutSeconds = 15
	}
	if cfg.Tracking.Region == "" {
		cfg.Tracking.Region = cfg.Delivery.SES.Region
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WEBHOOK_TOKEN"); v != "" {
		cfg.Server.WebhookToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Events.Brokers = splitList(v)
		cfg.Events.Driver = "kafka"
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Delivery.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Delivery.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Delivery.SES.Region = v
	}
	if v := os.Getenv("SMS_API_KEY"); v != "" {
		cfg.Delivery.SMS.APIKey = v
	}
	if v := os.Getenv("DELIVERY_EVENTS_QUEUE_URL"); v != "" {
		cfg.Tracking.QueueURL = v
		cfg.Tracking.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
