package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	telemetry "podescrow/observability/otel"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures runtime configuration for the escrow indexer.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	NodeURL        string          `yaml:"nodeUrl"`
	NodeToken      string          `yaml:"nodeToken"`
	Database       DatabaseConfig  `yaml:"database"`
	PollInterval   time.Duration   `yaml:"pollInterval"`
	BatchSize      int             `yaml:"batchSize"`
	Env            string          `yaml:"env"`
	LogLevel       string          `yaml:"logLevel"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
	Queue          QueueConfig     `yaml:"queue"`
	// AllowedOrigins enables CORS on the read API. Empty disables it.
	AllowedOrigins []string        `yaml:"allowedOrigins"`
	Webhooks       []WebhookConfig `yaml:"webhooks"`
}

// DatabaseConfig selects the gorm dialect.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	Traces   bool              `yaml:"traces"`
	Metrics  bool              `yaml:"metrics"`
}

// QueueConfig bounds the in-memory webhook queue.
type QueueConfig struct {
	Capacity int           `yaml:"capacity"`
	History  int           `yaml:"history"`
	TTL      time.Duration `yaml:"ttl"`
}

// WebhookConfig declares a subscription seeded at startup. Secret may be
// given indirectly through SecretEnv.
type WebhookConfig struct {
	URL       string   `yaml:"url"`
	Secret    string   `yaml:"secret"`
	SecretEnv string   `yaml:"secretEnv"`
	Events    []string `yaml:"events"`
	RateLimit int      `yaml:"rateLimitPerMinute"`
}

// LoadConfig reads the YAML file at path and layers ESCROW_INDEXER_*
// environment overrides on top.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8090",
		Database:      DatabaseConfig{Driver: DriverSQLite, DSN: "escrow-indexer.db"},
		PollInterval:  2 * time.Second,
		BatchSize:     100,
		Env:           "dev",
		LogLevel:      "info",
		Queue: QueueConfig{
			Capacity: defaultTaskCapacity,
			History:  defaultHistoryCapacity,
			TTL:      defaultQueueTTL,
		},
	}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ListenAddress = getenvDefault("ESCROW_INDEXER_LISTEN", cfg.ListenAddress)
	cfg.NodeURL = getenvDefault("ESCROW_INDEXER_NODE_URL", cfg.NodeURL)
	cfg.NodeToken = getenvDefault("ESCROW_INDEXER_NODE_TOKEN", cfg.NodeToken)
	cfg.Database.DSN = getenvDefault("ESCROW_INDEXER_DSN", cfg.Database.DSN)
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if raw := strings.TrimSpace(os.Getenv("ESCROW_INDEXER_OTLP_HEADERS")); raw != "" {
		cfg.Telemetry.Headers = telemetry.ParseHeaders(raw)
	}
	for i := range cfg.Webhooks {
		if env := strings.TrimSpace(cfg.Webhooks[i].SecretEnv); env != "" && cfg.Webhooks[i].Secret == "" {
			cfg.Webhooks[i].Secret = os.Getenv(env)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeURL) == "" {
		return errors.New("nodeUrl is required")
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database dsn is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("pollInterval must be positive")
	}
	if c.BatchSize <= 0 || c.BatchSize > 500 {
		return errors.New("batchSize must be between 1 and 500")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d]: url is required", i)
		}
		if strings.TrimSpace(hook.Secret) == "" {
			return fmt.Errorf("webhooks[%d]: secret is required", i)
		}
		if hook.RateLimit < 0 {
			return fmt.Errorf("webhooks[%d]: rateLimitPerMinute must not be negative", i)
		}
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
