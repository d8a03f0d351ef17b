// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrProviderBaseURLRequired is returned when PROVIDER_BASE_URL is not set.
	ErrProviderBaseURLRequired = errors.New("config: PROVIDER_BASE_URL is required")
	// ErrProviderAPIKeyRequired is returned when PROVIDER_API_KEY is not set.
	ErrProviderAPIKeyRequired = errors.New("config: PROVIDER_API_KEY is required")
	// ErrJWTSecretRequired is returned when AUTH_JWT_SECRET is not set.
	ErrJWTSecretRequired = errors.New("config: AUTH_JWT_SECRET is required")
	// ErrInvalidLimits is returned when a numeric limit is not positive.
	ErrInvalidLimits = errors.New("config: limits must be positive")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Provider settings
	ProviderBaseURL       string        `env:"PROVIDER_BASE_URL, required" json:"provider_base_url"`
	ProviderAPIKey        string        `env:"PROVIDER_API_KEY, required" json:"-"` // Masked in JSON
	ProviderMaxJobSeconds int           `env:"PROVIDER_MAX_JOB_SECONDS, default=15" json:"provider_max_job_seconds"`
	ProviderTimeout       time.Duration `env:"PROVIDER_TIMEOUT, default=60s" json:"provider_timeout"`
	ProviderMaxRetries    int           `env:"PROVIDER_MAX_RETRIES, default=3" json:"provider_max_retries"`
	ProviderProbeTTL      time.Duration `env:"PROVIDER_PROBE_TTL, default=5s" json:"provider_probe_ttl"`

	// Submission settings
	DefaultModel          string `env:"DEFAULT_MODEL, default=sora-2" json:"default_model"`
	DefaultSize           string `env:"DEFAULT_SIZE, default=720x1280" json:"default_size"`
	MaxSubtasksPerRequest int    `env:"MAX_SUBTASKS_PER_REQUEST, default=12" json:"max_subtasks_per_request"`
	MaxConcurrentSubmits  int    `env:"MAX_CONCURRENT_SUBMITS, default=3" json:"max_concurrent_submits"`

	// Persistence settings; an empty DATABASE_URL selects in-memory stores
	DatabaseURL      string `env:"DATABASE_URL" json:"-"` // Masked in JSON
	DevProjectOwners string `env:"DEV_PROJECT_OWNERS" json:"dev_project_owners,omitempty"`

	// Storage settings
	TempDir            string        `env:"TEMP_DIR, default=/tmp/storyboard-tasks" json:"temp_dir"`
	LocalMediaDir      string        `env:"LOCAL_MEDIA_DIR, default=./media" json:"local_media_dir"`
	PublicBaseURL      string        `env:"PUBLIC_BASE_URL, default=http://localhost:8080/media" json:"public_base_url"`
	MigrationTimeout   time.Duration `env:"MIGRATION_TIMEOUT, default=2m" json:"migration_timeout"`
	S3Bucket           string        `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string        `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string        `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3PublicBaseURL    string        `env:"S3_PUBLIC_BASE_URL" json:"s3_public_base_url,omitempty"`
	AWSAccessKeyID     string        `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string        `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Character registration settings
	RegistrationMaxWait      time.Duration `env:"REGISTRATION_MAX_WAIT, default=10m" json:"registration_max_wait"`
	RegistrationPollInterval time.Duration `env:"REGISTRATION_POLL_INTERVAL, default=5s" json:"registration_poll_interval"`

	// Collaborators
	BillingURL    string `env:"BILLING_URL" json:"billing_url,omitempty"`
	AuthJWTSecret string `env:"AUTH_JWT_SECRET, required" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// DatabaseEnabled returns true when tasks are stored in Postgres.
func (c *Config) DatabaseEnabled() bool {
	return c.DatabaseURL != ""
}

// BillingEnabled returns true when credits are debited through the billing service.
func (c *Config) BillingEnabled() bool {
	return c.BillingURL != ""
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		msg := err.Error()
		switch {
		case strings.Contains(msg, "PROVIDER_BASE_URL"):
			return nil, ErrProviderBaseURLRequired
		case strings.Contains(msg, "PROVIDER_API_KEY"):
			return nil, ErrProviderAPIKeyRequired
		case strings.Contains(msg, "AUTH_JWT_SECRET"):
			return nil, ErrJWTSecretRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and limits are sane.
func (c *Config) Validate() error {
	if c.ProviderBaseURL == "" {
		return ErrProviderBaseURLRequired
	}
	if c.ProviderAPIKey == "" {
		return ErrProviderAPIKeyRequired
	}
	if c.AuthJWTSecret == "" {
		return ErrJWTSecretRequired
	}
	if c.ProviderMaxJobSeconds <= 0 || c.MaxSubtasksPerRequest <= 0 || c.MaxConcurrentSubmits <= 0 {
		return ErrInvalidLimits
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, ProviderBaseURL: %s, ProviderMaxJobSeconds: %d, MaxSubtasksPerRequest: %d, Database: %t, S3Bucket: %s, S3Region: %s, Billing: %t, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.ProviderBaseURL,
		c.ProviderMaxJobSeconds,
		c.MaxSubtasksPerRequest,
		c.DatabaseEnabled(),
		c.S3Bucket,
		c.S3Region,
		c.BillingEnabled(),
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
