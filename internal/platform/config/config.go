// Package config loads runtime configuration from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	BaseURL     string `env:"BASE_URL" default:"http://localhost:8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	// Optional hex key (32 bytes) for encrypting credentials at rest.
	CredentialsEncryptionKey string `env:"CREDENTIALS_ENCRYPTION_KEY"`

	OperatorEmail string `env:"OPERATOR_EMAIL"`
	SMTPAddr      string `env:"SMTP_ADDR"`
	SMTPFrom      string `env:"SMTP_FROM" default:"Measured <noreply@measured.local>"`
	SMTPUsername  string `env:"SMTP_USERNAME"`
	SMTPPassword  string `env:"SMTP_PASSWORD"`

	// Per-provider OAuth2 clients and API keys.
	GoogleClientID        string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret    string `env:"GOOGLE_CLIENT_SECRET"`
	GithubClientID        string `env:"GITHUB_CLIENT_ID"`
	GithubClientSecret    string `env:"GITHUB_CLIENT_SECRET"`
	FacebookAppID         string `env:"FACEBOOK_APP_ID"`
	FacebookAppSecret     string `env:"FACEBOOK_APP_SECRET"`
	MailchimpClientID     string `env:"MAILCHIMP_CLIENT_ID"`
	MailchimpClientSecret string `env:"MAILCHIMP_CLIENT_SECRET"`
	StripeAPIKey          string `env:"STRIPE_API_KEY"`
	StripeClientID        string `env:"STRIPE_CLIENT_ID"`
	PlausibleAPIKey       string `env:"PLAUSIBLE_API_KEY"`

	// Scheduler tuning.
	CollectInterval time.Duration `env:"COLLECT_INTERVAL" default:"24h"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT" default:"15m"`
	WorkerCount     int           `env:"WORKER_COUNT" default:"4"`

	AllowScopeDowngrade bool `env:"ALLOW_SCOPE_DOWNGRADE" default:"false"`
}

// Load reads .env (when present) and the process environment, then validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Production reports whether the process runs with production settings.
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"REDIS_URL":    cfg.RedisURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.CredentialsEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(cfg.CredentialsEncryptionKey)
		if err != nil {
			return fmt.Errorf("CREDENTIALS_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("CREDENTIALS_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	if cfg.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}

	return nil
}
