// Package config assembles the service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/dlgate/internal/pkg/billing"
	"github.com/ManuelReschke/dlgate/internal/pkg/cache"
	"github.com/ManuelReschke/dlgate/internal/pkg/database"
	"github.com/ManuelReschke/dlgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/dlgate/internal/pkg/env"
	"github.com/ManuelReschke/dlgate/internal/pkg/quota"
	"github.com/ManuelReschke/dlgate/internal/pkg/s3download"
)

type App struct {
	Host            string `validate:"required"`
	Port            int    `validate:"required,min=1,max=65535"`
	Env             string `validate:"oneof=dev test prod"`
	LogLevel        string
	RateLimitMax    int           `validate:"min=0"`
	RateLimitWindow time.Duration `validate:"min=0"`
}

type Billing struct {
	StripeSecretKey   string
	WebhookSecret     string `validate:"required"`
	WebhookTolerance  time.Duration
	ReconcileInterval time.Duration `validate:"min=0"`
	ReconcileWindow   time.Duration `validate:"min=0"`
}

type Quota struct {
	FreeAllowance       int           `validate:"min=1"`
	Timeout             time.Duration `validate:"min=0"`
	MaxConflictRetries  int           `validate:"min=1"`
	SubscriberHeader    string        `validate:"required"`
	EntitlementCacheTTL time.Duration `validate:"min=0"`
	UsageDrainInterval  time.Duration `validate:"min=0"`
}

type Config struct {
	App            App
	Database       database.Config
	Cache          cache.Config
	Billing        Billing
	Quota          Quota
	S3             s3download.Config
	InternalAPIKey string
}

// IsDev reports whether pretty logging and dev defaults apply.
func (c *Config) IsDev() bool {
	return c.App.Env == "dev"
}

// Load reads the environment (after env.SetupEnvFile) and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		App: App{
			Host:     env.GetEnv("APP_HOST", "0.0.0.0"),
			Port:     env.GetInt("APP_PORT", 8080),
			Env:      strings.ToLower(env.GetEnv("APP_ENV", "prod")),
			LogLevel: env.GetEnv("LOG_LEVEL", "info"),

			RateLimitMax:    env.GetInt("API_RATE_LIMIT_MAX", 60),
			RateLimitWindow: env.GetDuration("API_RATE_LIMIT_WINDOW", time.Minute),
		},
		Database: database.Config{
			Driver:       strings.ToLower(env.GetEnv("DB_DRIVER", database.DriverMySQL)),
			Host:         env.GetEnv("DB_HOST", "localhost"),
			Port:         env.GetEnv("DB_PORT", "3306"),
			User:         env.GetEnv("DB_USER", ""),
			Password:     env.GetEnv("DB_PASSWORD", ""),
			Name:         env.GetEnv("DB_NAME", "dlgate"),
			MaxOpenConns: env.GetInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: env.GetInt("DB_MAX_IDLE_CONNS", 10),
			LogSQL:       env.GetEnv("DB_LOG_SQL", "false") == "true",
		},
		Cache: cache.Config{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetInt("CACHE_PORT", 6379),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			DB:       env.GetInt("CACHE_DB", 0),
		},
		Billing: Billing{
			StripeSecretKey:   env.GetEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:     env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
			WebhookTolerance:  env.GetDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			ReconcileInterval: env.GetDuration("BILLING_RECONCILE_INTERVAL", 15*time.Minute),
			ReconcileWindow:   env.GetDuration("BILLING_RECONCILE_WINDOW", billing.DefaultReconcileWindow),
		},
		Quota: Quota{
			FreeAllowance:       env.GetInt("QUOTA_FREE_ALLOWANCE", entitlements.DefaultFreeAllowance),
			Timeout:             env.GetDuration("QUOTA_TIMEOUT", quota.DefaultTimeout),
			MaxConflictRetries:  env.GetInt("STORE_MAX_CONFLICT_RETRIES", 5),
			SubscriberHeader:    env.GetEnv("SUBSCRIBER_HEADER", "X-Subscriber-ID"),
			EntitlementCacheTTL: env.GetDuration("ENTITLEMENT_CACHE_TTL", entitlements.DefaultCacheTTL),
			UsageDrainInterval:  env.GetDuration("USAGE_DRAIN_INTERVAL", time.Minute),
		},
		S3: s3download.Config{
			AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
			Region:          env.GetEnv("S3_REGION", "us-east-1"),
			BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
			EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
			PresignTTL:      env.GetDuration("S3_PRESIGN_TTL", s3download.DefaultPresignTTL),
			Enabled:         env.GetEnv("S3_DOWNLOADS_ENABLED", "false") == "true",
		},
		InternalAPIKey: env.GetEnv("INTERNAL_API_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.S3.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Database.Driver != database.DriverSQLite && c.Database.User == "" {
		return fmt.Errorf("invalid configuration: DB_USER is required for driver %s", c.Database.Driver)
	}
	return nil
}
