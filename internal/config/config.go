package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SourceFHIR     = "fhir"
	SourceREST     = "rest"
	SourcePostgres = "postgres"
)

type Config struct {
	Port                    string   `mapstructure:"PORT"`
	Env                     string   `mapstructure:"ENV"`
	DatabaseURL             string   `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL                string   `mapstructure:"REDIS_URL"`
	CatalogCacheTTLSeconds  int      `mapstructure:"CATALOG_CACHE_TTL_SECONDS"`
	AMQPURL                 string   `mapstructure:"AMQP_URL"`
	AMQPNotifyQueue         string   `mapstructure:"AMQP_NOTIFY_QUEUE"`
	NotifyWebhookURLs       []string `mapstructure:"NOTIFY_WEBHOOK_URLS"`
	NotifyWebhookSecret     string   `mapstructure:"NOTIFY_WEBHOOK_SECRET"`
	FHIRBaseURL             string   `mapstructure:"FHIR_BASE_URL"`
	BillingBaseURL          string   `mapstructure:"BILLING_BASE_URL"`
	VisitSource             string   `mapstructure:"VISIT_SOURCE"`
	BillingSource           string   `mapstructure:"BILLING_SOURCE"`
	UpstreamTimeoutSeconds  int      `mapstructure:"UPSTREAM_TIMEOUT_SECONDS"`
	UpstreamAuthToken       string   `mapstructure:"UPSTREAM_AUTH_TOKEN"`
	NonPayingAttributeValue string   `mapstructure:"NON_PAYING_ATTRIBUTE_VALUE"`
	WaiverWindowDays        int      `mapstructure:"WAIVER_WINDOW_DAYS"`
	AuthSigningKey          string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer              string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience            string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL             string   `mapstructure:"AUTH_JWKS_URL"`
	CORSOrigins             []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS            float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int      `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeoutSeconds   int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	SessionTTLMinutes       int      `mapstructure:"SESSION_TTL_MINUTES"`
}

var keys = []string{
	"PORT", "ENV",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CATALOG_CACHE_TTL_SECONDS",
	"AMQP_URL", "AMQP_NOTIFY_QUEUE", "NOTIFY_WEBHOOK_URLS", "NOTIFY_WEBHOOK_SECRET",
	"FHIR_BASE_URL", "BILLING_BASE_URL", "VISIT_SOURCE", "BILLING_SOURCE",
	"UPSTREAM_TIMEOUT_SECONDS", "UPSTREAM_AUTH_TOKEN",
	"NON_PAYING_ATTRIBUTE_VALUE", "WAIVER_WINDOW_DAYS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT_SECONDS", "SESSION_TTL_MINUTES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CATALOG_CACHE_TTL_SECONDS", 300)
	v.SetDefault("AMQP_NOTIFY_QUEUE", "billing.notifications")
	v.SetDefault("FHIR_BASE_URL", "http://localhost:8080/openmrs/ws/fhir2/R4")
	v.SetDefault("BILLING_BASE_URL", "http://localhost:8080/openmrs/ws/rest/v1/billing")
	v.SetDefault("VISIT_SOURCE", SourceFHIR)
	v.SetDefault("BILLING_SOURCE", SourceREST)
	v.SetDefault("UPSTREAM_TIMEOUT_SECONDS", 15)
	v.SetDefault("WAIVER_WINDOW_DAYS", 7)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("SESSION_TTL_MINUTES", 60)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.VisitSource = strings.ToLower(strings.TrimSpace(cfg.VisitSource))
	cfg.BillingSource = strings.ToLower(strings.TrimSpace(cfg.BillingSource))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NeedsDatabase reports whether any backend is served from Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.VisitSource == SourcePostgres || c.BillingSource == SourcePostgres
}

func (c *Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key or JWKS URL must be configured so that bearer tokens are
// verified.
func (c *Config) Validate() error {
	if c.VisitSource != SourceFHIR && c.VisitSource != SourcePostgres {
		return fmt.Errorf("VISIT_SOURCE must be %q or %q, got %q", SourceFHIR, SourcePostgres, c.VisitSource)
	}
	if c.BillingSource != SourceREST && c.BillingSource != SourcePostgres {
		return fmt.Errorf("BILLING_SOURCE must be %q or %q, got %q", SourceREST, SourcePostgres, c.BillingSource)
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when VISIT_SOURCE or BILLING_SOURCE is %q", SourcePostgres)
	}
	if c.VisitSource == SourceFHIR && c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required when VISIT_SOURCE is %q", SourceFHIR)
	}
	if c.BillingSource == SourceREST && c.BillingBaseURL == "" {
		return fmt.Errorf("BILLING_BASE_URL is required when BILLING_SOURCE is %q", SourceREST)
	}

	if c.WaiverWindowDays <= 0 {
		return fmt.Errorf("WAIVER_WINDOW_DAYS must be positive, got %d", c.WaiverWindowDays)
	}
	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive, got %d", c.SessionTTLMinutes)
	}
	if c.UpstreamTimeoutSeconds <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS must be positive, got %d", c.UpstreamTimeoutSeconds)
	}
	if c.RedisURL != "" && c.CatalogCacheTTLSeconds <= 0 {
		return fmt.Errorf("CATALOG_CACHE_TTL_SECONDS must be positive when REDIS_URL is set")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set outside development (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.AuthJWKSURL != "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER is required when AUTH_JWKS_URL is set")
	}

	return nil
}
