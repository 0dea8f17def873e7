package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	ScoringURL     string        `mapstructure:"SCORING_URL"`
	ScoringTimeout time.Duration `mapstructure:"SCORING_TIMEOUT"`

	AllocatorMaxAttempts int           `mapstructure:"ALLOCATOR_MAX_ATTEMPTS"`
	AllocatorBaseBackoff time.Duration `mapstructure:"ALLOCATOR_BASE_BACKOFF"`
	AllocatorMaxBackoff  time.Duration `mapstructure:"ALLOCATOR_MAX_BACKOFF"`

	// AnalyticsTimezone is the IANA zone used for day/week/month bucketing.
	AnalyticsTimezone string `mapstructure:"ANALYTICS_TIMEZONE"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	ExportBucket string `mapstructure:"EXPORT_BUCKET"`
	ExportPrefix string `mapstructure:"EXPORT_PREFIX"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"SCORING_URL", "SCORING_TIMEOUT",
	"ALLOCATOR_MAX_ATTEMPTS", "ALLOCATOR_BASE_BACKOFF", "ALLOCATOR_MAX_BACKOFF",
	"ANALYTICS_TIMEZONE",
	"KAFKA_BROKERS", "KAFKA_TOPIC",
	"EXPORT_BUCKET", "EXPORT_PREFIX",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("SCORING_URL", "http://127.0.0.1:5000/predict")
	v.SetDefault("SCORING_TIMEOUT", "10s")
	v.SetDefault("ALLOCATOR_MAX_ATTEMPTS", 8)
	v.SetDefault("ALLOCATOR_BASE_BACKOFF", "10ms")
	v.SetDefault("ALLOCATOR_MAX_BACKOFF", "500ms")
	v.SetDefault("ANALYTICS_TIMEZONE", "UTC")
	v.SetDefault("KAFKA_TOPIC", "cardiorisk.events")
	v.SetDefault("EXPORT_PREFIX", "analytics")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	// Development may run on in-memory stores.
	if cfg.DatabaseURL == "" && !cfg.IsDev() {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token run as \"dev-user\".")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList normalizes comma separated list values. Viper hands back either
// an already split slice or a single comma joined element depending on the
// source, so both shapes are flattened here.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = []string{raw}
	}
	var out []string
	for _, item := range parsed {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves AnalyticsTimezone. An empty value means UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.AnalyticsTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.AnalyticsTimezone)
	if err != nil {
		return nil, fmt.Errorf("ANALYTICS_TIMEZONE: %w", err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development
// a token verifier (issuer, JWKS URL or signing key) must be configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development only; configure AUTH_ISSUER in production")
	}
	if c.AllocatorMaxAttempts < 1 {
		return fmt.Errorf("ALLOCATOR_MAX_ATTEMPTS must be at least 1, got %d", c.AllocatorMaxAttempts)
	}
	if c.AllocatorBaseBackoff < 0 || c.AllocatorMaxBackoff < c.AllocatorBaseBackoff {
		return fmt.Errorf("ALLOCATOR_MAX_BACKOFF (%s) must be >= ALLOCATOR_BASE_BACKOFF (%s)",
			c.AllocatorMaxBackoff, c.AllocatorBaseBackoff)
	}
	if c.ScoringURL == "" {
		return fmt.Errorf("SCORING_URL is required")
	}
	if c.ScoringTimeout <= 0 {
		return fmt.Errorf("SCORING_TIMEOUT must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}
