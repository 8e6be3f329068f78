package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	LogLevel      string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RedisURL      string `mapstructure:"REDIS_URL"`
	EventsChannel string `mapstructure:"EVENTS_CHANNEL"`

	DirectoryURL     string        `mapstructure:"DIRECTORY_URL"`
	DirectoryToken   string        `mapstructure:"DIRECTORY_TOKEN"`
	DirectoryTimeout time.Duration `mapstructure:"DIRECTORY_TIMEOUT"`

	BedWriteMaxAttempts int           `mapstructure:"BED_WRITE_MAX_ATTEMPTS"`
	BedWriteRetryDelay  time.Duration `mapstructure:"BED_WRITE_RETRY_DELAY"`
	ReconcileInterval   time.Duration `mapstructure:"RECONCILE_INTERVAL"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	HL7FeedAddr    string        `mapstructure:"HL7_FEED_ADDR"`
	HL7Facility    string        `mapstructure:"HL7_FACILITY"`
	HL7FeedTimeout time.Duration `mapstructure:"HL7_FEED_TIMEOUT"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var defaults = map[string]interface{}{
	"PORT":                   "8000",
	"ENV":                    "development",
	"LOG_LEVEL":              "info",
	"DB_MAX_CONNS":           20,
	"DB_MIN_CONNS":           5,
	"DEFAULT_TENANT":         "default",
	"CORS_ORIGINS":           "http://localhost:3000",
	"EVENTS_CHANNEL":         "adt:events",
	"DIRECTORY_TIMEOUT":      "5s",
	"BED_WRITE_MAX_ATTEMPTS": 3,
	"BED_WRITE_RETRY_DELAY":  "25ms",
	"RECONCILE_INTERVAL":     "15m",
	"REQUEST_TIMEOUT":        "30s",
	"BODY_LIMIT":             "1M",
	"RATE_LIMIT_RPS":         20,
	"RATE_LIMIT_BURST":       40,
	"HL7_FACILITY":           "HOSP",
	"HL7_FEED_TIMEOUT":       "5s",
}

var envOnly = []string{
	"DATABASE_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"REDIS_URL", "DIRECTORY_URL", "DIRECTORY_TOKEN", "HL7_FEED_ADDR", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads .env (if present) overlaid by the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
		v.BindEnv(k)
	}
	for _, k := range envOnly {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
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

// Validate refuses configurations that would run without authentication
// outside development or with nonsensical limits.
func (c *Config) Validate() error {
	var errs []error
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		errs = append(errs, fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set when ENV=%q", c.Env))
	}
	if c.BedWriteMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("BED_WRITE_MAX_ATTEMPTS must be at least 1, got %d", c.BedWriteMaxAttempts))
	}
	for name, d := range map[string]time.Duration{
		"BED_WRITE_RETRY_DELAY": c.BedWriteRetryDelay,
		"RECONCILE_INTERVAL":    c.ReconcileInterval,
		"DIRECTORY_TIMEOUT":     c.DirectoryTimeout,
		"REQUEST_TIMEOUT":       c.RequestTimeout,
		"HL7_FEED_TIMEOUT":      c.HL7FeedTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}
	return errors.Join(errs...)
}
