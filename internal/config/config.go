// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinAuditSigningKeyBytes is the shortest accepted AUDIT_SIGNING_KEY once
// hex-decoded.
const MinAuditSigningKeyBytes = 32

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuditFilePath      string        `mapstructure:"AUDIT_FILE_PATH"`
	AuditSigningKey    string        `mapstructure:"AUDIT_SIGNING_KEY"`
	AuditRetryInterval time.Duration `mapstructure:"AUDIT_RETRY_INTERVAL"`
	AuditSinkTimeout   time.Duration `mapstructure:"AUDIT_SINK_TIMEOUT"`

	AlertWebhookURL    string `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string `mapstructure:"ALERT_WEBHOOK_SECRET"`
	AlertRatePerMinute int    `mapstructure:"ALERT_RATE_PER_MINUTE"`

	SessionTimeout       time.Duration `mapstructure:"SESSION_TIMEOUT"`
	SessionWarningWindow time.Duration `mapstructure:"SESSION_WARNING_WINDOW"`
	SessionRedirectURL   string        `mapstructure:"SESSION_REDIRECT_URL"`

	ReportFailedLoginThreshold int     `mapstructure:"REPORT_FAILED_LOGIN_THRESHOLD"`
	ReportAfterHoursRatio      float64 `mapstructure:"REPORT_AFTER_HOURS_RATIO"`
	ReportAfterHoursStart      int     `mapstructure:"REPORT_AFTER_HOURS_START"`
	ReportAfterHoursEnd        int     `mapstructure:"REPORT_AFTER_HOURS_END"`
	ReportTopN                 int     `mapstructure:"REPORT_TOP_N"`
	ReportTimezone             string  `mapstructure:"REPORT_TIMEZONE"`
	ReportSchedule             string  `mapstructure:"REPORT_SCHEDULE"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
}

var defaults = map[string]any{
	"PORT":                          "8000",
	"ENV":                           "development",
	"CORS_ORIGINS":                  "http://localhost:3000",
	"DB_SCHEMA":                     "public",
	"DB_MAX_CONNS":                  10,
	"DB_MIN_CONNS":                  2,
	"AUDIT_RETRY_INTERVAL":          "30s",
	"AUDIT_SINK_TIMEOUT":            "5s",
	"ALERT_RATE_PER_MINUTE":         30,
	"SESSION_TIMEOUT":               "15m",
	"SESSION_WARNING_WINDOW":        "2m",
	"SESSION_REDIRECT_URL":          "/login",
	"REPORT_FAILED_LOGIN_THRESHOLD": 10,
	"REPORT_AFTER_HOURS_RATIO":      0.10,
	"REPORT_AFTER_HOURS_START":      22,
	"REPORT_AFTER_HOURS_END":        6,
	"REPORT_TOP_N":                  10,
	"REPORT_TIMEZONE":               "Local",
	"RATE_LIMIT_RPS":                100,
	"RATE_LIMIT_BURST":              200,
	"REQUEST_TIMEOUT":               "30s",
	"BODY_LIMIT":                    "1M",
}

// unset keys have no default but must still be bound so Unmarshal sees them.
var unset = []string{
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"DATABASE_URL", "AUDIT_FILE_PATH", "AUDIT_SIGNING_KEY",
	"ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET", "REPORT_SCHEDULE",
}

// Load reads the configuration. A missing .env file is not an error. The
// result is not validated; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	for _, key := range unset {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves REPORT_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	if c.ReportTimezone == "" || c.ReportTimezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return nil, fmt.Errorf("REPORT_TIMEZONE: %w", err)
	}
	return loc, nil
}

// AuditSigningKeyBytes decodes AUDIT_SIGNING_KEY. It returns nil when the key
// is unset.
func (c *Config) AuditSigningKeyBytes() ([]byte, error) {
	if c.AuditSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuditSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUDIT_SIGNING_KEY is not valid hex: %w", err)
	}
	if len(key) < MinAuditSigningKeyBytes {
		return nil, fmt.Errorf("AUDIT_SIGNING_KEY must be at least %d bytes (%d hex chars), got %d bytes",
			MinAuditSigningKeyBytes, MinAuditSigningKeyBytes*2, len(key))
	}
	return key, nil
}

// Validate checks that the configuration is safe to run. Every problem is
// reported, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProduction() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		errs = append(errs, errors.New("AUTH_ISSUER or AUTH_SIGNING_KEY is required in production"))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TIMEOUT must be positive, got %s", c.SessionTimeout))
	}
	if c.SessionWarningWindow < 0 || c.SessionWarningWindow >= c.SessionTimeout {
		errs = append(errs, fmt.Errorf("SESSION_WARNING_WINDOW (%s) must be shorter than SESSION_TIMEOUT (%s)",
			c.SessionWarningWindow, c.SessionTimeout))
	}
	if c.ReportAfterHoursRatio < 0 || c.ReportAfterHoursRatio > 1 {
		errs = append(errs, fmt.Errorf("REPORT_AFTER_HOURS_RATIO must be within [0,1], got %g", c.ReportAfterHoursRatio))
	}
	for key, h := range map[string]int{
		"REPORT_AFTER_HOURS_START": c.ReportAfterHoursStart,
		"REPORT_AFTER_HOURS_END":   c.ReportAfterHoursEnd,
	} {
		if h < 0 || h > 23 {
			errs = append(errs, fmt.Errorf("%s must be within [0,23], got %d", key, h))
		}
	}
	if c.ReportFailedLoginThreshold < 0 {
		errs = append(errs, fmt.Errorf("REPORT_FAILED_LOGIN_THRESHOLD must not be negative, got %d", c.ReportFailedLoginThreshold))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.AuditSigningKeyBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		errs = append(errs, errors.New("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}

	return errors.Join(errs...)
}
