// Package config loads the broker's runtime configuration from a config
// file and MWAP_-prefixed environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Recognized deployment environments. The environment gates which redirect
// hosts are accepted and whether plain-HTTP redirect URIs are tolerated.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// EncryptionKeySize is the required decoded length of encryption_key.
const EncryptionKeySize = 32

// Config is the runtime configuration for mwapserver.
type Config struct {
	Environment string `mapstructure:"environment"` // development | staging | production
	Address     string `mapstructure:"address"`     // listen address for the HTTP server
	Debug       bool   `mapstructure:"debug"`

	// Authentication of platform users on the protected routes.
	AuthIssuer    string `mapstructure:"auth_issuer"`
	AuthAudience  string `mapstructure:"auth_audience"`
	AuthJWTSecret string `mapstructure:"auth_jwt_secret"` // HS256 secret; mutually exclusive with JWKS in practice
	AuthJWKSURL   string `mapstructure:"auth_jwks_url"`   // JWKS endpoint for RS256 validation

	// OAuth flow tuning.
	StateTTLSec            int      `mapstructure:"state_ttl_sec"`            // state parameter lifetime
	ExchangeTimeoutSec     int      `mapstructure:"exchange_timeout_sec"`     // outbound token endpoint timeout
	CallbackRatePerSec     float64  `mapstructure:"callback_rate_per_sec"`    // public callback rate limit
	CallbackRateBurst      int      `mapstructure:"callback_rate_burst"`      // public callback burst allowance
	RedirectHostList       []string `mapstructure:"redirect_hosts"`           // overrides the per-environment default allow-list
	AllowPrivateEndpoints  bool     `mapstructure:"allow_private_endpoints"`  // permit provider endpoints on private IPs (development)
	AllowPlainHTTPProvider bool     `mapstructure:"allow_plain_http_provider"` // permit http:// provider endpoints (development)
	CABundlePath           string   `mapstructure:"ca_bundle"`                // extra CA bundle for provider TLS

	// Secrets at rest.
	EncryptionKey string `mapstructure:"encryption_key"` // base64, 32 bytes decoded

	// Storage.
	DatabasePath  string `mapstructure:"database_path"` // sqlite database file
	ProvidersFile string `mapstructure:"providers_file"` // provider catalog to seed at startup

	// Security monitoring thresholds.
	MonitorWindowSec       int     `mapstructure:"monitor_window_sec"`
	FailureRateThreshold   float64 `mapstructure:"failure_rate_threshold"`
	FailureRateHigh        float64 `mapstructure:"failure_rate_high"`
	FailureMinAttempts     int     `mapstructure:"failure_min_attempts"`
	RapidAttemptsThreshold int     `mapstructure:"rapid_attempts_threshold"`
	RapidAttemptsHigh      int     `mapstructure:"rapid_attempts_high"`
	IPAbuseThreshold       int     `mapstructure:"ip_abuse_threshold"`
	IPAbuseCritical        int     `mapstructure:"ip_abuse_critical"`
	AttemptRetentionSec    int     `mapstructure:"attempt_retention_sec"`
	PatternRetentionSec    int     `mapstructure:"pattern_retention_sec"`
	AlertRetentionSec      int     `mapstructure:"alert_retention_sec"`
	MonitorSweepSec        int     `mapstructure:"monitor_sweep_sec"`
	AttemptsPerKeyCap      int     `mapstructure:"attempts_per_key_cap"`
}

func setDefaults() {
	viper.SetDefault("environment", EnvDevelopment)
	viper.SetDefault("address", ":8080")
	viper.SetDefault("debug", false)

	viper.SetDefault("auth_issuer", "")
	viper.SetDefault("auth_audience", "")
	viper.SetDefault("auth_jwt_secret", "")
	viper.SetDefault("auth_jwks_url", "")

	viper.SetDefault("state_ttl_sec", 600)
	viper.SetDefault("exchange_timeout_sec", 30)
	viper.SetDefault("callback_rate_per_sec", 10.0)
	viper.SetDefault("callback_rate_burst", 20)
	viper.SetDefault("redirect_hosts", []string{})
	viper.SetDefault("allow_private_endpoints", false)
	viper.SetDefault("allow_plain_http_provider", false)
	viper.SetDefault("ca_bundle", "")

	viper.SetDefault("encryption_key", "")

	viper.SetDefault("database_path", "./mwapserver.db")
	viper.SetDefault("providers_file", "")

	viper.SetDefault("monitor_window_sec", 300)
	viper.SetDefault("failure_rate_threshold", 0.5)
	viper.SetDefault("failure_rate_high", 0.8)
	viper.SetDefault("failure_min_attempts", 5)
	viper.SetDefault("rapid_attempts_threshold", 10)
	viper.SetDefault("rapid_attempts_high", 20)
	viper.SetDefault("ip_abuse_threshold", 20)
	viper.SetDefault("ip_abuse_critical", 50)
	viper.SetDefault("attempt_retention_sec", 24*3600)
	viper.SetDefault("pattern_retention_sec", 24*3600)
	viper.SetDefault("alert_retention_sec", 7*24*3600)
	viper.SetDefault("monitor_sweep_sec", 60)
	viper.SetDefault("attempts_per_key_cap", 1000)
}

// Load reads configuration from an optional mwapserver.yaml and the
// environment. Environment variables use the MWAP_ prefix; the deployment
// environment additionally honors NODE_ENV for parity with older deployments.
func Load() (*Config, error) {
	viper.SetConfigName("mwapserver")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/mwapserver/")
	viper.AddConfigPath("$HOME/.mwapserver")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvPrefix("MWAP")
	viper.AutomaticEnv()
	if err := viper.BindEnv("environment", "MWAP_ENVIRONMENT", "NODE_ENV"); err != nil {
		return nil, fmt.Errorf("failed to bind environment variable: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// A single comma-separated MWAP_REDIRECT_HOSTS value arrives as one
	// element; split and trim it.
	if len(cfg.RedirectHostList) == 1 && strings.Contains(cfg.RedirectHostList[0], ",") {
		parts := strings.Split(cfg.RedirectHostList[0], ",")
		cfg.RedirectHostList = make([]string, 0, len(parts))
		for _, p := range parts {
			if h := strings.TrimSpace(p); h != "" {
				cfg.RedirectHostList = append(cfg.RedirectHostList, h)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks internal consistency and the stricter requirements that
// apply outside development.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q, must be one of %s, %s, %s",
			c.Environment, EnvDevelopment, EnvStaging, EnvProduction)
	}

	if c.StateTTLSec <= 0 {
		return fmt.Errorf("state_ttl_sec must be positive, got %d", c.StateTTLSec)
	}
	if c.ExchangeTimeoutSec <= 0 {
		return fmt.Errorf("exchange_timeout_sec must be positive, got %d", c.ExchangeTimeoutSec)
	}

	if c.EncryptionKey != "" {
		if _, err := c.EncryptionKeyBytes(); err != nil {
			return err
		}
	}

	if !c.IsDevelopment() {
		if c.AuthJWTSecret == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("%s requires auth_jwt_secret or auth_jwks_url", c.Environment)
		}
		if c.EncryptionKey == "" {
			return fmt.Errorf("%s requires encryption_key", c.Environment)
		}
		if c.AllowPrivateEndpoints {
			return fmt.Errorf("allow_private_endpoints is not permitted in %s", c.Environment)
		}
		if c.AllowPlainHTTPProvider {
			return fmt.Errorf("allow_plain_http_provider is not permitted in %s", c.Environment)
		}
	}

	return nil
}

// IsDevelopment reports whether the broker runs in the development environment.
func (c *Config) IsDevelopment() bool { return c.Environment == EnvDevelopment }

// IsStaging reports whether the broker runs in the staging environment.
func (c *Config) IsStaging() bool { return c.Environment == EnvStaging }

// IsProduction reports whether the broker runs in the production environment.
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// StateTTL returns the state parameter lifetime.
func (c *Config) StateTTL() time.Duration { return time.Duration(c.StateTTLSec) * time.Second }

// ExchangeTimeout returns the outbound token endpoint timeout.
func (c *Config) ExchangeTimeout() time.Duration {
	return time.Duration(c.ExchangeTimeoutSec) * time.Second
}

// RedirectHosts returns the redirect host allow-list: the configured override
// when present, otherwise the environment default.
func (c *Config) RedirectHosts() []string {
	if len(c.RedirectHostList) > 0 {
		return c.RedirectHostList
	}
	switch c.Environment {
	case EnvProduction:
		return []string{"mwapsp.example"}
	case EnvStaging:
		return []string{"mwapss.example"}
	default:
		return []string{"localhost", "127.0.0.1"}
	}
}

// EncryptionKeyBytes decodes the configured encryption key and enforces the
// AES-256 key length.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption_key is not valid base64: %w", err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption_key must decode to %d bytes, got %d", EncryptionKeySize, len(key))
	}
	return key, nil
}
