// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Pool      PoolConfig      `mapstructure:"pool"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Driver    DriverConfig    `mapstructure:"driver"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PoolConfig governs the window pool.
type PoolConfig struct {
	Size           int    `mapstructure:"size"`
	StartURL       string `mapstructure:"start_url"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	AcquireTimeout int    `mapstructure:"acquire_timeout_seconds"`
}

// RateLimitConfig governs per-window throttling.
type RateLimitConfig struct {
	WindowSeconds       int `mapstructure:"window_seconds"`
	MaxRequests         int `mapstructure:"max_requests"`
	PenaltySeconds      int `mapstructure:"penalty_seconds"`
	LoginRecheckSeconds int `mapstructure:"login_recheck_seconds"`
}

// DriverConfig configures the browser automation backend.
type DriverConfig struct {
	DebugURL          string  `mapstructure:"debug_url"`
	UserAgent         string  `mapstructure:"user_agent"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	NavRPS            float64 `mapstructure:"nav_rps"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pool.size", 2)
	v.SetDefault("pool.start_url", "https://www.kongfz.com/")
	v.SetDefault("pool.poll_interval_ms", 100)
	v.SetDefault("pool.acquire_timeout_seconds", 30)
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("ratelimit.max_requests", 10)
	v.SetDefault("ratelimit.penalty_seconds", 360)
	v.SetDefault("ratelimit.login_recheck_seconds", 30)
	v.SetDefault("driver.debug_url", "http://127.0.0.1:9222")
	v.SetDefault("driver.nav_timeout_seconds", 25)
	v.SetDefault("driver.nav_rps", 0.5)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("ratelimit.window_seconds must be > 0")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("ratelimit.max_requests must be > 0")
	}
	if c.RateLimit.PenaltySeconds <= 0 {
		return fmt.Errorf("ratelimit.penalty_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PollInterval converts the configured poll interval to a duration.
func (c PoolConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// AcquireBudget converts the configured acquisition timeout to a duration.
func (c PoolConfig) AcquireBudget() time.Duration {
	return time.Duration(c.AcquireTimeout) * time.Second
}

// WindowDuration converts the sliding-window length to a duration.
func (c RateLimitConfig) WindowDuration() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// PenaltyDuration converts the penalty cooldown to a duration.
func (c RateLimitConfig) PenaltyDuration() time.Duration {
	return time.Duration(c.PenaltySeconds) * time.Second
}

// LoginRecheckDuration converts the login recheck interval to a duration.
func (c RateLimitConfig) LoginRecheckDuration() time.Duration {
	return time.Duration(c.LoginRecheckSeconds) * time.Second
}

// NavTimeout converts the navigation timeout to a duration.
func (c DriverConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}
