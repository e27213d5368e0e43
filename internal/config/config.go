// Package config loads and validates service configuration from an
// optional YAML file and environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config stores all configuration of the service.
// The values are read by viper from a config file or environment
// variables; no package-level state is kept.
type Config struct {
	NATS      NATSConfig      `mapstructure:"nats"`
	OpenText  OpenTextConfig  `mapstructure:"opentext"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Service   ServiceConfig   `mapstructure:"service"`
}

// NATSConfig stores message bus connection settings.
type NATSConfig struct {
	Servers              string `mapstructure:"servers"` // comma-separated URLs
	User                 string `mapstructure:"user"`
	Password             string `mapstructure:"password"`
	Token                string `mapstructure:"token"`
	ReconnectTimeWait    int    `mapstructure:"reconnect_time_wait"` // seconds
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
	PingInterval         int    `mapstructure:"ping_interval"` // seconds
	MaxOutstandingPings  int    `mapstructure:"max_outstanding_pings"`
}

// ServerList splits the comma-separated server string.
func (c NATSConfig) ServerList() []string {
	parts := strings.Split(c.Servers, ",")
	servers := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

// OpenTextConfig stores upstream API settings.
type OpenTextConfig struct {
	APIBaseURL string `mapstructure:"api_base_url"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Timeout    int    `mapstructure:"api_timeout"` // seconds
	MaxRetries int    `mapstructure:"max_retries"`
	RetryDelay int    `mapstructure:"retry_delay"` // seconds
}

// RateLimitConfig stores token bucket settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstCapacity     int     `mapstructure:"burst_capacity"` // 0 derives floor(rps)
	Adaptive          bool    `mapstructure:"adaptive"`
	MinRPS            float64 `mapstructure:"min_rps"`
	MaxRPS            float64 `mapstructure:"max_rps"`
	AdaptationFactor  float64 `mapstructure:"adaptation_factor"`
}

// CacheConfig stores TTL cache settings.
type CacheConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	DefaultTTL      int  `mapstructure:"default_ttl"`      // seconds
	CleanupInterval int  `mapstructure:"cleanup_interval"` // seconds
	MaxSize         int  `mapstructure:"max_size"`
}

// ServiceConfig stores service-level settings.
type ServiceConfig struct {
	Name                  string `mapstructure:"name"`
	Version               string `mapstructure:"version"`
	Environment           string `mapstructure:"environment"`
	LogLevel              string `mapstructure:"log_level"`
	BatchSize             int    `mapstructure:"batch_size"`
	MaxConcurrentRequests int    `mapstructure:"max_concurrent_requests"`
}

// IsProduction reports whether the service runs in production.
func (c ServiceConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// IsDevelopment reports whether the service runs in development.
func (c ServiceConfig) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Load reads configuration from an optional YAML file and the
// environment (e.g. NATS_SERVERS overrides nats.servers), validates
// it, and returns the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// NATS defaults
	v.SetDefault("nats.servers", "nats://localhost:4222")
	v.SetDefault("nats.user", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.reconnect_time_wait", 2)
	v.SetDefault("nats.max_reconnect_attempts", 60)
	v.SetDefault("nats.ping_interval", 120)
	v.SetDefault("nats.max_outstanding_pings", 2)

	// OpenText API defaults
	v.SetDefault("opentext.api_base_url", "")
	v.SetDefault("opentext.api_key", "")
	v.SetDefault("opentext.api_secret", "")
	v.SetDefault("opentext.api_timeout", 30)
	v.SetDefault("opentext.max_retries", 3)
	v.SetDefault("opentext.retry_delay", 1)

	// Rate limit defaults
	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst_capacity", 0)
	v.SetDefault("rate_limit.adaptive", true)
	v.SetDefault("rate_limit.min_rps", 1.0)
	v.SetDefault("rate_limit.max_rps", 100.0)
	v.SetDefault("rate_limit.adaptation_factor", 0.1)

	// Cache defaults
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.default_ttl", 300)
	v.SetDefault("cache.cleanup_interval", 300)
	v.SetDefault("cache.max_size", 10000)

	// Service defaults
	v.SetDefault("service.name", "opentext-service")
	v.SetDefault("service.version", "1.0.0")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.batch_size", 100)
	v.SetDefault("service.max_concurrent_requests", 10)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	servers := c.NATS.ServerList()
	if len(servers) == 0 {
		return fmt.Errorf("config: at least one NATS server is required")
	}
	for _, server := range servers {
		parsed, err := url.Parse(server)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "nats" && parsed.Scheme != "tls") {
			return fmt.Errorf("config: invalid NATS server URL: %s", server)
		}
	}

	if c.OpenText.APIBaseURL == "" {
		return fmt.Errorf("config: opentext.api_base_url is required")
	}
	parsed, err := url.Parse(c.OpenText.APIBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: invalid OpenText API URL: %s", c.OpenText.APIBaseURL)
	}
	if c.OpenText.APIKey == "" {
		return fmt.Errorf("config: opentext.api_key is required")
	}
	if c.OpenText.APISecret == "" {
		return fmt.Errorf("config: opentext.api_secret is required")
	}
	if c.OpenText.MaxRetries < 0 {
		return fmt.Errorf("config: opentext.max_retries must not be negative")
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("config: rate_limit.requests_per_second must be positive")
	}
	if c.RateLimit.BurstCapacity < 0 {
		return fmt.Errorf("config: rate_limit.burst_capacity must not be negative")
	}
	if c.RateLimit.Adaptive {
		if c.RateLimit.MinRPS <= 0 {
			return fmt.Errorf("config: rate_limit.min_rps must be positive")
		}
		if c.RateLimit.MinRPS > c.RateLimit.MaxRPS {
			return fmt.Errorf("config: rate_limit.min_rps must not exceed rate_limit.max_rps")
		}
		if c.RateLimit.AdaptationFactor <= 0 || c.RateLimit.AdaptationFactor >= 0.5 {
			return fmt.Errorf("config: rate_limit.adaptation_factor must be in (0, 0.5)")
		}
	}

	if c.Cache.DefaultTTL < 0 || c.Cache.CleanupInterval < 0 {
		return fmt.Errorf("config: cache TTL and cleanup interval must not be negative")
	}

	if c.Service.BatchSize <= 0 {
		return fmt.Errorf("config: service.batch_size must be positive")
	}
	if c.Service.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("config: service.max_concurrent_requests must be positive")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Service.LogLevel)); err != nil {
		return fmt.Errorf("config: invalid log level %q: %w", c.Service.LogLevel, err)
	}

	return nil
}
