// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Transport     TransportConfig     `yaml:"transport"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Integrations  []IntegrationConfig `yaml:"integrations"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the HTTP server.
type ServerConfig struct {
	Port            int              `yaml:"port"`
	ReadTimeout     time.Duration    `yaml:"read_timeout"`
	WriteTimeout    time.Duration    `yaml:"write_timeout"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Auth            CallerAuthConfig `yaml:"auth"`
}

// CallerAuthConfig describes bearer token verification for the invocation API.
// The API is served only when the environment variable named by SecretEnv
// holds an HMAC key.
type CallerAuthConfig struct {
	SecretEnv   string `yaml:"secret_env"`
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	TenantClaim string `yaml:"tenant_claim"`
}

// StoreConfig describes invocation record persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	AddrEnv         string        `yaml:"addr_env"`
	DB              int           `yaml:"db"`
	KeyPrefix       string        `yaml:"key_prefix"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	LockPoll        time.Duration `yaml:"lock_poll"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SchedulerConfig describes how EVENTUAL operations are run.
type SchedulerConfig struct {
	Mode    string `yaml:"mode"`
	Workers int    `yaml:"workers"`
}

// TransportConfig describes outbound calls to integrations.
type TransportConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	// ExpiredStatuses lists response codes treated as an expired credential.
	ExpiredStatuses []int `yaml:"expired_statuses"`
}

// CircuitBreakerConfig describes circuit breaker settings per integration.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// CapabilityConfig describes where granted capabilities come from.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// IntegrationConfig describes one configured integration: an account at a
// remote service bound to a registered implementation.
type IntegrationConfig struct {
	ID             string     `yaml:"id"`
	TenantID       string     `yaml:"tenant_id"`
	Implementation string     `yaml:"implementation"`
	BaseURL        string     `yaml:"base_url"`
	Auth           AuthConfig `yaml:"auth"`
}

// AuthConfig describes how credential material for an integration is
// obtained. Secrets are never stored in the file; only the names of the
// environment variables that hold them.
type AuthConfig struct {
	Strategy string `yaml:"strategy"`

	// static
	TokenEnv string `yaml:"token_env"`

	// oauth2
	ClientID        string   `yaml:"client_id"`
	ClientSecretEnv string   `yaml:"client_secret_env"`
	TokenURL        string   `yaml:"token_url"`
	RefreshTokenEnv string   `yaml:"refresh_token_env"`
	Scopes          []string `yaml:"scopes"`

	// jwt
	SigningKeyEnv string        `yaml:"signing_key_env"`
	Issuer        string        `yaml:"issuer"`
	Subject       string        `yaml:"subject"`
	Audience      string        `yaml:"audience"`
	TTL           time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
	// LogFormat is json or console.
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	// SampleInvocations records every invocation execution span even when
	// the ratio sampler would drop it.
	SampleInvocations bool `yaml:"sample_invocations"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			Auth: CallerAuthConfig{
				SecretEnv:   "ADDONRT_AUTH_SECRET",
				TenantClaim: "tenant_id",
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "ADDONRT_DATABASE_URL",
			AddrEnv:         "ADDONRT_REDIS_ADDR",
			KeyPrefix:       "addonrt:",
			LockTTL:         5 * time.Minute,
			LockPoll:        50 * time.Millisecond,
			MaxConns:        25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Mode:    "sync",
			Workers: 8,
		},
		Transport: TransportConfig{
			Timeout:         30 * time.Second,
			ExpiredStatuses: []int{401},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    60 * time.Second,
			},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

var (
	storeDrivers   = map[string]bool{"memory": true, "postgres": true, "redis": true}
	schedulerModes = map[string]bool{"sync": true, "async": true}
	authStrategies = map[string]bool{"static": true, "oauth2": true, "jwt": true}
)

// Validate checks that all required fields are present and valid. Every
// problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.Auth.TenantClaim == "" {
		errs = append(errs, "server.auth.tenant_claim is required")
	}
	if !storeDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres, redis", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for the postgres driver")
	}
	if c.Store.Driver == "redis" {
		if c.Store.AddrEnv == "" {
			errs = append(errs, "store.addr_env is required for the redis driver")
		}
		if c.Store.LockTTL <= 0 {
			errs = append(errs, "store.lock_ttl must be positive for the redis driver")
		}
	}
	if !schedulerModes[c.Scheduler.Mode] {
		errs = append(errs, fmt.Sprintf("scheduler.mode %q is not one of sync, async", c.Scheduler.Mode))
	}
	if c.Scheduler.Mode == "async" && c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler.workers must be at least 1")
	}
	for _, code := range c.Transport.ExpiredStatuses {
		if code < 400 || code > 499 {
			errs = append(errs, fmt.Sprintf("transport.expired_statuses: %d is not a 4xx status", code))
		}
	}
	if f := c.Observability.LogFormat; f != "json" && f != "console" {
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not one of json, console", f))
	}
	if c.Capability.StaticPolicyFile == "" {
		errs = append(errs, "capability.static_policy_file is required")
	}

	seen := make(map[string]bool, len(c.Integrations))
	for i, in := range c.Integrations {
		prefix := fmt.Sprintf("integrations[%d]", i)
		if in.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else if seen[in.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, in.ID))
		}
		seen[in.ID] = true
		if in.TenantID == "" {
			errs = append(errs, prefix+".tenant_id is required")
		}
		if in.Implementation == "" {
			errs = append(errs, prefix+".implementation is required")
		}
		if in.BaseURL == "" {
			errs = append(errs, prefix+".base_url is required")
		}
		errs = append(errs, in.Auth.validate(prefix+".auth")...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (a AuthConfig) validate(prefix string) []string {
	if !authStrategies[a.Strategy] {
		return []string{fmt.Sprintf("%s.strategy %q is not one of static, oauth2, jwt", prefix, a.Strategy)}
	}
	var errs []string
	switch a.Strategy {
	case "static":
		if a.TokenEnv == "" {
			errs = append(errs, prefix+".token_env is required")
		}
	case "oauth2":
		if a.TokenURL == "" {
			errs = append(errs, prefix+".token_url is required")
		}
		if a.RefreshTokenEnv == "" {
			errs = append(errs, prefix+".refresh_token_env is required")
		}
	case "jwt":
		if a.SigningKeyEnv == "" {
			errs = append(errs, prefix+".signing_key_env is required")
		}
	}
	return errs
}

// Integration returns the integration with the given id.
func (c *Config) Integration(id string) (IntegrationConfig, bool) {
	for _, in := range c.Integrations {
		if in.ID == id {
			return in, true
		}
	}
	return IntegrationConfig{}, false
}

// applyEnvOverrides reads ADDONRT_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ADDONRT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ADDONRT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ADDONRT_SCHEDULER_MODE"); v != "" {
		cfg.Scheduler.Mode = v
	}
	if v := os.Getenv("ADDONRT_SCHEDULER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("ADDONRT_CAPABILITY_STATIC_POLICY_FILE"); v != "" {
		cfg.Capability.StaticPolicyFile = v
	}
	if v := os.Getenv("ADDONRT_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
