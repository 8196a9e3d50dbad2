package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/infergate/infergate/gateway"
)

// Config is the complete gateway configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Auth      AuthConfig      `yaml:"auth" env:"AUTH"`
	Routing   RoutingConfig   `yaml:"routing" env:"ROUTING"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`

	// Catalog: providers, canonical models, and aliases. These have no
	// env overrides; they reload from file.
	Providers map[string]*gateway.ProviderConfig `yaml:"providers"`
	Models    []gateway.CanonicalModel           `yaml:"models"`
	Aliases   map[string][]string                `yaml:"aliases"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// MaxBodyBytes caps the request body; oversized requests get 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// RateLimitRPS / RateLimitBurst apply per caller IP.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORSOrigins is the cross-origin allowlist; empty denies all.
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// AuthConfig holds caller authentication settings. MasterKeys are static
// bearer keys; JWTSecret enables per-tenant JWT auth when non-empty.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled" env:"ENABLED"`
	MasterKeys []string `yaml:"master_keys" env:"MASTER_KEYS"`
	JWTSecret  string   `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// RoutingConfig tunes the dispatch engine.
type RoutingConfig struct {
	// Strategy: round_robin, least_loaded, or priority.
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// RequestTimeout bounds an entire dispatch including failover.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// WarmupProbes fires a concurrent reachability probe per enabled
	// provider at startup.
	WarmupProbes bool `yaml:"warmup_probes" env:"WARMUP_PROBES"`
}

// LogConfig mirrors zap's production setup knobs.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig controls OTel export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Validate checks the operational settings. Catalog validation happens in
// the registry load so reload failures report the same errors.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "max_body_bytes must be positive")
	}
	if c.Auth.Enabled && len(c.Auth.MasterKeys) == 0 && c.Auth.JWTSecret == "" {
		errs = append(errs, "auth enabled but no master keys or jwt secret configured")
	}
	switch c.Routing.Strategy {
	case "", string(gateway.StrategyRoundRobin), string(gateway.StrategyLeastLoaded), string(gateway.StrategyPriority):
	default:
		errs = append(errs, fmt.Sprintf("unknown routing strategy %q", c.Routing.Strategy))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RegistryConfig converts the catalog section into the registry's load
// document. knownTypes comes from the wired adapter set.
func (c *Config) RegistryConfig(knownTypes []string) gateway.RegistryConfig {
	return gateway.RegistryConfig{
		Providers:  c.Providers,
		Models:     c.Models,
		Aliases:    c.Aliases,
		KnownTypes: knownTypes,
	}
}
