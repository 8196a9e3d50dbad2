// Sensible defaults for every operational setting. The catalog sections
// (providers, models, aliases) have no defaults; an empty catalog serves
// nothing until configured.
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Auth:      DefaultAuthConfig(),
		Routing:   DefaultRoutingConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultServerConfig returns the default listener settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute, // streams outlive normal writes
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    30 << 20,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultAuthConfig returns auth disabled; production configs must opt in.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{Enabled: false}
}

// DefaultRoutingConfig returns round-robin with a five minute ceiling.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		Strategy:       "round_robin",
		RequestTimeout: 5 * time.Minute,
		WarmupProbes:   true,
	}
}

// DefaultLogConfig returns JSON logs at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig returns telemetry disabled.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "infergate",
		SampleRate:   1.0,
	}
}

// DefaultMetricsConfig returns Prometheus enabled under the gateway
// namespace.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "infergate",
	}
}
