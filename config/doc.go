// Package config provides the gateway's configuration management:
// loading from YAML with environment variable overrides, defaults,
// validation, and file-watch driven hot reload of the provider catalog.
package config
