// Package metrics provides the Prometheus collector for the gateway's
// request, attempt, token, and health counters, exposed on /metrics.
// This package is internal and should not be imported by external projects.
package metrics
