// Package handlers implements the HTTP handlers of the gateway surface:
// chat completions (unary and SSE streaming), the model catalog, and the
// health and telemetry endpoints.
package handlers
