// Package gateway implements the routing, resilience, and streaming core
// of the inference gateway: the model registry and resolver, per-provider
// health and quota state, the smart router, the named resilience pipelines,
// and the dispatch engine that rotates through provider candidates for
// unary and streaming chat completions.
//
// Provider wire protocols live in the gateway/adapters subpackage; this
// package only knows the Adapter contract.
package gateway
