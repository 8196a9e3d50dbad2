package gateway

import (
	"context"
	"time"
)

// Attempt outcomes reported to the Observer.
const (
	OutcomeSuccess      = "success"
	OutcomeError        = "error"
	OutcomeSkipCooldown = "skip_cooldown"
	OutcomeSkipQuota    = "skip_quota"
)

// Observer receives dispatch telemetry. Implementations must be
// non-blocking; the dispatch loop calls them inline.
type Observer interface {
	// RequestStart opens a request-scoped span and returns the derived
	// context plus a finisher invoked with the terminal outcome.
	RequestStart(ctx context.Context, model string, stream bool) (context.Context, func(outcome string))

	// AttemptDone records one candidate attempt: outcome is a constant
	// above or an ErrorCode string, latency covers the provider call.
	AttemptDone(ctx context.Context, provider, model, outcome string, latency time.Duration)

	// TokensUsed records prompt/completion token consumption.
	TokensUsed(provider string, prompt, completion int)

	// HealthChanged records a provider health transition.
	HealthChanged(provider string, healthy bool)
}

// NopObserver satisfies Observer with no-ops, for tests and wiring that
// runs without telemetry.
type NopObserver struct{}

func (NopObserver) RequestStart(ctx context.Context, _ string, _ bool) (context.Context, func(string)) {
	return ctx, func(string) {}
}
func (NopObserver) AttemptDone(context.Context, string, string, string, time.Duration) {}
func (NopObserver) TokensUsed(string, int, int)                                        {}
func (NopObserver) HealthChanged(string, bool)                                         {}
