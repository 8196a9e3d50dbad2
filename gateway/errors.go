package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Gateway error codes, aligned with HTTP status, retryability, and the
// cooldown the dispatch loop applies to the failing provider.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "GW_INVALID_REQUEST"      // caller-side schema/parameter error
	ErrPayloadTooLarge    ErrorCode = "GW_PAYLOAD_TOO_LARGE"    // request body over the configured limit
	ErrUnauthorizedCaller ErrorCode = "GW_UNAUTHORIZED"         // missing/invalid caller key
	ErrModelUnavailable   ErrorCode = "GW_MODEL_UNAVAILABLE"    // resolver produced zero candidates
	ErrProviderRequest    ErrorCode = "GW_PROVIDER_REQUEST"     // upstream 400/404: would reproduce on any provider
	ErrProviderAuth       ErrorCode = "GW_PROVIDER_AUTH"        // upstream 401: credential issue
	ErrProviderRateLimit  ErrorCode = "GW_PROVIDER_RATELIMIT"   // upstream 429
	ErrProviderServer     ErrorCode = "GW_PROVIDER_SERVER"      // upstream 5xx, transport, or parse failure
	ErrTimeout            ErrorCode = "GW_TIMEOUT"              // per-attempt or request-wide deadline
	ErrCancelled          ErrorCode = "GW_CANCELLED"            // caller cancelled
	ErrAllProvidersFailed ErrorCode = "GW_ALL_PROVIDERS_FAILED" // terminal aggregate
	ErrConfigInvalid      ErrorCode = "GW_CONFIG_INVALID"       // registry load rejected the document
)

// Cooldowns applied by the dispatch loop per failure class.
const (
	AuthCooldown      = time.Hour        // credential rotation signal
	RateLimitCooldown = 60 * time.Second // upstream asked us to back off
	ServerCooldown    = 30 * time.Second // transient upstream trouble
)

type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// IsRetryable reports whether err is a transient failure the resilience
// pipeline may retry.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// CodeOf extracts the gateway error code, defaulting to ErrProviderServer
// for untyped errors (transport failures surface as plain errors from
// net/http).
func CodeOf(err error) ErrorCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return ErrProviderServer
}

// CooldownFor maps a failure class to the provider cooldown the health
// store should apply. Classes that do not penalise the provider
// (request-side errors, caller cancellation) return zero.
func CooldownFor(code ErrorCode) time.Duration {
	switch code {
	case ErrProviderAuth:
		return AuthCooldown
	case ErrProviderRateLimit:
		return RateLimitCooldown
	case ErrProviderServer, ErrTimeout:
		return ServerCooldown
	default:
		return 0
	}
}

// Attempt records one failed candidate inside an AllProvidersFailed
// aggregate. Upstream response bodies are never carried, only the class.
type Attempt struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
}

// AllProvidersFailedError is the terminal aggregate raised when the
// dispatch loop exhausts every candidate.
type AllProvidersFailedError struct {
	ModelID  string
	Attempts []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Code))
	}
	return fmt.Sprintf("all providers failed for %q: [%s]", e.ModelID, strings.Join(parts, ", "))
}

// Dominant collapses the aggregate to the highest-severity caller-visible
// class: auth if every attempt failed auth, rate-limited if every attempt
// was rate-limited, otherwise server-error.
func (e *AllProvidersFailedError) Dominant() ErrorCode {
	if len(e.Attempts) == 0 {
		return ErrModelUnavailable
	}
	allAuth, allRate := true, true
	for _, a := range e.Attempts {
		if a.Code != ErrProviderAuth {
			allAuth = false
		}
		if a.Code != ErrProviderRateLimit {
			allRate = false
		}
	}
	switch {
	case allAuth:
		return ErrProviderAuth
	case allRate:
		return ErrProviderRateLimit
	default:
		return ErrProviderServer
	}
}

// HTTPStatus returns the status code surfaced to the caller: 502 with the
// aggregated classes in the body, per the gateway contract.
func (e *AllProvidersFailedError) HTTPStatus() int { return http.StatusBadGateway }
