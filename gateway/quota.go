package gateway

import (
	"sync"
	"time"
)

const (
	quotaBuckets    = 6
	quotaBucketSpan = 10 * time.Second
)

// quotaWindow is a 60-second sliding window built from six 10-second
// buckets. Expired buckets are zeroed lazily on access, so an idle
// provider costs nothing.
type quotaWindow struct {
	mu       sync.Mutex
	requests [quotaBuckets]int64
	tokens   [quotaBuckets]int64
	stamps   [quotaBuckets]int64 // unix epoch in bucket units
}

func (w *quotaWindow) slot(now time.Time) (int, int64) {
	unit := now.Unix() / int64(quotaBucketSpan/time.Second)
	return int(unit % quotaBuckets), unit
}

// advance zeroes any bucket whose stamp is stale relative to now. Caller
// holds w.mu.
func (w *quotaWindow) advance(now time.Time) {
	_, unit := w.slot(now)
	for i := 0; i < quotaBuckets; i++ {
		if unit-w.stamps[i] >= quotaBuckets {
			w.requests[i] = 0
			w.tokens[i] = 0
			w.stamps[i] = 0
		}
	}
}

func (w *quotaWindow) totals(now time.Time) (reqs, toks int64) {
	w.advance(now)
	for i := 0; i < quotaBuckets; i++ {
		reqs += w.requests[i]
		toks += w.tokens[i]
	}
	return reqs, toks
}

func (w *quotaWindow) record(now time.Time, tokens int64) {
	w.advance(now)
	i, unit := w.slot(now)
	if w.stamps[i] != unit {
		w.requests[i] = 0
		w.tokens[i] = 0
		w.stamps[i] = unit
	}
	w.requests[i]++
	w.tokens[i] += tokens
}

// QuotaUsage is a point-in-time window reading for one provider.
type QuotaUsage struct {
	Provider        string `json:"provider"`
	RequestsPerMin  int64  `json:"requests_per_min"`
	TokensPerMin    int64  `json:"tokens_per_min"`
	RequestLimit    int    `json:"request_limit,omitempty"`
	TokenLimit      int    `json:"token_limit,omitempty"`
	RequestsBlocked bool   `json:"requests_blocked"`
}

// QuotaTracker enforces client-side RPM/TPM ceilings per provider so the
// gateway sheds load before the upstream answers 429. Limits of zero mean
// unlimited.
type QuotaTracker struct {
	mu      sync.RWMutex
	windows map[string]*quotaWindow
	now     func() time.Time
}

func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{
		windows: make(map[string]*quotaWindow),
		now:     time.Now,
	}
}

func (q *QuotaTracker) window(provider string) *quotaWindow {
	q.mu.RLock()
	w, ok := q.windows[provider]
	q.mu.RUnlock()
	if ok {
		return w
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok = q.windows[provider]; ok {
		return w
	}
	w = &quotaWindow{}
	q.windows[provider] = w
	return w
}

// Allow reports whether dispatching one more request of estimatedTokens to
// the provider stays inside its configured ceilings. Providers without a
// window recorded yet are always allowed.
func (q *QuotaTracker) Allow(prov *ProviderConfig, estimatedTokens int64) bool {
	if prov.RateLimitRPM <= 0 && prov.RateLimitTPM <= 0 {
		return true
	}
	w := q.window(prov.Key)
	w.mu.Lock()
	defer w.mu.Unlock()
	reqs, toks := w.totals(q.now())
	if prov.RateLimitRPM > 0 && reqs+1 > int64(prov.RateLimitRPM) {
		return false
	}
	if prov.RateLimitTPM > 0 && toks+estimatedTokens > int64(prov.RateLimitTPM) {
		return false
	}
	return true
}

// RecordUsage charges one request and its token total to the provider's
// current bucket. Called after a successful attempt with real usage when
// the upstream reported it, estimated otherwise.
func (q *QuotaTracker) RecordUsage(provider string, tokens int64) {
	w := q.window(provider)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record(q.now(), tokens)
}

// Usage returns the window reading for one provider against its limits.
func (q *QuotaTracker) Usage(prov *ProviderConfig) QuotaUsage {
	u := QuotaUsage{
		Provider:     prov.Key,
		RequestLimit: prov.RateLimitRPM,
		TokenLimit:   prov.RateLimitTPM,
	}
	q.mu.RLock()
	w, ok := q.windows[prov.Key]
	q.mu.RUnlock()
	if !ok {
		return u
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	reqs, toks := w.totals(q.now())
	u.RequestsPerMin = reqs
	u.TokensPerMin = toks
	u.RequestsBlocked = (prov.RateLimitRPM > 0 && reqs >= int64(prov.RateLimitRPM)) ||
		(prov.RateLimitTPM > 0 && toks >= int64(prov.RateLimitTPM))
	return u
}

// Pending returns the request count in the current window, used by the
// least-loaded routing strategy as its load signal.
func (q *QuotaTracker) Pending(provider string) int64 {
	q.mu.RLock()
	w, ok := q.windows[provider]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	reqs, _ := w.totals(q.now())
	return reqs
}

// Prune drops windows for providers removed by a config reload.
func (q *QuotaTracker) Prune(keep map[string]struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key := range q.windows {
		if _, ok := keep[key]; !ok {
			delete(q.windows, key)
		}
	}
}
