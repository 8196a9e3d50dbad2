package gateway

import (
	"sync"
	"time"
)

// ProviderHealth is a point-in-time view of one provider cell.
type ProviderHealth struct {
	Provider      string    `json:"provider"`
	Healthy       bool      `json:"healthy"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastError     ErrorCode `json:"last_error,omitempty"`
	FailureCount  int64     `json:"failure_count"`
	SuccessCount  int64     `json:"success_count"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
}

type healthCell struct {
	mu            sync.Mutex
	cooldownUntil time.Time
	lastError     ErrorCode
	failureCount  int64
	successCount  int64
	lastSuccess   time.Time
	lastFailure   time.Time
}

// HealthStore tracks per-provider availability with lazily-expiring
// cooldowns. A provider is unhealthy only while its cooldown deadline lies
// in the future; no background sweeper runs.
type HealthStore struct {
	mu    sync.RWMutex
	cells map[string]*healthCell
	now   func() time.Time
}

func NewHealthStore() *HealthStore {
	return &HealthStore{
		cells: make(map[string]*healthCell),
		now:   time.Now,
	}
}

func (h *HealthStore) cell(provider string) *healthCell {
	h.mu.RLock()
	c, ok := h.cells[provider]
	h.mu.RUnlock()
	if ok {
		return c
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok = h.cells[provider]; ok {
		return c
	}
	c = &healthCell{}
	h.cells[provider] = c
	return c
}

// Healthy reports whether the provider is dispatchable. Providers with no
// recorded state are healthy.
func (h *HealthStore) Healthy(provider string) bool {
	h.mu.RLock()
	c, ok := h.cells[provider]
	h.mu.RUnlock()
	if !ok {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !h.now().Before(c.cooldownUntil) || c.cooldownUntil.IsZero()
}

// MarkSuccess clears any cooldown and records the success. One success
// restores the provider immediately.
func (h *HealthStore) MarkSuccess(provider string) {
	c := h.cell(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldownUntil = time.Time{}
	c.lastError = ""
	c.successCount++
	c.lastSuccess = h.now()
}

// MarkFailure applies the cooldown for the failure class. Cooldowns only
// ever extend: a 30s penalty never shortens a live 1h auth cooldown.
// Classes with no cooldown (caller-side errors) still count the failure.
func (h *HealthStore) MarkFailure(provider string, code ErrorCode) {
	c := h.cell(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	c.lastFailure = h.now()
	c.lastError = code
	if d := CooldownFor(code); d > 0 {
		until := h.now().Add(d)
		if until.After(c.cooldownUntil) {
			c.cooldownUntil = until
		}
	}
}

// Status returns the current view of one provider cell.
func (h *HealthStore) Status(provider string) ProviderHealth {
	h.mu.RLock()
	c, ok := h.cells[provider]
	h.mu.RUnlock()
	if !ok {
		return ProviderHealth{Provider: provider, Healthy: true}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := h.now()
	ph := ProviderHealth{
		Provider:     provider,
		Healthy:      c.cooldownUntil.IsZero() || !now.Before(c.cooldownUntil),
		LastError:    c.lastError,
		FailureCount: c.failureCount,
		SuccessCount: c.successCount,
		LastSuccess:  c.lastSuccess,
		LastFailure:  c.lastFailure,
	}
	if now.Before(c.cooldownUntil) {
		ph.CooldownUntil = c.cooldownUntil
	}
	return ph
}

// Prune drops cells for providers no longer present in the registry,
// called after a config reload. keep is the surviving provider key set.
func (h *HealthStore) Prune(keep map[string]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.cells {
		if _, ok := keep[key]; !ok {
			delete(h.cells, key)
		}
	}
}
