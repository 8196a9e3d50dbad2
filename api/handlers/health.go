package handlers

import (
	"net/http"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/infergate/infergate/gateway"
)

// HealthHandler serves the operational surface: liveness, readiness,
// version, and the per-provider health and quota report.
type HealthHandler struct {
	registry *gateway.Registry
	health   *gateway.HealthStore
	quota    *gateway.QuotaTracker
	started  time.Time
	logger   *zap.Logger
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(registry *gateway.Registry, health *gateway.HealthStore, quota *gateway.QuotaTracker, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		registry: registry,
		health:   health,
		quota:    quota,
		started:  time.Now(),
		logger:   logger,
	}
}

// HandleLiveness answers 200 while the process runs.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadiness answers 200 once the catalog can serve at least one
// model, 503 otherwise.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	servable := h.registry.Snapshot().ServableModels()
	if len(servable) == 0 {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"reason": "no servable models configured",
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"models": len(servable),
	})
}

// HandleVersion reports the build version and uptime.
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":    version,
		"uptime_sec": int64(time.Since(h.started).Seconds()),
	})
}

// providerReport is one row of the provider telemetry surface.
type providerReport struct {
	Health gateway.ProviderHealth `json:"health"`
	Quota  gateway.QuotaUsage     `json:"quota"`
	Tier   int                    `json:"tier"`
	Type   string                 `json:"type"`
}

// HandleProviders reports health and quota windows for every configured
// provider in the current snapshot.
func (h *HealthHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()
	report := make(map[string]providerReport)
	for _, key := range snap.ProviderKeys() {
		prov, ok := snap.Provider(key)
		if !ok {
			continue
		}
		report[key] = providerReport{
			Health: h.health.Status(key),
			Quota:  h.quota.Usage(prov),
			Tier:   prov.Tier,
			Type:   prov.Type,
		}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"providers": report,
		"timestamp": time.Now(),
	})
}
