package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/infergate/infergate/api"
	"github.com/infergate/infergate/gateway"
)

// ModelsHandler serves GET /v1/models: every canonical model with at
// least one enabled provider binding in the current snapshot.
type ModelsHandler struct {
	registry *gateway.Registry
	logger   *zap.Logger
}

// NewModelsHandler creates the model catalog handler.
func NewModelsHandler(registry *gateway.Registry, logger *zap.Logger) *ModelsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelsHandler{registry: registry, logger: logger}
}

// HandleList lists the servable canonical models.
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()
	list := api.ModelList{Object: "list", Data: []api.Model{}}
	for _, id := range snap.ServableModels() {
		entry := api.Model{ID: id, Object: "model", OwnedBy: "system"}
		if m, ok := snap.Model(id); ok && m.Family != "" {
			entry.OwnedBy = m.Family
		}
		list.Data = append(list.Data, entry)
	}
	WriteJSON(w, http.StatusOK, list)
}
