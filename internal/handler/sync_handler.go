package handler

import (
	"net/http"

	"dukapos-offline-core/internal/domain"
	"dukapos-offline-core/internal/engine"
	"dukapos-offline-core/internal/records"
	"dukapos-offline-core/pkg/response"
)

type SyncHandler struct {
	engine  *engine.Engine
	records *records.Store
}

func NewSyncHandler(e *engine.Engine, r *records.Store) *SyncHandler {
	return &SyncHandler{engine: e, records: r}
}

func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	h.engine.TriggerSync()
	response.Success(w, map[string]string{"state": h.engine.State()})
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	queues := make(map[domain.EntityType]int, len(domain.EntityTypes))
	for _, entityType := range domain.EntityTypes {
		n, err := h.records.QueueLength(r.Context(), entityType)
		if err != nil {
			response.InternalError(w, "Failed to read queue state")
			return
		}
		queues[entityType] = n
	}

	response.Success(w, map[string]interface{}{
		"state":  h.engine.State(),
		"queues": queues,
	})
}
