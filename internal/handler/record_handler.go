package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"dukapos-offline-core/internal/domain"
	"dukapos-offline-core/internal/records"
	"dukapos-offline-core/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type RecordHandler struct {
	store    *records.Store
	validate *validator.Validate
}

func NewRecordHandler(store *records.Store) *RecordHandler {
	return &RecordHandler{
		store:    store,
		validate: validator.New(),
	}
}

func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	op, err := h.store.Create(r.Context(), &req)
	if err != nil {
		var serr *domain.StorageError
		if errors.As(err, &serr) {
			response.InternalError(w, "Failed to persist record")
			return
		}
		response.BadRequest(w, err.Error())
		return
	}

	response.Created(w, op)
}

func (h *RecordHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	typeParam := r.URL.Query().Get("type")

	var types []domain.EntityType
	if typeParam != "" {
		entityType := domain.EntityType(typeParam)
		if !entityType.Valid() {
			response.BadRequest(w, "Unknown entity type")
			return
		}
		types = []domain.EntityType{entityType}
	} else {
		types = domain.EntityTypes
	}

	pending := []*domain.PendingOperation{}
	for _, entityType := range types {
		ops, err := h.store.ListPending(r.Context(), entityType)
		if err != nil {
			response.InternalError(w, "Failed to list pending records")
			return
		}
		pending = append(pending, ops...)
	}

	response.Success(w, pending)
}

func (h *RecordHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := h.store.ListFailed(r.Context())
	if err != nil {
		response.InternalError(w, "Failed to list failed records")
		return
	}
	if failed == nil {
		failed = []*domain.PendingOperation{}
	}

	response.Success(w, failed)
}

func (h *RecordHandler) Retry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entityType := domain.EntityType(vars["type"])
	opID := vars["id"]

	if !entityType.Valid() {
		response.BadRequest(w, "Unknown entity type")
		return
	}

	var req domain.RetryRecordRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	op, err := h.store.Retry(r.Context(), entityType, opID, req.Payload)
	if err != nil {
		var serr *domain.StorageError
		if errors.As(err, &serr) {
			response.InternalError(w, "Failed to update record")
			return
		}
		response.NotFound(w, err.Error())
		return
	}

	response.Success(w, op)
}

func (h *RecordHandler) Discard(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entityType := domain.EntityType(vars["type"])
	opID := vars["id"]

	if !entityType.Valid() {
		response.BadRequest(w, "Unknown entity type")
		return
	}

	if err := h.store.Discard(r.Context(), entityType, opID); err != nil {
		var serr *domain.StorageError
		if errors.As(err, &serr) {
			response.InternalError(w, "Failed to update record")
			return
		}
		response.NotFound(w, err.Error())
		return
	}

	response.Success(w, map[string]string{"discarded": opID})
}
