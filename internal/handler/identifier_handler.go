package handler

import (
	"encoding/json"
	"net/http"

	"dukapos-offline-core/internal/domain"
	"dukapos-offline-core/internal/idgen"
	"dukapos-offline-core/pkg/response"

	"github.com/go-playground/validator/v10"
)

type IdentifierHandler struct {
	generator *idgen.Generator
	validate  *validator.Validate
}

func NewIdentifierHandler(generator *idgen.Generator) *IdentifierHandler {
	return &IdentifierHandler{
		generator: generator,
		validate:  validator.New(),
	}
}

func (h *IdentifierHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req domain.GenerateIdentifierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	value, err := h.generator.Generate(r.Context(), req.Kind, req.Context)
	if err != nil {
		response.InternalError(w, "Failed to generate identifier")
		return
	}

	response.Created(w, domain.GeneratedIdentifier{Kind: req.Kind, Value: value})
}
