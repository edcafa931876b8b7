package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"medex/internal/workflow"
	"medex/pkg/logger"
	"medex/pkg/validator"
)

// ExchangeHandler exposes the exchange workflow.
type ExchangeHandler struct {
	service   *workflow.ExchangeService
	validator *validator.Validator
	logger    logger.Logger
}

// NewExchangeHandler creates an ExchangeHandler.
func NewExchangeHandler(svc *workflow.ExchangeService, val *validator.Validator, log logger.Logger) *ExchangeHandler {
	return &ExchangeHandler{
		service:   svc,
		validator: val,
		logger:    log,
	}
}

// CreateExchange opens a draft exchange owned by the caller.
func (h *ExchangeHandler) CreateExchange(w http.ResponseWriter, r *http.Request) {
	var req workflow.CreateExchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ex, err := h.service.CreateExchange(r.Context(), actor, &req)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, ex)
}

// SubmitExchange publishes a draft to the caller's city.
func (h *ExchangeHandler) SubmitExchange(w http.ResponseWriter, r *http.Request) {
	exchangeID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid exchange ID")
		return
	}

	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	ex, err := h.service.SubmitExchange(r.Context(), actor, exchangeID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ex)
}

type respondExchangeRequest struct {
	Accept bool `json:"accept"`
}

// RespondToExchange accepts or rejects a pending exchange. Acceptance also
// creates the delivery with both party payment slots.
func (h *ExchangeHandler) RespondToExchange(w http.ResponseWriter, r *http.Request) {
	exchangeID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid exchange ID")
		return
	}

	var req respondExchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	ex, err := h.service.RespondToExchange(r.Context(), actor, exchangeID, req.Accept)
	if err != nil {
		h.logger.Error("Exchange response failed", map[string]interface{}{
			"error":       err.Error(),
			"exchange_id": exchangeID,
			"actor_id":    actor.ID,
		})
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ex)
}

// GetExchange returns one exchange, subject to the visibility rule.
func (h *ExchangeHandler) GetExchange(w http.ResponseWriter, r *http.Request) {
	exchangeID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid exchange ID")
		return
	}

	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	ex, err := h.service.GetExchange(r.Context(), actor, exchangeID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ex)
}

// ListOpenExchanges lists pending exchanges in the caller's city.
func (h *ExchangeHandler) ListOpenExchanges(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r, 20)
	exs, err := h.service.ListOpenExchanges(r.Context(), actor, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"exchanges": exs,
		"limit":     limit,
		"offset":    offset,
	})
}

// ListMyExchanges lists exchanges the caller participates in.
func (h *ExchangeHandler) ListMyExchanges(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r, 20)
	exs, err := h.service.ListMyExchanges(r.Context(), actor, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"exchanges": exs,
		"limit":     limit,
		"offset":    offset,
	})
}
