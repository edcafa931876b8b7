package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"medex/internal/domain"
	"medex/internal/workflow"
	"medex/pkg/logger"
	"medex/pkg/validator"
)

// DeliveryHandler exposes the delivery workflow: acceptance, progress,
// party payments, and refunds.
type DeliveryHandler struct {
	service   *workflow.DeliveryService
	validator *validator.Validator
	logger    logger.Logger
}

// NewDeliveryHandler creates a DeliveryHandler.
func NewDeliveryHandler(svc *workflow.DeliveryService, val *validator.Validator, log logger.Logger) *DeliveryHandler {
	return &DeliveryHandler{
		service:   svc,
		validator: val,
		logger:    log,
	}
}

// GetDelivery returns one delivery visible to the caller.
func (h *DeliveryHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid delivery ID")
		return
	}

	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	d, err := h.service.GetDelivery(r.Context(), actor, deliveryID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, d)
}

// ListAcceptable lists paid, unassigned deliveries in the courier's city.
func (h *DeliveryHandler) ListAcceptable(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r, 20)
	ds, err := h.service.ListAcceptable(r.Context(), actor, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": ds,
		"limit":      limit,
		"offset":     offset,
	})
}

// GetPartyPayments returns both payment slots of a delivery.
func (h *DeliveryHandler) GetPartyPayments(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid delivery ID")
		return
	}

	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	payments, err := h.service.GetPartyPayments(r.Context(), actor, deliveryID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

// AcceptDelivery assigns the calling courier, subject to the payment gate
// and the city match.
func (h *DeliveryHandler) AcceptDelivery(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid delivery ID")
		return
	}

	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	d, err := h.service.AcceptDelivery(r.Context(), actor, deliveryID)
	if err != nil {
		h.logger.Error("Delivery acceptance failed", map[string]interface{}{
			"error":       err.Error(),
			"delivery_id": deliveryID,
			"courier_id":  actor.ID,
		})
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, d)
}

type updateDeliveryStatusRequest struct {
	Status domain.DeliveryStatus `json:"status" validate:"required"`
}

// UpdateStatus moves the delivery along its lifecycle. Reaching delivered
// books the courier earning with its release window.
func (h *DeliveryHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid delivery ID")
		return
	}

	var req updateDeliveryStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	d, err := h.service.UpdateStatus(r.Context(), actor, deliveryID, req.Status)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, d)
}

// PayFee settles the caller's share of the delivery fee from their wallet.
func (h *DeliveryHandler) PayFee(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid delivery ID")
		return
	}

	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	payment, err := h.service.PayFee(r.Context(), actor, deliveryID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, payment)
}

type refundDeliveryRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// Refund returns paid fee shares to the parties. Admin only; blocked once
// funds have been released to the courier.
func (h *DeliveryHandler) Refund(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid delivery ID")
		return
	}

	var req refundDeliveryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.Refund(r.Context(), actor, deliveryID, req.Reason); err != nil {
		h.logger.Error("Delivery refund failed", map[string]interface{}{
			"error":       err.Error(),
			"delivery_id": deliveryID,
		})
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}
