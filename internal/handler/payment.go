package handler

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"medex/internal/metrics"
	"medex/internal/middleware"
	"medex/internal/payment"
	"medex/pkg/errors"
	"medex/pkg/logger"
	"medex/pkg/validator"
)

// signatureHeader carries the shared webhook secret set by the provider.
const signatureHeader = "verif-hash"

// PaymentHandler exposes top-up initiation and the provider webhook.
type PaymentHandler struct {
	service   *payment.Service
	validator *validator.Validator
	logger    logger.Logger
}

// NewPaymentHandler creates a PaymentHandler.
func NewPaymentHandler(svc *payment.Service, val *validator.Validator, log logger.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:   svc,
		validator: val,
		logger:    log,
	}
}

// InitiateTopUp records a pending top-up for the caller. The wallet is
// credited later by the webhook, never here.
func (h *PaymentHandler) InitiateTopUp(w http.ResponseWriter, r *http.Request) {
	var req payment.InitiateTopUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	req.UserID = userID

	if err := h.validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	topUp, err := h.service.InitiateTopUp(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to initiate top-up", map[string]interface{}{
			"error":   err.Error(),
			"user_id": userID,
		})
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, topUp)
}

// GetTopUp returns the caller's top-up request by transaction reference.
func (h *PaymentHandler) GetTopUp(w http.ResponseWriter, r *http.Request) {
	txRef := mux.Vars(r)["tx_ref"]

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	topUp, err := h.service.GetTopUp(r.Context(), txRef)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if topUp.UserID != userID {
		respondError(w, http.StatusNotFound, errors.ErrTopUpNotFound.Error())
		return
	}

	respondJSON(w, http.StatusOK, topUp)
}

// Webhook receives provider notifications. The contract with the provider:
// 401 on a bad signature, 400 on an unparseable body, otherwise always 200
// once the delivery is triaged. Internal failures are logged for manual
// reconciliation instead of being surfaced; a non-200 would only feed the
// provider's retry storm.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if err := h.service.VerifySignature(r.Header.Get(signatureHeader)); err != nil {
		metrics.NotificationsTotal.WithLabelValues("none", "rejected_signature").Inc()
		respondError(w, http.StatusUnauthorized, errors.ErrInvalidSignature.Error())
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.ErrMalformedPayload.Error())
		return
	}

	if err := h.service.ProcessNotification(r.Context(), payload); err != nil {
		if errors.Is(err, errors.ErrMalformedPayload) {
			metrics.NotificationsTotal.WithLabelValues("none", "malformed").Inc()
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Webhook processing failed, needs manual reconciliation", map[string]interface{}{
			"error": err.Error(),
		})
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
