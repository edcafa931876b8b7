package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"medex/internal/earnings"
	"medex/internal/metrics"
	"medex/internal/middleware"
	"medex/internal/money"
	"medex/pkg/errors"
	"medex/pkg/logger"
	"medex/pkg/validator"
)

// EarningsHandler exposes the courier wallet, earnings, and payouts.
type EarningsHandler struct {
	service   *earnings.Service
	validator *validator.Validator
	logger    logger.Logger
}

// NewEarningsHandler creates an EarningsHandler.
func NewEarningsHandler(svc *earnings.Service, val *validator.Validator, log logger.Logger) *EarningsHandler {
	return &EarningsHandler{
		service:   svc,
		validator: val,
		logger:    log,
	}
}

// GetMyWallet returns the caller's courier wallet buckets.
func (h *EarningsHandler) GetMyWallet(w http.ResponseWriter, r *http.Request) {
	courierID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), courierID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet":            wallet,
		"available_display": money.FormatForDisplay(wallet.Available, wallet.Currency),
		"pending_display":   money.FormatForDisplay(wallet.Pending, wallet.Currency),
	})
}

// ListMyEarnings pages through the caller's earnings.
func (h *EarningsHandler) ListMyEarnings(w http.ResponseWriter, r *http.Request) {
	courierID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, offset := pagination(r, 20)
	list, err := h.service.ListEarnings(r.Context(), courierID, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"earnings": list,
		"limit":    limit,
		"offset":   offset,
	})
}

// RequestPayout withdraws from the caller's available bucket.
func (h *EarningsHandler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req earnings.PayoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	courierID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	req.CourierID = courierID

	if err := h.validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	payout, err := h.service.RequestPayout(r.Context(), &req)
	if err != nil {
		h.logger.Error("Payout request failed", map[string]interface{}{
			"error":      err.Error(),
			"courier_id": courierID,
		})
		metrics.PayoutsTotal.WithLabelValues("rejected").Inc()
		respondServiceError(w, err)
		return
	}

	metrics.PayoutsTotal.WithLabelValues(string(payout.Status)).Inc()
	respondJSON(w, http.StatusCreated, payout)
}

// GetPayout returns one of the caller's payouts.
func (h *EarningsHandler) GetPayout(w http.ResponseWriter, r *http.Request) {
	payoutID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid payout ID")
		return
	}

	courierID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	payout, err := h.service.GetPayout(r.Context(), payoutID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if payout.CourierID != courierID {
		respondError(w, http.StatusNotFound, errors.ErrPayoutNotFound.Error())
		return
	}

	respondJSON(w, http.StatusOK, payout)
}
