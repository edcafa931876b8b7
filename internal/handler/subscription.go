package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"medex/internal/middleware"
	"medex/internal/subscription"
	"medex/pkg/logger"
	"medex/pkg/validator"
)

// SubscriptionHandler exposes plans and subscription activation.
type SubscriptionHandler struct {
	service   *subscription.Service
	validator *validator.Validator
	logger    logger.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(svc *subscription.Service, val *validator.Validator, log logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		service:   svc,
		validator: val,
		logger:    log,
	}
}

// ListPlans returns the plan catalog.
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.ListPlans(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}

// GetPlan returns one plan.
func (h *SubscriptionHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.service.GetPlan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

// GetMySubscription returns the caller's current subscription.
func (h *SubscriptionHandler) GetMySubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

type createPaymentRequestBody struct {
	PlanID string `json:"plan_id" validate:"required"`
}

// CreatePaymentRequest opens an external payment request for a paid plan.
// Activation happens later, against the completed request.
func (h *SubscriptionHandler) CreatePaymentRequest(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequestBody
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	paymentReq, err := h.service.CreatePaymentRequest(r.Context(), userID, req.PlanID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, paymentReq)
}

type activateSubscriptionBody struct {
	PlanID  string               `json:"plan_id" validate:"required"`
	Funding subscription.Funding `json:"funding" validate:"required,oneof=wallet external"`
}

// Activate activates or renews the caller's plan.
func (h *SubscriptionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var body activateSubscriptionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := h.validator.Validate(&body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sub, err := h.service.Activate(r.Context(), &subscription.ActivateRequest{
		UserID:  userID,
		PlanID:  body.PlanID,
		Funding: body.Funding,
	})
	if err != nil {
		h.logger.Error("Subscription activation failed", map[string]interface{}{
			"error":   err.Error(),
			"user_id": userID,
			"plan_id": body.PlanID,
		})
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sub)
}
