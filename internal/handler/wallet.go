package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"medex/internal/domain"
	"medex/internal/ledger"
	"medex/internal/middleware"
	"medex/internal/money"
	"medex/pkg/logger"
	"medex/pkg/validator"
)

// WalletHandler manages wallet and ledger endpoints.
type WalletHandler struct {
	ledger    *ledger.Service
	validator *validator.Validator
	logger    logger.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(svc *ledger.Service, val *validator.Validator, log logger.Logger) *WalletHandler {
	return &WalletHandler{
		ledger:    svc,
		validator: val,
		logger:    log,
	}
}

type createWalletRequest struct {
	Currency domain.Currency `json:"currency" validate:"required,currency_code"`
}

// CreateWallet opens the caller's wallet in the requested currency.
func (h *WalletHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	wallet, err := h.ledger.CreateWallet(r.Context(), userID, req.Currency)
	if err != nil {
		h.logger.Error("Failed to create wallet", map[string]interface{}{
			"error":   err.Error(),
			"user_id": userID,
		})
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, wallet)
}

// GetMyWallet returns the caller's wallet with a display-formatted balance.
func (h *WalletHandler) GetMyWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	wallet, err := h.ledger.GetWallet(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet":          wallet,
		"balance_display": money.FormatForDisplay(wallet.Balance, wallet.Currency),
	})
}

// ListMyEntries pages through the caller's ledger history.
func (h *WalletHandler) ListMyEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, offset := pagination(r, 20)
	entries, total, err := h.ledger.ListEntries(r.Context(), userID, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// GetEntry returns a single ledger entry. Only the owner or an admin may
// read it.
func (h *WalletHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entryID, err := uuid.Parse(vars["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid entry ID")
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	role, _ := middleware.RoleFromContext(r.Context())

	entry, err := h.ledger.GetEntry(r.Context(), entryID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if entry.UserID != userID && role != domain.RoleAdmin {
		respondError(w, http.StatusForbidden, "Not your ledger entry")
		return
	}

	respondJSON(w, http.StatusOK, entry)
}
