package handler

import (
	"net/http"
	"time"

	"medex/internal/earnings"
	"medex/internal/metrics"
	"medex/internal/repository/postgres"
	"medex/pkg/logger"
)

// AdminHandler exposes operator endpoints. Routes using it sit behind the
// admin role middleware.
type AdminHandler struct {
	earnings *earnings.Service
	audit    *postgres.AuditRepository
	logger   logger.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(earn *earnings.Service, audit *postgres.AuditRepository, log logger.Logger) *AdminHandler {
	return &AdminHandler{
		earnings: earn,
		audit:    audit,
		logger:   log,
	}
}

// MatureEarnings triggers one maturation sweep outside the scheduler, e.g.
// after an incident hold.
func (h *AdminHandler) MatureEarnings(w http.ResponseWriter, r *http.Request) {
	matured, err := h.earnings.MatureEarnings(r.Context(), time.Now())
	if err != nil {
		h.logger.Error("Manual maturation sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
		respondServiceError(w, err)
		return
	}

	metrics.EarningsMaturedTotal.Add(float64(matured))
	respondJSON(w, http.StatusOK, map[string]interface{}{"matured": matured})
}

// GetAuditLogs pages through the audit trail.
func (h *AdminHandler) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)

	logs, err := h.audit.FindAll(r.Context(), limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	total, err := h.audit.CountAll(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":   logs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
