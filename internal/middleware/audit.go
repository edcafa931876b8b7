package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"medex/internal/domain"
	"medex/pkg/logger"
)

// AuditRepository persists audit log rows.
type AuditRepository interface {
	Create(ctx context.Context, entry *domain.AuditLog) error
}

// AuditMiddleware records mutating requests in the audit log.
type AuditMiddleware struct {
	repo   AuditRepository
	logger logger.Logger
}

// NewAuditMiddleware creates a new AuditMiddleware.
func NewAuditMiddleware(repo AuditRepository, log logger.Logger) *AuditMiddleware {
	return &AuditMiddleware{repo: repo, logger: log}
}

// Audit records the request outcome after the handler finishes. Reads are
// skipped; domain events carry their own richer audit entries, this layer
// only covers the HTTP surface.
func (m *AuditMiddleware) Audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		wrapped, ok := w.(*responseWriter)
		if !ok {
			wrapped = &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		}

		next.ServeHTTP(wrapped, r)

		var actorID *uuid.UUID
		if id, ok := UserIDFromContext(r.Context()); ok {
			actorID = &id
		}
		ip := r.RemoteAddr
		ua := r.UserAgent()
		method := r.Method
		path := r.URL.Path
		status := wrapped.statusCode

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			entry := &domain.AuditLog{
				ID:         uuid.New(),
				ActorID:    actorID,
				Action:     method + " " + path,
				EntityType: "http_request",
				EntityID:   path,
				Detail: domain.Metadata{
					"status":     status,
					"ip":         ip,
					"user_agent": ua,
				},
				CreatedAt: time.Now(),
			}

			if err := m.repo.Create(ctx, entry); err != nil {
				m.logger.Error("Failed to create audit log", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	})
}
