package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/pkg/errors"
)

type AuditRepository struct {
	db *sqlx.DB
}

func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, log *domain.AuditLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO audit_logs (id, actor_id, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :actor_id, :action, :entity_type, :entity_id, :detail, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, log)
	return errors.Wrap(err, "failed to create audit log")
}

// CreateTx writes an audit event inside an existing transaction so the
// event commits with the state change it records.
func (r *AuditRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, log *domain.AuditLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO audit_logs (id, actor_id, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :actor_id, :action, :entity_type, :entity_id, :detail, :created_at)
	`
	_, err := tx.NamedExecContext(ctx, query, log)
	return errors.Wrap(err, "failed to create audit log")
}

func (r *AuditRepository) FindAll(ctx context.Context, limit, offset int) ([]*domain.AuditLog, error) {
	var logs []*domain.AuditLog
	query := `SELECT * FROM audit_logs ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	err := r.db.SelectContext(ctx, &logs, query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit logs")
	}
	return logs, nil
}

func (r *AuditRepository) CountAll(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM audit_logs`)
	return count, errors.Wrap(err, "failed to count audit logs")
}
