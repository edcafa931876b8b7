package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"medex/internal/domain"
	"medex/pkg/errors"
)

// IdempotencyRepository stores proof that a guarded effect has committed.
// Check and mark run on the caller's transaction so the proof and the
// effect are one atomic unit.
type IdempotencyRepository struct {
	db *sqlx.DB
}

func NewIdempotencyRepository(db *sqlx.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// ExistsTx reports whether (operation, key) was already committed.
func (r *IdempotencyRepository) ExistsTx(ctx context.Context, tx *sqlx.Tx, operation, key string) (bool, error) {
	var id uuid.UUID
	query := `SELECT id FROM idempotency_records WHERE operation = $1 AND idem_key = $2`
	err := tx.GetContext(ctx, &id, query, operation, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to check idempotency record")
	}
	return true, nil
}

// InsertTx writes the record. A unique-violation means a concurrent racer
// already committed the effect; that is reported as ErrDuplicateTxRef so
// callers can treat the retry as a no-op.
func (r *IdempotencyRepository) InsertTx(ctx context.Context, tx *sqlx.Tx, rec *domain.IdempotencyRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO idempotency_records (id, operation, idem_key, metadata, created_at)
		VALUES (:id, :operation, :idem_key, :metadata, :created_at)
	`
	_, err := tx.NamedExecContext(ctx, query, rec)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errors.ErrDuplicateTxRef
		}
		return errors.Wrap(err, "failed to insert idempotency record")
	}
	return nil
}
