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

type TopUpRepository struct {
	db *sqlx.DB
}

func NewTopUpRepository(db *sqlx.DB) *TopUpRepository {
	return &TopUpRepository{db: db}
}

func (r *TopUpRepository) Create(ctx context.Context, req *domain.TopUpRequest) error {
	query := `
		INSERT INTO topup_requests (
			id, user_id, tx_ref, amount, currency, payment_method, phone,
			status, failure_reason, expires_at, created_at, updated_at
		) VALUES (
			:id, :user_id, :tx_ref, :amount, :currency, :payment_method, :phone,
			:status, :failure_reason, :expires_at, :created_at, :updated_at
		)
	`
	_, err := r.db.NamedExecContext(ctx, query, req)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errors.ErrDuplicateTxRef
		}
		return errors.Wrap(err, "failed to create top-up request")
	}
	return nil
}

func (r *TopUpRepository) FindByTxRef(ctx context.Context, txRef string) (*domain.TopUpRequest, error) {
	req := &domain.TopUpRequest{}
	query := `SELECT * FROM topup_requests WHERE tx_ref = $1`
	err := r.db.GetContext(ctx, req, query, txRef)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrTopUpNotFound
		}
		return nil, errors.Wrap(err, "failed to find top-up request")
	}
	return req, nil
}

// LockByTxRefTx re-reads the request with a row lock before resolving it.
func (r *TopUpRepository) LockByTxRefTx(ctx context.Context, tx *sqlx.Tx, txRef string) (*domain.TopUpRequest, error) {
	req := &domain.TopUpRequest{}
	query := `SELECT * FROM topup_requests WHERE tx_ref = $1 FOR UPDATE`
	err := tx.GetContext(ctx, req, query, txRef)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrTopUpNotFound
		}
		return nil, errors.Wrap(err, "failed to lock top-up request")
	}
	return req, nil
}

func (r *TopUpRepository) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.TopUpStatus, reason string) error {
	query := `UPDATE topup_requests SET status = $1, failure_reason = $2, updated_at = $3 WHERE id = $4`
	_, err := tx.ExecContext(ctx, query, status, reason, time.Now(), id)
	return errors.Wrap(err, "failed to update top-up status")
}
