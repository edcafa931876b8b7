package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/internal/rules"
	"medex/pkg/errors"
)

// ExchangeRepository persists exchanges. Every update passes through the
// rules guard so direct writes cannot jump states or rewrite immutable
// fields.
type ExchangeRepository struct {
	db    *sqlx.DB
	guard *rules.Guard
}

func NewExchangeRepository(db *sqlx.DB, guard *rules.Guard) *ExchangeRepository {
	return &ExchangeRepository{db: db, guard: guard}
}

func (r *ExchangeRepository) Create(ctx context.Context, ex *domain.Exchange) error {
	query := `
		INSERT INTO exchanges (
			id, requester_id, responder_id, courier_id, status, city,
			country_code, items, created_at, updated_at
		) VALUES (
			:id, :requester_id, :responder_id, :courier_id, :status, :city,
			:country_code, :items, :created_at, :updated_at
		)
	`
	_, err := r.db.NamedExecContext(ctx, query, ex)
	return errors.Wrap(err, "failed to create exchange")
}

func (r *ExchangeRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Exchange, error) {
	ex := &domain.Exchange{}
	query := `SELECT * FROM exchanges WHERE id = $1`
	err := r.db.GetContext(ctx, ex, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrExchangeNotFound
		}
		return nil, errors.Wrap(err, "failed to find exchange")
	}
	return ex, nil
}

// Update runs UpdateTx in its own transaction.
func (r *ExchangeRepository) Update(ctx context.Context, ex *domain.Exchange) error {
	return RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return r.UpdateTx(ctx, tx, ex)
	})
}

// UpdateTx re-reads the stored row under lock and applies the storage-tier
// guard before writing. The UPDATE is additionally conditioned on the status
// the guard approved, so a write racing past the lock still cannot land on a
// row in a different state.
func (r *ExchangeRepository) UpdateTx(ctx context.Context, tx *sqlx.Tx, ex *domain.Exchange) error {
	current := &domain.Exchange{}
	if err := tx.GetContext(ctx, current, `SELECT * FROM exchanges WHERE id = $1 FOR UPDATE`, ex.ID); err != nil {
		if err == sql.ErrNoRows {
			return errors.ErrExchangeNotFound
		}
		return errors.Wrap(err, "failed to lock exchange")
	}

	if err := r.guard.CheckExchangeWrite(current, ex); err != nil {
		return err
	}

	query := `
		UPDATE exchanges SET
			responder_id = $1,
			courier_id = $2,
			status = $3,
			items = $4,
			updated_at = NOW()
		WHERE id = $5 AND status = $6
	`
	result, err := tx.ExecContext(ctx, query,
		ex.ResponderID, ex.CourierID, ex.Status, ex.Items, ex.ID, current.Status)
	if err != nil {
		return errors.Wrap(err, "failed to update exchange")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrInvalidTransition
	}
	return nil
}

// FindOpenByCity lists pending exchanges without a responder, which are the
// only ones visible city-wide.
func (r *ExchangeRepository) FindOpenByCity(ctx context.Context, city string, limit, offset int) ([]*domain.Exchange, error) {
	var exs []*domain.Exchange
	query := `
		SELECT * FROM exchanges
		WHERE status = 'pending' AND responder_id IS NULL AND city = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`
	err := r.db.SelectContext(ctx, &exs, query, city, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list open exchanges")
	}
	return exs, nil
}

func (r *ExchangeRepository) FindByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Exchange, error) {
	var exs []*domain.Exchange
	query := `
		SELECT * FROM exchanges
		WHERE requester_id = $1 OR responder_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`
	err := r.db.SelectContext(ctx, &exs, query, userID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list exchanges by participant")
	}
	return exs, nil
}
