package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"medex/internal/domain"
	"medex/internal/rules"
	"medex/pkg/errors"
)

// DeliveryRepository persists deliveries and their two party payment
// sub-records. Status writes pass through the rules guard.
type DeliveryRepository struct {
	db    *sqlx.DB
	guard *rules.Guard
}

func NewDeliveryRepository(db *sqlx.DB, guard *rules.Guard) *DeliveryRepository {
	return &DeliveryRepository{db: db, guard: guard}
}

func (r *DeliveryRepository) Create(ctx context.Context, d *domain.Delivery, payments []*domain.PartyPayment) error {
	return RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return r.CreateTx(ctx, tx, d, payments)
	})
}

// CreateTx inserts the delivery and its party payment records on the
// caller's transaction. One delivery per exchange, enforced by the unique
// index on exchange_id.
func (r *DeliveryRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, d *domain.Delivery, payments []*domain.PartyPayment) error {
	query := `
		INSERT INTO deliveries (
			id, exchange_id, from_party_id, to_party_id, courier_id, city,
			fee_per_party, courier_fee, currency, status, payment_status,
			created_at, updated_at
		) VALUES (
			:id, :exchange_id, :from_party_id, :to_party_id, :courier_id, :city,
			:fee_per_party, :courier_fee, :currency, :status, :payment_status,
			:created_at, :updated_at
		)
	`
	if _, err := tx.NamedExecContext(ctx, query, d); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errors.WithCode(errors.CodeAlreadyExists, err)
		}
		return errors.Wrap(err, "failed to create delivery")
	}
	for _, p := range payments {
		if err := r.insertPartyPaymentTx(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *DeliveryRepository) insertPartyPaymentTx(ctx context.Context, tx *sqlx.Tx, p *domain.PartyPayment) error {
	query := `
		INSERT INTO delivery_party_payments (
			id, delivery_id, party_id, amount, currency, status,
			ledger_entry_id, paid_at, created_at, updated_at
		) VALUES (
			:id, :delivery_id, :party_id, :amount, :currency, :status,
			:ledger_entry_id, :paid_at, :created_at, :updated_at
		)
	`
	_, err := tx.NamedExecContext(ctx, query, p)
	return errors.Wrap(err, "failed to create party payment")
}

func (r *DeliveryRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Delivery, error) {
	d := &domain.Delivery{}
	query := `SELECT * FROM deliveries WHERE id = $1`
	err := r.db.GetContext(ctx, d, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrDeliveryNotFound
		}
		return nil, errors.Wrap(err, "failed to find delivery")
	}
	return d, nil
}

func (r *DeliveryRepository) LockByIDTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Delivery, error) {
	d := &domain.Delivery{}
	query := `SELECT * FROM deliveries WHERE id = $1 FOR UPDATE`
	err := tx.GetContext(ctx, d, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrDeliveryNotFound
		}
		return nil, errors.Wrap(err, "failed to lock delivery")
	}
	return d, nil
}

// UpdateStatusTx applies a guarded status transition inside tx. The caller
// supplies the already-locked current row.
func (r *DeliveryRepository) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, current *domain.Delivery, next *domain.Delivery) error {
	if err := r.guard.CheckDeliveryWrite(current, next); err != nil {
		return err
	}
	query := `
		UPDATE deliveries SET
			courier_id = :courier_id,
			status = :status,
			payment_status = :payment_status,
			updated_at = NOW()
		WHERE id = :id
	`
	_, err := tx.NamedExecContext(ctx, query, next)
	return errors.Wrap(err, "failed to update delivery")
}

// SetPaymentStatusTx updates only the aggregate payment flag.
func (r *DeliveryRepository) SetPaymentStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.DeliveryPaymentStatus) error {
	query := `UPDATE deliveries SET payment_status = $1, updated_at = NOW() WHERE id = $2`
	_, err := tx.ExecContext(ctx, query, status, id)
	return errors.Wrap(err, "failed to set delivery payment status")
}

// FindAcceptable lists deliveries a courier in a city could take: payment
// complete, still unassigned, matching city.
func (r *DeliveryRepository) FindAcceptable(ctx context.Context, city string, limit, offset int) ([]*domain.Delivery, error) {
	var ds []*domain.Delivery
	query := `
		SELECT * FROM deliveries
		WHERE status = 'pending' AND payment_status = 'payment_complete' AND city = $1
		ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`
	err := r.db.SelectContext(ctx, &ds, query, city, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list acceptable deliveries")
	}
	return ds, nil
}

// --- Party payments ---

func (r *DeliveryRepository) FindPartyPayments(ctx context.Context, deliveryID uuid.UUID) ([]*domain.PartyPayment, error) {
	var ps []*domain.PartyPayment
	query := `SELECT * FROM delivery_party_payments WHERE delivery_id = $1 ORDER BY created_at ASC`
	err := r.db.SelectContext(ctx, &ps, query, deliveryID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list party payments")
	}
	return ps, nil
}

func (r *DeliveryRepository) LockPartyPaymentTx(ctx context.Context, tx *sqlx.Tx, deliveryID, partyID uuid.UUID) (*domain.PartyPayment, error) {
	p := &domain.PartyPayment{}
	query := `SELECT * FROM delivery_party_payments WHERE delivery_id = $1 AND party_id = $2 FOR UPDATE`
	err := tx.GetContext(ctx, p, query, deliveryID, partyID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrNotParticipant
		}
		return nil, errors.Wrap(err, "failed to lock party payment")
	}
	return p, nil
}

func (r *DeliveryRepository) LockPartyPaymentsTx(ctx context.Context, tx *sqlx.Tx, deliveryID uuid.UUID) ([]*domain.PartyPayment, error) {
	var ps []*domain.PartyPayment
	query := `SELECT * FROM delivery_party_payments WHERE delivery_id = $1 ORDER BY created_at ASC FOR UPDATE`
	err := tx.SelectContext(ctx, &ps, query, deliveryID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock party payments")
	}
	return ps, nil
}

func (r *DeliveryRepository) SetPartyPaymentStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.PartyPaymentStatus, ledgerEntryID *uuid.UUID) error {
	var paidAt *time.Time
	if status == domain.PartyPaymentPaid {
		now := time.Now()
		paidAt = &now
	}
	query := `
		UPDATE delivery_party_payments SET
			status = $1, ledger_entry_id = $2, paid_at = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err := tx.ExecContext(ctx, query, status, ledgerEntryID, paidAt, id)
	return errors.Wrap(err, "failed to update party payment")
}
