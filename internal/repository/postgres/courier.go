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

// CourierRepository persists couriers, their earnings wallets, earnings,
// and payouts.
type CourierRepository struct {
	db *sqlx.DB
}

func NewCourierRepository(db *sqlx.DB) *CourierRepository {
	return &CourierRepository{db: db}
}

// FindCourier resolves the courier profile by the courier's user ID, which
// is the identity couriers act under everywhere else.
func (r *CourierRepository) FindCourier(ctx context.Context, userID uuid.UUID) (*domain.Courier, error) {
	c := &domain.Courier{}
	query := `SELECT * FROM couriers WHERE user_id = $1`
	err := r.db.GetContext(ctx, c, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.WithCode(errors.CodeNotFound, err)
		}
		return nil, errors.Wrap(err, "failed to find courier")
	}
	return c, nil
}

// --- Earnings ---

func (r *CourierRepository) CreateEarningTx(ctx context.Context, tx *sqlx.Tx, e *domain.CourierEarning) error {
	query := `
		INSERT INTO courier_earnings (
			id, courier_id, delivery_id, amount, currency, status,
			earned_at, available_at, created_at, updated_at
		) VALUES (
			:id, :courier_id, :delivery_id, :amount, :currency, :status,
			:earned_at, :available_at, :created_at, :updated_at
		)
	`
	_, err := tx.NamedExecContext(ctx, query, e)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// one earning per delivery
			return errors.WithCode(errors.CodeAlreadyExists, err)
		}
		return errors.Wrap(err, "failed to create courier earning")
	}
	return nil
}

// CouriersWithRipeEarnings lists couriers that have pending earnings past
// the release window, bounded so one run never grows unbounded.
func (r *CourierRepository) CouriersWithRipeEarnings(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := `
		SELECT DISTINCT courier_id FROM courier_earnings
		WHERE status = 'pending' AND available_at <= $1
		LIMIT $2
	`
	err := r.db.SelectContext(ctx, &ids, query, asOf, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list couriers with ripe earnings")
	}
	return ids, nil
}

// LockRipeEarningsTx re-reads and locks one courier's ripe pending earnings.
// The status re-check inside the lock keeps overlapping maturation runs
// from crediting the same earning twice.
func (r *CourierRepository) LockRipeEarningsTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, asOf time.Time, limit int) ([]*domain.CourierEarning, error) {
	var earnings []*domain.CourierEarning
	query := `
		SELECT * FROM courier_earnings
		WHERE courier_id = $1 AND status = 'pending' AND available_at <= $2
		ORDER BY earned_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`
	err := tx.SelectContext(ctx, &earnings, query, courierID, asOf, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock ripe earnings")
	}
	return earnings, nil
}

func (r *CourierRepository) MarkEarningsAvailableTx(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE courier_earnings SET status = 'available', updated_at = NOW() WHERE id IN (?) AND status = 'pending'`, ids)
	if err != nil {
		return errors.Wrap(err, "failed to build earnings update")
	}
	query = tx.Rebind(query)
	_, err = tx.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "failed to mark earnings available")
}

func (r *CourierRepository) MarkEarningsPaidOutTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, upTo int64) error {
	// Consumes oldest available earnings first until the paid-out amount is
	// covered. Partial consumption leaves the remainder available.
	query := `
		UPDATE courier_earnings SET status = 'paid_out', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM (
				SELECT id, SUM(amount) OVER (ORDER BY earned_at ASC) AS running
				FROM courier_earnings
				WHERE courier_id = $1 AND status = 'available'
			) ranked
			WHERE running <= $2
		)
	`
	_, err := tx.ExecContext(ctx, query, courierID, upTo)
	return errors.Wrap(err, "failed to mark earnings paid out")
}

func (r *CourierRepository) FindEarningsByCourier(ctx context.Context, courierID uuid.UUID, limit, offset int) ([]*domain.CourierEarning, error) {
	var earnings []*domain.CourierEarning
	query := `SELECT * FROM courier_earnings WHERE courier_id = $1 ORDER BY earned_at DESC LIMIT $2 OFFSET $3`
	err := r.db.SelectContext(ctx, &earnings, query, courierID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list courier earnings")
	}
	return earnings, nil
}

// --- Courier wallet ---

func (r *CourierRepository) FindWallet(ctx context.Context, courierID uuid.UUID) (*domain.CourierWallet, error) {
	w := &domain.CourierWallet{}
	query := `SELECT * FROM courier_wallets WHERE courier_id = $1`
	err := r.db.GetContext(ctx, w, query, courierID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrCourierWalletGone
		}
		return nil, errors.Wrap(err, "failed to find courier wallet")
	}
	return w, nil
}

func (r *CourierRepository) LockWalletTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID) (*domain.CourierWallet, error) {
	w := &domain.CourierWallet{}
	query := `SELECT * FROM courier_wallets WHERE courier_id = $1 FOR UPDATE`
	err := tx.GetContext(ctx, w, query, courierID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrCourierWalletGone
		}
		return nil, errors.Wrap(err, "failed to lock courier wallet")
	}
	return w, nil
}

// EnsureWalletTx creates the courier wallet row on first earning.
func (r *CourierRepository) EnsureWalletTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, currency domain.Currency) error {
	query := `
		INSERT INTO courier_wallets (id, courier_id, balance, pending, available, currency, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, $3, NOW(), NOW())
		ON CONFLICT (courier_id) DO NOTHING
	`
	_, err := tx.ExecContext(ctx, query, uuid.New(), courierID, currency)
	return errors.Wrap(err, "failed to ensure courier wallet")
}

// AddPendingTx increases the pending bucket when an earning is created.
func (r *CourierRepository) AddPendingTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error {
	query := `
		UPDATE courier_wallets SET
			pending = pending + $1,
			balance = balance + $1,
			updated_at = NOW()
		WHERE courier_id = $2
	`
	_, err := tx.ExecContext(ctx, query, amount, courierID)
	return errors.Wrap(err, "failed to add pending earnings")
}

// MatureTx moves an amount from pending to available in one statement.
func (r *CourierRepository) MatureTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error {
	query := `
		UPDATE courier_wallets SET
			pending = pending - $1,
			available = available + $1,
			updated_at = NOW()
		WHERE courier_id = $2 AND pending >= $1
	`
	result, err := tx.ExecContext(ctx, query, amount, courierID)
	if err != nil {
		return errors.Wrap(err, "failed to mature earnings")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrCourierWalletGone
	}
	return nil
}

// DebitAvailableTx decreases available for a payout. The WHERE guard fails
// the statement rather than ever committing a negative bucket.
func (r *CourierRepository) DebitAvailableTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error {
	query := `
		UPDATE courier_wallets SET
			available = available - $1,
			balance = balance - $1,
			updated_at = NOW()
		WHERE courier_id = $2 AND available >= $1
	`
	result, err := tx.ExecContext(ctx, query, amount, courierID)
	if err != nil {
		return errors.Wrap(err, "failed to debit available balance")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrInsufficientBalance
	}
	return nil
}

// CreditAvailableTx restores available after a failed provider transfer.
func (r *CourierRepository) CreditAvailableTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error {
	query := `
		UPDATE courier_wallets SET
			available = available + $1,
			balance = balance + $1,
			updated_at = NOW()
		WHERE courier_id = $2
	`
	_, err := tx.ExecContext(ctx, query, amount, courierID)
	return errors.Wrap(err, "failed to credit available balance")
}

// --- Payouts ---

func (r *CourierRepository) CreatePayoutTx(ctx context.Context, tx *sqlx.Tx, p *domain.CourierPayout) error {
	query := `
		INSERT INTO courier_payouts (
			id, courier_id, amount, fee, net_amount, currency, destination,
			status, failure_reason, provider_ref, created_at, updated_at
		) VALUES (
			:id, :courier_id, :amount, :fee, :net_amount, :currency, :destination,
			:status, :failure_reason, :provider_ref, :created_at, :updated_at
		)
	`
	_, err := tx.NamedExecContext(ctx, query, p)
	return errors.Wrap(err, "failed to create payout")
}

// HasOpenPayoutTx reports whether a pending or processing payout exists,
// locking matching rows so two concurrent requests cannot both pass.
func (r *CourierRepository) HasOpenPayoutTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID) (bool, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM courier_payouts
		WHERE courier_id = $1 AND status IN ('pending', 'processing')
	`
	err := tx.GetContext(ctx, &count, query, courierID)
	if err != nil {
		return false, errors.Wrap(err, "failed to check open payouts")
	}
	return count > 0, nil
}

func (r *CourierRepository) UpdatePayoutStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.PayoutStatus, providerRef, reason string) error {
	query := `
		UPDATE courier_payouts SET
			status = $1, provider_ref = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err := tx.ExecContext(ctx, query, status, providerRef, reason, id)
	return errors.Wrap(err, "failed to update payout status")
}

func (r *CourierRepository) FindPayout(ctx context.Context, id uuid.UUID) (*domain.CourierPayout, error) {
	p := &domain.CourierPayout{}
	query := `SELECT * FROM courier_payouts WHERE id = $1`
	err := r.db.GetContext(ctx, p, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrPayoutNotFound
		}
		return nil, errors.Wrap(err, "failed to find payout")
	}
	return p, nil
}
