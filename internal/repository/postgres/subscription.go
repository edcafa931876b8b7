package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/pkg/errors"
)

type SubscriptionRepository struct {
	db *sqlx.DB
}

func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) FindPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	plan := &domain.Plan{}
	query := `SELECT * FROM plans WHERE id = $1`
	err := r.db.GetContext(ctx, plan, query, planID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrPlanNotFound
		}
		return nil, errors.Wrap(err, "failed to find plan")
	}
	return plan, nil
}

func (r *SubscriptionRepository) ListPlans(ctx context.Context) ([]*domain.Plan, error) {
	var plans []*domain.Plan
	query := `SELECT * FROM plans ORDER BY price ASC`
	if err := r.db.SelectContext(ctx, &plans, query); err != nil {
		return nil, errors.Wrap(err, "failed to list plans")
	}
	return plans, nil
}

func (r *SubscriptionRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	sub := &domain.Subscription{}
	query := `SELECT * FROM subscriptions WHERE user_id = $1`
	err := r.db.GetContext(ctx, sub, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.WithCode(errors.CodeNotFound, err)
		}
		return nil, errors.Wrap(err, "failed to find subscription")
	}
	return sub, nil
}

// UpsertTx writes or overwrites the user's single subscription record with
// the freshly computed expiry.
func (r *SubscriptionRepository) UpsertTx(ctx context.Context, tx *sqlx.Tx, sub *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (id, user_id, plan_id, status, expires_at, created_at, updated_at)
		VALUES (:id, :user_id, :plan_id, :status, :expires_at, :created_at, :updated_at)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := tx.NamedExecContext(ctx, query, sub)
	return errors.Wrap(err, "failed to upsert subscription")
}

// --- Subscription payment requests (externally funded plans) ---

func (r *SubscriptionRepository) CreateRequest(ctx context.Context, req *domain.SubscriptionRequest) error {
	query := `
		INSERT INTO subscription_requests (id, user_id, plan_id, tx_ref, amount, currency, status, created_at, updated_at)
		VALUES (:id, :user_id, :plan_id, :tx_ref, :amount, :currency, :status, :created_at, :updated_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, req)
	return errors.Wrap(err, "failed to create subscription request")
}

func (r *SubscriptionRepository) FindRequestByTxRef(ctx context.Context, txRef string) (*domain.SubscriptionRequest, error) {
	req := &domain.SubscriptionRequest{}
	query := `SELECT * FROM subscription_requests WHERE tx_ref = $1`
	err := r.db.GetContext(ctx, req, query, txRef)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrPaymentRequestMissing
		}
		return nil, errors.Wrap(err, "failed to find subscription request")
	}
	return req, nil
}

// FindCompletedRequest returns the latest completed payment request for a
// user/plan pair, required before an externally funded activation.
func (r *SubscriptionRepository) FindCompletedRequest(ctx context.Context, userID uuid.UUID, planID string) (*domain.SubscriptionRequest, error) {
	req := &domain.SubscriptionRequest{}
	query := `
		SELECT * FROM subscription_requests
		WHERE user_id = $1 AND plan_id = $2 AND status = 'completed'
		ORDER BY updated_at DESC LIMIT 1
	`
	err := r.db.GetContext(ctx, req, query, userID, planID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrPaymentRequestMissing
		}
		return nil, errors.Wrap(err, "failed to find completed subscription request")
	}
	return req, nil
}

func (r *SubscriptionRepository) UpdateRequestStatusTx(ctx context.Context, tx *sqlx.Tx, txRef string, status domain.TopUpStatus) error {
	query := `UPDATE subscription_requests SET status = $1, updated_at = NOW() WHERE tx_ref = $2`
	_, err := tx.ExecContext(ctx, query, status, txRef)
	return errors.Wrap(err, "failed to update subscription request")
}

// ConsumeRequestTx flips a completed request to consumed. The status
// condition makes the flip first-writer-wins, so one payment funds exactly
// one activation even under concurrent attempts.
func (r *SubscriptionRepository) ConsumeRequestTx(ctx context.Context, tx *sqlx.Tx, txRef string) error {
	query := `UPDATE subscription_requests SET status = $1, updated_at = NOW() WHERE tx_ref = $2 AND status = $3`
	result, err := tx.ExecContext(ctx, query, domain.TopUpStatusConsumed, txRef, domain.TopUpStatusCompleted)
	if err != nil {
		return errors.Wrap(err, "failed to consume subscription request")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrPaymentRequestMissing
	}
	return nil
}
