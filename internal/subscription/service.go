// Package subscription activates and renews subscription plans, funded from
// the wallet or by an external provider payment.
package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/internal/idempotency"
	"medex/internal/ledger"
	"medex/pkg/errors"
	"medex/pkg/logger"
)

const opActivate = "subscription.activate"

// Funding names where the activation money comes from.
type Funding string

const (
	FundingWallet   Funding = "wallet"
	FundingExternal Funding = "external"
)

// Repository persists plans, subscriptions, and payment requests.
type Repository interface {
	FindPlan(ctx context.Context, planID string) (*domain.Plan, error)
	ListPlans(ctx context.Context) ([]*domain.Plan, error)
	FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
	UpsertTx(ctx context.Context, tx *sqlx.Tx, sub *domain.Subscription) error

	CreateRequest(ctx context.Context, req *domain.SubscriptionRequest) error
	FindCompletedRequest(ctx context.Context, userID uuid.UUID, planID string) (*domain.SubscriptionRequest, error)
	ConsumeRequestTx(ctx context.Context, tx *sqlx.Tx, txRef string) error
}

// LedgerService debits the wallet for wallet-funded activations.
type LedgerService interface {
	DebitTx(ctx context.Context, tx *sqlx.Tx, params ledger.MutationParams) (*domain.LedgerEntry, error)
}

// IdempotencyGuard is the transactional duplicate-effect guard.
type IdempotencyGuard interface {
	Check(ctx context.Context, tx *sqlx.Tx, operation, key string) (bool, error)
	Mark(ctx context.Context, tx *sqlx.Tx, operation, key string, metadata domain.Metadata) error
}

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

type Service struct {
	tx     TxRunner
	repo   Repository
	ledger LedgerService
	guard  IdempotencyGuard
	logger logger.Logger
}

func NewService(tx TxRunner, repo Repository, ledgerSvc LedgerService, guard IdempotencyGuard, log logger.Logger) *Service {
	return &Service{
		tx:     tx,
		repo:   repo,
		ledger: ledgerSvc,
		guard:  guard,
		logger: log,
	}
}

func (s *Service) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	return s.repo.FindPlan(ctx, planID)
}

func (s *Service) ListPlans(ctx context.Context) ([]*domain.Plan, error) {
	return s.repo.ListPlans(ctx)
}

func (s *Service) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return s.repo.FindByUserID(ctx, userID)
}

// CreatePaymentRequest opens an externally funded activation: the caller
// pays the provider against the returned tx_ref, the webhook completes the
// request, and Activate consumes it.
func (s *Service) CreatePaymentRequest(ctx context.Context, userID uuid.UUID, planID string) (*domain.SubscriptionRequest, error) {
	plan, err := s.repo.FindPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Price == 0 {
		return nil, errors.WithCode(errors.CodeFailedPrecondition,
			errors.Wrap(errors.ErrPlanMismatch, "free plans need no payment"))
	}

	now := time.Now()
	req := &domain.SubscriptionRequest{
		ID:        uuid.New(),
		UserID:    userID,
		PlanID:    planID,
		TxRef:     "medex-sub-" + uuid.NewString(),
		Amount:    plan.Price,
		Currency:  plan.Currency,
		Status:    domain.TopUpStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

type ActivateRequest struct {
	UserID  uuid.UUID `json:"user_id" validate:"required"`
	PlanID  string    `json:"plan_id" validate:"required"`
	Funding Funding   `json:"funding" validate:"required,oneof=wallet external"`
}

// Activate activates or renews the user's plan. One payment activates at
// most once: the guard key is (user, plan, calendar day), so a retried call
// the same day is a no-op, while a deliberate renewal the next day goes
// through.
func (s *Service) Activate(ctx context.Context, req *ActivateRequest) (*domain.Subscription, error) {
	plan, err := s.repo.FindPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sub := s.buildSubscription(ctx, req.UserID, plan, now)

	if plan.Price == 0 {
		// Free tier activates without payment or idempotency bookkeeping.
		err := s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
			return s.repo.UpsertTx(ctx, tx, sub)
		})
		if err != nil {
			return nil, err
		}
		return sub, nil
	}

	idemKey := idempotency.Key(req.UserID.String(), plan.ID, idempotency.PeriodKey(now))

	switch req.Funding {
	case FundingWallet:
		err = s.activateFromWallet(ctx, req.UserID, plan, sub, idemKey)
	case FundingExternal:
		err = s.activateFromRequest(ctx, req.UserID, plan, sub, idemKey)
	default:
		return nil, errors.WithCode(errors.CodeInvalidArgument,
			errors.Wrap(errors.ErrInvalidAmount, "unknown funding source"))
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription activated", map[string]interface{}{
		"user_id":    req.UserID,
		"plan_id":    plan.ID,
		"funding":    req.Funding,
		"expires_at": sub.ExpiresAt,
	})
	return sub, nil
}

// buildSubscription computes the new expiry: an active subscription extends
// from its current expiry, anything else starts from now.
func (s *Service) buildSubscription(ctx context.Context, userID uuid.UUID, plan *domain.Plan, now time.Time) *domain.Subscription {
	base := now
	if existing, err := s.repo.FindByUserID(ctx, userID); err == nil {
		if existing.Status == domain.SubscriptionActive && existing.ExpiresAt.After(now) {
			base = existing.ExpiresAt
		}
	}
	return &domain.Subscription{
		ID:        uuid.New(),
		UserID:    userID,
		PlanID:    plan.ID,
		Status:    domain.SubscriptionActive,
		ExpiresAt: base.AddDate(0, 0, plan.DurationDays),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) activateFromWallet(ctx context.Context, userID uuid.UUID, plan *domain.Plan, sub *domain.Subscription, idemKey string) error {
	return s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		done, err := s.guard.Check(ctx, tx, opActivate, idemKey)
		if err != nil {
			return err
		}
		if done {
			return errors.ErrDuplicateTxRef
		}

		if _, err := s.ledger.DebitTx(ctx, tx, ledger.MutationParams{
			UserID:        userID,
			Amount:        plan.Price,
			Currency:      plan.Currency,
			Type:          domain.EntrySubscription,
			Description:   "subscription " + plan.ID,
			ReferenceID:   plan.ID,
			ReferenceType: "plan",
		}); err != nil {
			return err
		}
		if err := s.repo.UpsertTx(ctx, tx, sub); err != nil {
			return err
		}
		return s.guard.Mark(ctx, tx, opActivate, idemKey, domain.Metadata{
			"funding": string(FundingWallet),
		})
	})
}

func (s *Service) activateFromRequest(ctx context.Context, userID uuid.UUID, plan *domain.Plan, sub *domain.Subscription, idemKey string) error {
	req, err := s.repo.FindCompletedRequest(ctx, userID, plan.ID)
	if err != nil {
		return err
	}
	if req.Amount != plan.Price || req.Currency != plan.Currency {
		return errors.ErrPlanMismatch
	}

	return s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		done, err := s.guard.Check(ctx, tx, opActivate, idemKey)
		if err != nil {
			return err
		}
		if done {
			return errors.ErrDuplicateTxRef
		}
		// Consuming the request here ties one payment to one activation;
		// a later renewal needs a fresh completed request.
		if err := s.repo.ConsumeRequestTx(ctx, tx, req.TxRef); err != nil {
			return err
		}
		if err := s.repo.UpsertTx(ctx, tx, sub); err != nil {
			return err
		}
		return s.guard.Mark(ctx, tx, opActivate, idemKey, domain.Metadata{
			"funding": string(FundingExternal),
			"tx_ref":  req.TxRef,
		})
	})
}
