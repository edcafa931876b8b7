// Package earnings implements the courier earnings pipeline: earning
// creation at delivery completion, maturation past the release window, and
// payouts with compensation on provider failure.
package earnings

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/internal/money"
	"medex/internal/payment"
	"medex/pkg/config"
	"medex/pkg/errors"
	"medex/pkg/logger"
)

// Repository is the courier persistence the pipeline needs.
type Repository interface {
	FindCourier(ctx context.Context, id uuid.UUID) (*domain.Courier, error)

	CreateEarningTx(ctx context.Context, tx *sqlx.Tx, e *domain.CourierEarning) error
	CouriersWithRipeEarnings(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error)
	LockRipeEarningsTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, asOf time.Time, limit int) ([]*domain.CourierEarning, error)
	MarkEarningsAvailableTx(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID) error
	MarkEarningsPaidOutTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, upTo int64) error
	FindEarningsByCourier(ctx context.Context, courierID uuid.UUID, limit, offset int) ([]*domain.CourierEarning, error)

	FindWallet(ctx context.Context, courierID uuid.UUID) (*domain.CourierWallet, error)
	LockWalletTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID) (*domain.CourierWallet, error)
	EnsureWalletTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, currency domain.Currency) error
	AddPendingTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error
	MatureTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error
	DebitAvailableTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error
	CreditAvailableTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error

	CreatePayoutTx(ctx context.Context, tx *sqlx.Tx, p *domain.CourierPayout) error
	HasOpenPayoutTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID) (bool, error)
	UpdatePayoutStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.PayoutStatus, providerRef, reason string) error
	FindPayout(ctx context.Context, id uuid.UUID) (*domain.CourierPayout, error)
}

// Transferer is the outbound money-movement side of the payment provider.
type Transferer interface {
	Transfer(ctx context.Context, req payment.TransferRequest) (*payment.TransferResult, error)
}

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

// AuditRepository records payout lifecycle events.
type AuditRepository interface {
	CreateTx(ctx context.Context, tx *sqlx.Tx, log *domain.AuditLog) error
}

type Service struct {
	tx       TxRunner
	repo     Repository
	provider Transferer
	audit    AuditRepository
	cfg      config.EarningsConfig
	fees     config.FeeConfig
	logger   logger.Logger
}

func NewService(tx TxRunner, repo Repository, provider Transferer, audit AuditRepository, cfg config.EarningsConfig, fees config.FeeConfig, log logger.Logger) *Service {
	return &Service{
		tx:       tx,
		repo:     repo,
		provider: provider,
		audit:    audit,
		cfg:      cfg,
		fees:     fees,
		logger:   log,
	}
}

// CreateEarningTx records a courier's earning on the caller's transaction,
// so it commits together with the delivery completion that produced it.
// The earning starts pending and becomes available only via maturation.
func (s *Service) CreateEarningTx(ctx context.Context, tx *sqlx.Tx, courierID, deliveryID uuid.UUID, amount int64, currency domain.Currency, earnedAt time.Time) (*domain.CourierEarning, error) {
	if verr := money.ValidateAmount(amount, currency, 0, 0); verr != nil {
		return nil, errors.WithCode(errors.CodeInvalidArgument, verr)
	}

	now := time.Now()
	earning := &domain.CourierEarning{
		ID:          uuid.New(),
		CourierID:   courierID,
		DeliveryID:  deliveryID,
		Amount:      amount,
		Currency:    currency,
		Status:      domain.EarningStatusPending,
		EarnedAt:    earnedAt,
		AvailableAt: earnedAt.Add(s.cfg.ReleaseDelay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateEarningTx(ctx, tx, earning); err != nil {
		return nil, err
	}
	if err := s.repo.EnsureWalletTx(ctx, tx, courierID, currency); err != nil {
		return nil, err
	}
	if err := s.repo.AddPendingTx(ctx, tx, courierID, amount); err != nil {
		return nil, err
	}
	return earning, nil
}

// MatureEarnings moves every pending earning past its release window to
// available, in per-courier transactions. Work is bounded per run; the next
// run picks up whatever remains. Concurrent runs are safe: rows are taken
// with SKIP LOCKED and re-checked under the lock.
func (s *Service) MatureEarnings(ctx context.Context, asOf time.Time) (int, error) {
	courierIDs, err := s.repo.CouriersWithRipeEarnings(ctx, asOf, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	matured := 0
	for _, courierID := range courierIDs {
		if err := s.matureCourier(ctx, courierID, asOf, &matured); err != nil {
			// One courier's failure must not block the rest of the batch.
			s.logger.Error("maturation failed for courier", map[string]interface{}{
				"courier_id": courierID,
				"error":      err.Error(),
			})
		}
	}

	if matured > 0 {
		s.logger.Info("earnings matured", map[string]interface{}{
			"count": matured,
			"as_of": asOf,
		})
	}
	return matured, nil
}

func (s *Service) matureCourier(ctx context.Context, courierID uuid.UUID, asOf time.Time, matured *int) error {
	return s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		earnings, err := s.repo.LockRipeEarningsTx(ctx, tx, courierID, asOf, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(earnings) == 0 {
			return nil
		}

		var total int64
		ids := make([]uuid.UUID, 0, len(earnings))
		for _, e := range earnings {
			total += e.Amount
			ids = append(ids, e.ID)
		}

		if err := s.repo.MarkEarningsAvailableTx(ctx, tx, ids); err != nil {
			return err
		}
		if err := s.repo.MatureTx(ctx, tx, courierID, total); err != nil {
			return err
		}
		*matured += len(ids)
		return nil
	})
}

func (s *Service) GetWallet(ctx context.Context, courierID uuid.UUID) (*domain.CourierWallet, error) {
	return s.repo.FindWallet(ctx, courierID)
}

func (s *Service) ListEarnings(ctx context.Context, courierID uuid.UUID, limit, offset int) ([]*domain.CourierEarning, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.FindEarningsByCourier(ctx, courierID, limit, offset)
}

func (s *Service) GetPayout(ctx context.Context, id uuid.UUID) (*domain.CourierPayout, error) {
	return s.repo.FindPayout(ctx, id)
}

type PayoutRequest struct {
	CourierID   uuid.UUID `json:"courier_id" validate:"required"`
	Amount      int64     `json:"amount" validate:"required,gt=0"`
	Destination string    `json:"destination" validate:"required"`
}

// RequestPayout withdraws from the courier's available bucket. The debit
// and the payout record commit before the provider is called; a failed
// transfer is compensated with a reversing credit recorded as its own
// audit event.
func (s *Service) RequestPayout(ctx context.Context, req *PayoutRequest) (*domain.CourierPayout, error) {
	var payout *domain.CourierPayout

	err := s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		wallet, err := s.repo.LockWalletTx(ctx, tx, req.CourierID)
		if err != nil {
			return err
		}
		open, err := s.repo.HasOpenPayoutTx(ctx, tx, req.CourierID)
		if err != nil {
			return err
		}
		if open {
			return errors.ErrPayoutInFlight
		}
		if verr := money.ValidateAmount(req.Amount, wallet.Currency, 0, 0); verr != nil {
			return errors.WithCode(errors.CodeInvalidArgument, verr)
		}
		if req.Amount > wallet.Available {
			return errors.ErrInsufficientBalance
		}

		fee := money.CalculateFee(req.Amount, s.fees.PayoutFeePercent, s.fees.PayoutFeeCap)
		if fee >= req.Amount {
			return errors.WithCode(errors.CodeInvalidArgument,
				&money.ValidationError{Field: "amount", Rule: "min", Detail: "amount does not cover the payout fee"})
		}

		if err := s.repo.DebitAvailableTx(ctx, tx, req.CourierID, req.Amount); err != nil {
			return err
		}

		now := time.Now()
		payout = &domain.CourierPayout{
			ID:          uuid.New(),
			CourierID:   req.CourierID,
			Amount:      req.Amount,
			Fee:         fee,
			NetAmount:   req.Amount - fee,
			Currency:    wallet.Currency,
			Destination: req.Destination,
			Status:      domain.PayoutStatusProcessing,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return s.repo.CreatePayoutTx(ctx, tx, payout)
	})
	if err != nil {
		return nil, err
	}

	result, terr := s.provider.Transfer(ctx, payment.TransferRequest{
		Reference:   payout.ID.String(),
		Destination: req.Destination,
		Amount:      payout.NetAmount,
		Currency:    payout.Currency,
		Narration:   "courier earnings payout",
	})
	if terr != nil {
		if cerr := s.compensatePayout(ctx, payout, terr); cerr != nil {
			// The payout stays processing; operators resolve it from the
			// audit trail.
			s.logger.Error("payout compensation failed", map[string]interface{}{
				"payout_id": payout.ID,
				"error":     cerr.Error(),
			})
			return nil, cerr
		}
		return nil, errors.Wrap(terr, "provider transfer failed")
	}

	err = s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repo.UpdatePayoutStatusTx(ctx, tx, payout.ID, domain.PayoutStatusCompleted, result.ProviderRef, ""); err != nil {
			return err
		}
		if err := s.repo.MarkEarningsPaidOutTx(ctx, tx, req.CourierID, payout.Amount); err != nil {
			return err
		}
		return s.audit.CreateTx(ctx, tx, &domain.AuditLog{
			ActorID:    &req.CourierID,
			Action:     "payout.completed",
			EntityType: "courier_payout",
			EntityID:   payout.ID.String(),
			Detail: domain.Metadata{
				"amount":       payout.Amount,
				"fee":          payout.Fee,
				"provider_ref": result.ProviderRef,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	payout.Status = domain.PayoutStatusCompleted
	payout.ProviderRef = result.ProviderRef
	s.logger.Info("payout completed", map[string]interface{}{
		"payout_id":  payout.ID,
		"courier_id": req.CourierID,
		"net_amount": payout.NetAmount,
	})
	return payout, nil
}

// compensatePayout restores the available bucket after a failed transfer.
// The reversal is a distinct audit event, never an edit of the original.
func (s *Service) compensatePayout(ctx context.Context, payout *domain.CourierPayout, cause error) error {
	return s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repo.CreditAvailableTx(ctx, tx, payout.CourierID, payout.Amount); err != nil {
			return err
		}
		if err := s.repo.UpdatePayoutStatusTx(ctx, tx, payout.ID, domain.PayoutStatusFailed, "", cause.Error()); err != nil {
			return err
		}
		return s.audit.CreateTx(ctx, tx, &domain.AuditLog{
			ActorID:    &payout.CourierID,
			Action:     "payout.reversed",
			EntityType: "courier_payout",
			EntityID:   payout.ID.String(),
			Detail: domain.Metadata{
				"amount": payout.Amount,
				"reason": cause.Error(),
			},
		})
	})
}
