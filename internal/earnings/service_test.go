package earnings

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"medex/internal/domain"
	"medex/internal/payment"
	"medex/pkg/config"
	"medex/pkg/errors"
	"medex/pkg/logger"
)

type mockTxRunner struct{}

func (m *mockTxRunner) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) FindCourier(ctx context.Context, id uuid.UUID) (*domain.Courier, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Courier), args.Error(1)
}

func (m *mockRepo) CreateEarningTx(ctx context.Context, tx *sqlx.Tx, e *domain.CourierEarning) error {
	args := m.Called(ctx, tx, e)
	return args.Error(0)
}

func (m *mockRepo) CouriersWithRipeEarnings(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error) {
	args := m.Called(ctx, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *mockRepo) LockRipeEarningsTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, asOf time.Time, limit int) ([]*domain.CourierEarning, error) {
	args := m.Called(ctx, tx, courierID, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CourierEarning), args.Error(1)
}

func (m *mockRepo) MarkEarningsAvailableTx(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID) error {
	args := m.Called(ctx, tx, ids)
	return args.Error(0)
}

func (m *mockRepo) MarkEarningsPaidOutTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, upTo int64) error {
	args := m.Called(ctx, tx, courierID, upTo)
	return args.Error(0)
}

func (m *mockRepo) FindEarningsByCourier(ctx context.Context, courierID uuid.UUID, limit, offset int) ([]*domain.CourierEarning, error) {
	args := m.Called(ctx, courierID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CourierEarning), args.Error(1)
}

func (m *mockRepo) FindWallet(ctx context.Context, courierID uuid.UUID) (*domain.CourierWallet, error) {
	args := m.Called(ctx, courierID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CourierWallet), args.Error(1)
}

func (m *mockRepo) LockWalletTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID) (*domain.CourierWallet, error) {
	args := m.Called(ctx, tx, courierID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CourierWallet), args.Error(1)
}

func (m *mockRepo) EnsureWalletTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, currency domain.Currency) error {
	args := m.Called(ctx, tx, courierID, currency)
	return args.Error(0)
}

func (m *mockRepo) AddPendingTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error {
	args := m.Called(ctx, tx, courierID, amount)
	return args.Error(0)
}

func (m *mockRepo) MatureTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error {
	args := m.Called(ctx, tx, courierID, amount)
	return args.Error(0)
}

func (m *mockRepo) DebitAvailableTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error {
	args := m.Called(ctx, tx, courierID, amount)
	return args.Error(0)
}

func (m *mockRepo) CreditAvailableTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID, amount int64) error {
	args := m.Called(ctx, tx, courierID, amount)
	return args.Error(0)
}

func (m *mockRepo) CreatePayoutTx(ctx context.Context, tx *sqlx.Tx, p *domain.CourierPayout) error {
	args := m.Called(ctx, tx, p)
	return args.Error(0)
}

func (m *mockRepo) HasOpenPayoutTx(ctx context.Context, tx *sqlx.Tx, courierID uuid.UUID) (bool, error) {
	args := m.Called(ctx, tx, courierID)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) UpdatePayoutStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.PayoutStatus, providerRef, reason string) error {
	args := m.Called(ctx, tx, id, status, providerRef, reason)
	return args.Error(0)
}

func (m *mockRepo) FindPayout(ctx context.Context, id uuid.UUID) (*domain.CourierPayout, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CourierPayout), args.Error(1)
}

type mockTransferer struct {
	mock.Mock
}

func (m *mockTransferer) Transfer(ctx context.Context, req payment.TransferRequest) (*payment.TransferResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.TransferResult), args.Error(1)
}

type mockAudit struct {
	mock.Mock
}

func (m *mockAudit) CreateTx(ctx context.Context, tx *sqlx.Tx, log *domain.AuditLog) error {
	args := m.Called(ctx, tx, log)
	return args.Error(0)
}

func newTestService(repo *mockRepo, provider *mockTransferer, audit *mockAudit) *Service {
	return NewService(
		&mockTxRunner{}, repo, provider, audit,
		config.EarningsConfig{ReleaseDelay: 24 * time.Hour, BatchSize: 200},
		config.FeeConfig{PayoutFeePercent: 1.5},
		logger.NewNop(),
	)
}

func TestCreateEarning(t *testing.T) {
	courierID := uuid.New()
	deliveryID := uuid.New()
	earnedAt := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	t.Run("earning starts pending and matures a day later", func(t *testing.T) {
		repo := new(mockRepo)
		svc := newTestService(repo, new(mockTransferer), new(mockAudit))

		repo.On("CreateEarningTx", mock.Anything, mock.Anything, mock.MatchedBy(func(e *domain.CourierEarning) bool {
			return e.Status == domain.EarningStatusPending &&
				e.AvailableAt.Equal(earnedAt.Add(24*time.Hour))
		})).Return(nil)
		repo.On("EnsureWalletTx", mock.Anything, mock.Anything, courierID, domain.XOF).Return(nil)
		repo.On("AddPendingTx", mock.Anything, mock.Anything, courierID, int64(800)).Return(nil)

		earning, err := svc.CreateEarningTx(context.Background(), nil, courierID, deliveryID, 800, domain.XOF, earnedAt)

		assert.NoError(t, err)
		assert.Equal(t, domain.EarningStatusPending, earning.Status)
		repo.AssertExpectations(t)
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		svc := newTestService(new(mockRepo), new(mockTransferer), new(mockAudit))

		_, err := svc.CreateEarningTx(context.Background(), nil, courierID, deliveryID, 0, domain.XOF, earnedAt)
		assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
	})
}

func TestMatureEarnings(t *testing.T) {
	courierID := uuid.New()
	earnedAt := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	availableAt := earnedAt.Add(24 * time.Hour)

	ripeEarnings := func() []*domain.CourierEarning {
		return []*domain.CourierEarning{
			{ID: uuid.New(), CourierID: courierID, Amount: 800, Status: domain.EarningStatusPending, EarnedAt: earnedAt, AvailableAt: availableAt},
			{ID: uuid.New(), CourierID: courierID, Amount: 500, Status: domain.EarningStatusPending, EarnedAt: earnedAt, AvailableAt: availableAt},
		}
	}

	t.Run("run before the window leaves earnings pending", func(t *testing.T) {
		repo := new(mockRepo)
		svc := newTestService(repo, new(mockTransferer), new(mockAudit))

		asOf := earnedAt.Add(23 * time.Hour)
		repo.On("CouriersWithRipeEarnings", mock.Anything, asOf, 200).Return([]uuid.UUID{}, nil)

		matured, err := svc.MatureEarnings(context.Background(), asOf)

		assert.NoError(t, err)
		assert.Equal(t, 0, matured)
		repo.AssertNotCalled(t, "MatureTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("run after the window matures the batch", func(t *testing.T) {
		repo := new(mockRepo)
		svc := newTestService(repo, new(mockTransferer), new(mockAudit))

		asOf := earnedAt.Add(25 * time.Hour)
		earnings := ripeEarnings()
		repo.On("CouriersWithRipeEarnings", mock.Anything, asOf, 200).Return([]uuid.UUID{courierID}, nil)
		repo.On("LockRipeEarningsTx", mock.Anything, mock.Anything, courierID, asOf, 200).Return(earnings, nil)
		repo.On("MarkEarningsAvailableTx", mock.Anything, mock.Anything, []uuid.UUID{earnings[0].ID, earnings[1].ID}).Return(nil)
		repo.On("MatureTx", mock.Anything, mock.Anything, courierID, int64(1300)).Return(nil)

		matured, err := svc.MatureEarnings(context.Background(), asOf)

		assert.NoError(t, err)
		assert.Equal(t, 2, matured)
		repo.AssertExpectations(t)
	})

	t.Run("second run finds nothing left to mature", func(t *testing.T) {
		repo := new(mockRepo)
		svc := newTestService(repo, new(mockTransferer), new(mockAudit))

		asOf := earnedAt.Add(25 * time.Hour)
		repo.On("CouriersWithRipeEarnings", mock.Anything, asOf, 200).Return([]uuid.UUID{courierID}, nil)
		repo.On("LockRipeEarningsTx", mock.Anything, mock.Anything, courierID, asOf, 200).Return([]*domain.CourierEarning{}, nil)

		matured, err := svc.MatureEarnings(context.Background(), asOf)

		assert.NoError(t, err)
		assert.Equal(t, 0, matured)
		repo.AssertNotCalled(t, "MatureTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		repo.AssertNotCalled(t, "MarkEarningsAvailableTx", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("one courier failing does not block the batch", func(t *testing.T) {
		repo := new(mockRepo)
		svc := newTestService(repo, new(mockTransferer), new(mockAudit))

		otherID := uuid.New()
		asOf := earnedAt.Add(25 * time.Hour)
		earnings := ripeEarnings()

		repo.On("CouriersWithRipeEarnings", mock.Anything, asOf, 200).Return([]uuid.UUID{otherID, courierID}, nil)
		repo.On("LockRipeEarningsTx", mock.Anything, mock.Anything, otherID, asOf, 200).Return(nil, errors.ErrCourierWalletGone)
		repo.On("LockRipeEarningsTx", mock.Anything, mock.Anything, courierID, asOf, 200).Return(earnings, nil)
		repo.On("MarkEarningsAvailableTx", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		repo.On("MatureTx", mock.Anything, mock.Anything, courierID, int64(1300)).Return(nil)

		matured, err := svc.MatureEarnings(context.Background(), asOf)

		assert.NoError(t, err)
		assert.Equal(t, 2, matured)
	})
}

func TestRequestPayout(t *testing.T) {
	courierID := uuid.New()

	wallet := func(available int64) *domain.CourierWallet {
		return &domain.CourierWallet{
			ID:        uuid.New(),
			CourierID: courierID,
			Balance:   available,
			Available: available,
			Currency:  domain.XOF,
		}
	}

	t.Run("successful payout debits available and marks earnings", func(t *testing.T) {
		repo := new(mockRepo)
		provider := new(mockTransferer)
		audit := new(mockAudit)
		svc := newTestService(repo, provider, audit)

		repo.On("LockWalletTx", mock.Anything, mock.Anything, courierID).Return(wallet(10000), nil)
		repo.On("HasOpenPayoutTx", mock.Anything, mock.Anything, courierID).Return(false, nil)
		repo.On("DebitAvailableTx", mock.Anything, mock.Anything, courierID, int64(10000)).Return(nil)
		repo.On("CreatePayoutTx", mock.Anything, mock.Anything, mock.MatchedBy(func(p *domain.CourierPayout) bool {
			// 1.5% of 10000 = 150
			return p.Fee == 150 && p.NetAmount == 9850 && p.Status == domain.PayoutStatusProcessing
		})).Return(nil)
		provider.On("Transfer", mock.Anything, mock.MatchedBy(func(req payment.TransferRequest) bool {
			return req.Amount == 9850 && req.Currency == domain.XOF
		})).Return(&payment.TransferResult{ProviderRef: "tr-1", Status: "success"}, nil)
		repo.On("UpdatePayoutStatusTx", mock.Anything, mock.Anything, mock.Anything, domain.PayoutStatusCompleted, "tr-1", "").Return(nil)
		repo.On("MarkEarningsPaidOutTx", mock.Anything, mock.Anything, courierID, int64(10000)).Return(nil)
		audit.On("CreateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(l *domain.AuditLog) bool {
			return l.Action == "payout.completed"
		})).Return(nil)

		payout, err := svc.RequestPayout(context.Background(), &PayoutRequest{
			CourierID:   courierID,
			Amount:      10000,
			Destination: "0700000001",
		})

		assert.NoError(t, err)
		assert.Equal(t, domain.PayoutStatusCompleted, payout.Status)
		assert.Equal(t, "tr-1", payout.ProviderRef)
		repo.AssertExpectations(t)
	})

	t.Run("second payout while one is open is rejected", func(t *testing.T) {
		repo := new(mockRepo)
		svc := newTestService(repo, new(mockTransferer), new(mockAudit))

		repo.On("LockWalletTx", mock.Anything, mock.Anything, courierID).Return(wallet(10000), nil)
		repo.On("HasOpenPayoutTx", mock.Anything, mock.Anything, courierID).Return(true, nil)

		_, err := svc.RequestPayout(context.Background(), &PayoutRequest{
			CourierID:   courierID,
			Amount:      1000,
			Destination: "0700000001",
		})

		assert.ErrorIs(t, err, errors.ErrPayoutInFlight)
		assert.Equal(t, errors.CodeAlreadyExists, errors.CodeOf(err))
		repo.AssertNotCalled(t, "DebitAvailableTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("amount above available is rejected", func(t *testing.T) {
		repo := new(mockRepo)
		svc := newTestService(repo, new(mockTransferer), new(mockAudit))

		repo.On("LockWalletTx", mock.Anything, mock.Anything, courierID).Return(wallet(500), nil)
		repo.On("HasOpenPayoutTx", mock.Anything, mock.Anything, courierID).Return(false, nil)

		_, err := svc.RequestPayout(context.Background(), &PayoutRequest{
			CourierID:   courierID,
			Amount:      1000,
			Destination: "0700000001",
		})

		assert.ErrorIs(t, err, errors.ErrInsufficientBalance)
	})

	t.Run("failed transfer restores available with a distinct reversal event", func(t *testing.T) {
		repo := new(mockRepo)
		provider := new(mockTransferer)
		audit := new(mockAudit)
		svc := newTestService(repo, provider, audit)

		repo.On("LockWalletTx", mock.Anything, mock.Anything, courierID).Return(wallet(10000), nil)
		repo.On("HasOpenPayoutTx", mock.Anything, mock.Anything, courierID).Return(false, nil)
		repo.On("DebitAvailableTx", mock.Anything, mock.Anything, courierID, int64(10000)).Return(nil)
		repo.On("CreatePayoutTx", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		provider.On("Transfer", mock.Anything, mock.Anything).Return(nil, errors.ErrVerificationFault)
		repo.On("CreditAvailableTx", mock.Anything, mock.Anything, courierID, int64(10000)).Return(nil)
		repo.On("UpdatePayoutStatusTx", mock.Anything, mock.Anything, mock.Anything, domain.PayoutStatusFailed, "", mock.Anything).Return(nil)
		audit.On("CreateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(l *domain.AuditLog) bool {
			return l.Action == "payout.reversed"
		})).Return(nil)

		_, err := svc.RequestPayout(context.Background(), &PayoutRequest{
			CourierID:   courierID,
			Amount:      10000,
			Destination: "0700000001",
		})

		assert.Error(t, err)
		repo.AssertCalled(t, "CreditAvailableTx", mock.Anything, mock.Anything, courierID, int64(10000))
		repo.AssertNotCalled(t, "MarkEarningsPaidOutTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		audit.AssertExpectations(t)
	})
}
