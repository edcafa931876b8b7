package workflow

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"medex/internal/domain"
	"medex/pkg/config"
	"medex/pkg/errors"
	"medex/pkg/logger"
)

type mockExchangeRepo struct {
	mock.Mock
}

func (m *mockExchangeRepo) Create(ctx context.Context, ex *domain.Exchange) error {
	args := m.Called(ctx, ex)
	return args.Error(0)
}

func (m *mockExchangeRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Exchange, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Exchange), args.Error(1)
}

func (m *mockExchangeRepo) Update(ctx context.Context, ex *domain.Exchange) error {
	args := m.Called(ctx, ex)
	return args.Error(0)
}

func (m *mockExchangeRepo) UpdateTx(ctx context.Context, tx *sqlx.Tx, ex *domain.Exchange) error {
	args := m.Called(ctx, tx, ex)
	return args.Error(0)
}

func (m *mockExchangeRepo) FindOpenByCity(ctx context.Context, city string, limit, offset int) ([]*domain.Exchange, error) {
	args := m.Called(ctx, city, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Exchange), args.Error(1)
}

func (m *mockExchangeRepo) FindByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Exchange, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Exchange), args.Error(1)
}

type mockDeliveryCreator struct {
	mock.Mock
}

func (m *mockDeliveryCreator) CreateTx(ctx context.Context, tx *sqlx.Tx, d *domain.Delivery, payments []*domain.PartyPayment) error {
	args := m.Called(ctx, tx, d, payments)
	return args.Error(0)
}

func testFees() config.FeeConfig {
	return config.FeeConfig{
		DeliveryFeePerParty: 500,
		CourierSharePercent: 80,
		PlatformCurrency:    "XOF",
	}
}

func TestCreateAndSubmitExchange(t *testing.T) {
	requester := uuid.New()
	actor := Actor{ID: requester, Role: domain.RoleParty, City: "Abidjan"}

	t.Run("create opens a draft", func(t *testing.T) {
		repo := new(mockExchangeRepo)
		svc := NewExchangeService(&mockTxRunner{}, repo, new(mockDeliveryCreator), testFees(), logger.NewNop())

		repo.On("Create", mock.Anything, mock.MatchedBy(func(ex *domain.Exchange) bool {
			return ex.Status == domain.ExchangeStatusDraft && ex.RequesterID == requester
		})).Return(nil)

		ex, err := svc.CreateExchange(context.Background(), actor, &CreateExchangeRequest{
			City:        "Abidjan",
			CountryCode: "CI",
			Items:       domain.ExchangeItems{{MedicineID: "m1", Name: "Paracetamol", Quantity: 2}},
		})

		assert.NoError(t, err)
		assert.Equal(t, domain.ExchangeStatusDraft, ex.Status)
	})

	t.Run("submit publishes the draft", func(t *testing.T) {
		repo := new(mockExchangeRepo)
		svc := NewExchangeService(&mockTxRunner{}, repo, new(mockDeliveryCreator), testFees(), logger.NewNop())

		ex := &domain.Exchange{ID: uuid.New(), RequesterID: requester, Status: domain.ExchangeStatusDraft, City: "Abidjan"}
		repo.On("FindByID", mock.Anything, ex.ID).Return(ex, nil)
		repo.On("Update", mock.Anything, mock.MatchedBy(func(e *domain.Exchange) bool {
			return e.Status == domain.ExchangeStatusPending
		})).Return(nil)

		got, err := svc.SubmitExchange(context.Background(), actor, ex.ID)

		assert.NoError(t, err)
		assert.Equal(t, domain.ExchangeStatusPending, got.Status)
	})

	t.Run("only the requester can submit", func(t *testing.T) {
		repo := new(mockExchangeRepo)
		svc := NewExchangeService(&mockTxRunner{}, repo, new(mockDeliveryCreator), testFees(), logger.NewNop())

		ex := &domain.Exchange{ID: uuid.New(), RequesterID: requester, Status: domain.ExchangeStatusDraft}
		repo.On("FindByID", mock.Anything, ex.ID).Return(ex, nil)

		_, err := svc.SubmitExchange(context.Background(), Actor{ID: uuid.New(), Role: domain.RoleParty}, ex.ID)
		assert.ErrorIs(t, err, errors.ErrPermissionDenied)
	})
}

func TestRespondToExchange(t *testing.T) {
	requester := uuid.New()
	responder := uuid.New()

	pendingExchange := func() *domain.Exchange {
		return &domain.Exchange{
			ID:          uuid.New(),
			RequesterID: requester,
			Status:      domain.ExchangeStatusPending,
			City:        "Abidjan",
			CountryCode: "CI",
		}
	}

	t.Run("accept pins responder and creates the delivery leg", func(t *testing.T) {
		repo := new(mockExchangeRepo)
		deliveries := new(mockDeliveryCreator)
		svc := NewExchangeService(&mockTxRunner{}, repo, deliveries, testFees(), logger.NewNop())

		ex := pendingExchange()
		repo.On("FindByID", mock.Anything, ex.ID).Return(ex, nil)
		repo.On("UpdateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(e *domain.Exchange) bool {
			return e.Status == domain.ExchangeStatusAccepted && e.ResponderID != nil && *e.ResponderID == responder
		})).Return(nil)
		deliveries.On("CreateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(d *domain.Delivery) bool {
			// 80% of the combined 1000 fee
			return d.Status == domain.DeliveryStatusPending &&
				d.PaymentStatus == domain.PaymentAwaiting &&
				d.FeePerParty == 500 && d.CourierFee == 800 &&
				d.FromPartyID == responder && d.ToPartyID == requester
		}), mock.MatchedBy(func(ps []*domain.PartyPayment) bool {
			return len(ps) == 2 &&
				ps[0].Status == domain.PartyPaymentPending &&
				ps[1].Status == domain.PartyPaymentPending
		})).Return(nil)

		got, err := svc.RespondToExchange(context.Background(), Actor{ID: responder, Role: domain.RoleParty}, ex.ID, true)

		assert.NoError(t, err)
		assert.Equal(t, domain.ExchangeStatusAccepted, got.Status)
		deliveries.AssertExpectations(t)
	})

	t.Run("reject does not create a delivery", func(t *testing.T) {
		repo := new(mockExchangeRepo)
		deliveries := new(mockDeliveryCreator)
		svc := NewExchangeService(&mockTxRunner{}, repo, deliveries, testFees(), logger.NewNop())

		ex := pendingExchange()
		repo.On("FindByID", mock.Anything, ex.ID).Return(ex, nil)
		repo.On("UpdateTx", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		got, err := svc.RespondToExchange(context.Background(), Actor{ID: responder, Role: domain.RoleParty}, ex.ID, false)

		assert.NoError(t, err)
		assert.Equal(t, domain.ExchangeStatusRejected, got.Status)
		deliveries.AssertNotCalled(t, "CreateTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("acceptance fails when the delivery leg cannot be created", func(t *testing.T) {
		repo := new(mockExchangeRepo)
		deliveries := new(mockDeliveryCreator)
		svc := NewExchangeService(&mockTxRunner{}, repo, deliveries, testFees(), logger.NewNop())

		ex := pendingExchange()
		repo.On("FindByID", mock.Anything, ex.ID).Return(ex, nil)
		repo.On("UpdateTx", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		deliveries.On("CreateTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.WithCode(errors.CodeAlreadyExists, stderrors.New("duplicate delivery")))

		_, err := svc.RespondToExchange(context.Background(), Actor{ID: responder, Role: domain.RoleParty}, ex.ID, true)

		// The accept and its delivery share one transaction, so neither lands alone.
		assert.Error(t, err)
		assert.Equal(t, errors.CodeAlreadyExists, errors.CodeOf(err))
	})

	t.Run("requester cannot respond to own exchange", func(t *testing.T) {
		repo := new(mockExchangeRepo)
		svc := NewExchangeService(&mockTxRunner{}, repo, new(mockDeliveryCreator), testFees(), logger.NewNop())

		ex := pendingExchange()
		repo.On("FindByID", mock.Anything, ex.ID).Return(ex, nil)

		_, err := svc.RespondToExchange(context.Background(), Actor{ID: requester, Role: domain.RoleParty}, ex.ID, true)
		assert.ErrorIs(t, err, errors.ErrPermissionDenied)
	})

	t.Run("responding to a draft is an invalid transition", func(t *testing.T) {
		repo := new(mockExchangeRepo)
		svc := NewExchangeService(&mockTxRunner{}, repo, new(mockDeliveryCreator), testFees(), logger.NewNop())

		ex := pendingExchange()
		ex.Status = domain.ExchangeStatusDraft
		repo.On("FindByID", mock.Anything, ex.ID).Return(ex, nil)

		_, err := svc.RespondToExchange(context.Background(), Actor{ID: responder, Role: domain.RoleParty}, ex.ID, true)
		assert.ErrorIs(t, err, errors.ErrInvalidTransition)
		assert.Equal(t, errors.CodeFailedPrecondition, errors.CodeOf(err))
	})
}

func TestExchangeVisibility(t *testing.T) {
	requester := uuid.New()
	responder := uuid.New()

	t.Run("open pending exchange visible city-wide", func(t *testing.T) {
		repo := new(mockExchangeRepo)
		svc := NewExchangeService(&mockTxRunner{}, repo, new(mockDeliveryCreator), testFees(), logger.NewNop())

		ex := &domain.Exchange{ID: uuid.New(), RequesterID: requester, Status: domain.ExchangeStatusPending, City: "Abidjan"}
		repo.On("FindByID", mock.Anything, ex.ID).Return(ex, nil)

		_, err := svc.GetExchange(context.Background(), Actor{ID: uuid.New(), Role: domain.RoleParty, City: "Abidjan"}, ex.ID)
		assert.NoError(t, err)

		_, err = svc.GetExchange(context.Background(), Actor{ID: uuid.New(), Role: domain.RoleParty, City: "Dakar"}, ex.ID)
		assert.ErrorIs(t, err, errors.ErrExchangeNotFound)
	})

	t.Run("matched exchange visible only to participants", func(t *testing.T) {
		repo := new(mockExchangeRepo)
		svc := NewExchangeService(&mockTxRunner{}, repo, new(mockDeliveryCreator), testFees(), logger.NewNop())

		ex := &domain.Exchange{ID: uuid.New(), RequesterID: requester, ResponderID: &responder, Status: domain.ExchangeStatusAccepted, City: "Abidjan"}
		repo.On("FindByID", mock.Anything, ex.ID).Return(ex, nil)

		_, err := svc.GetExchange(context.Background(), Actor{ID: responder, Role: domain.RoleParty, City: "Dakar"}, ex.ID)
		assert.NoError(t, err)

		_, err = svc.GetExchange(context.Background(), Actor{ID: uuid.New(), Role: domain.RoleParty, City: "Abidjan"}, ex.ID)
		assert.ErrorIs(t, err, errors.ErrExchangeNotFound)
	})
}
