package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"medex/internal/domain"
	"medex/internal/ledger"
	"medex/pkg/errors"
	"medex/pkg/logger"
)

type mockTxRunner struct{}

func (m *mockTxRunner) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

type mockDeliveryRepo struct {
	mock.Mock
}

func (m *mockDeliveryRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Delivery, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Delivery), args.Error(1)
}

func (m *mockDeliveryRepo) LockByIDTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Delivery, error) {
	args := m.Called(ctx, tx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Delivery), args.Error(1)
}

func (m *mockDeliveryRepo) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, current, next *domain.Delivery) error {
	args := m.Called(ctx, tx, current, next)
	return args.Error(0)
}

func (m *mockDeliveryRepo) SetPaymentStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.DeliveryPaymentStatus) error {
	args := m.Called(ctx, tx, id, status)
	return args.Error(0)
}

func (m *mockDeliveryRepo) FindAcceptable(ctx context.Context, city string, limit, offset int) ([]*domain.Delivery, error) {
	args := m.Called(ctx, city, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Delivery), args.Error(1)
}

func (m *mockDeliveryRepo) FindPartyPayments(ctx context.Context, deliveryID uuid.UUID) ([]*domain.PartyPayment, error) {
	args := m.Called(ctx, deliveryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PartyPayment), args.Error(1)
}

func (m *mockDeliveryRepo) LockPartyPaymentTx(ctx context.Context, tx *sqlx.Tx, deliveryID, partyID uuid.UUID) (*domain.PartyPayment, error) {
	args := m.Called(ctx, tx, deliveryID, partyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PartyPayment), args.Error(1)
}

func (m *mockDeliveryRepo) LockPartyPaymentsTx(ctx context.Context, tx *sqlx.Tx, deliveryID uuid.UUID) ([]*domain.PartyPayment, error) {
	args := m.Called(ctx, tx, deliveryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PartyPayment), args.Error(1)
}

func (m *mockDeliveryRepo) SetPartyPaymentStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.PartyPaymentStatus, ledgerEntryID *uuid.UUID) error {
	args := m.Called(ctx, tx, id, status, ledgerEntryID)
	return args.Error(0)
}

type mockCourierDirectory struct {
	mock.Mock
}

func (m *mockCourierDirectory) FindCourier(ctx context.Context, id uuid.UUID) (*domain.Courier, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Courier), args.Error(1)
}

type mockLedgerTx struct {
	mock.Mock
}

func (m *mockLedgerTx) CreditTx(ctx context.Context, tx *sqlx.Tx, params ledger.MutationParams) (*domain.LedgerEntry, error) {
	args := m.Called(ctx, tx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LedgerEntry), args.Error(1)
}

func (m *mockLedgerTx) DebitTx(ctx context.Context, tx *sqlx.Tx, params ledger.MutationParams) (*domain.LedgerEntry, error) {
	args := m.Called(ctx, tx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LedgerEntry), args.Error(1)
}

type mockEarningsCreator struct {
	mock.Mock
}

func (m *mockEarningsCreator) CreateEarningTx(ctx context.Context, tx *sqlx.Tx, courierID, deliveryID uuid.UUID, amount int64, currency domain.Currency, earnedAt time.Time) (*domain.CourierEarning, error) {
	args := m.Called(ctx, tx, courierID, deliveryID, amount, currency, earnedAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CourierEarning), args.Error(1)
}

type mockAuditRepo struct {
	mock.Mock
}

func (m *mockAuditRepo) CreateTx(ctx context.Context, tx *sqlx.Tx, log *domain.AuditLog) error {
	args := m.Called(ctx, tx, log)
	return args.Error(0)
}

type deliveryFixture struct {
	deliveries *mockDeliveryRepo
	exchanges  *mockExchangeRepo
	couriers   *mockCourierDirectory
	ledger     *mockLedgerTx
	earnings   *mockEarningsCreator
	audit      *mockAuditRepo
	svc        *DeliveryService
}

func newDeliveryFixture() *deliveryFixture {
	f := &deliveryFixture{
		deliveries: new(mockDeliveryRepo),
		exchanges:  new(mockExchangeRepo),
		couriers:   new(mockCourierDirectory),
		ledger:     new(mockLedgerTx),
		earnings:   new(mockEarningsCreator),
		audit:      new(mockAuditRepo),
	}
	f.svc = NewDeliveryService(&mockTxRunner{}, f.deliveries, f.exchanges, f.couriers, f.ledger, f.earnings, f.audit, logger.NewNop())
	return f
}

func testDelivery(status domain.DeliveryStatus, payment domain.DeliveryPaymentStatus) *domain.Delivery {
	return &domain.Delivery{
		ID:            uuid.New(),
		ExchangeID:    uuid.New(),
		FromPartyID:   uuid.New(),
		ToPartyID:     uuid.New(),
		City:          "Abidjan",
		FeePerParty:   500,
		CourierFee:    800,
		Currency:      domain.XOF,
		Status:        status,
		PaymentStatus: payment,
	}
}

func TestAcceptDelivery(t *testing.T) {
	courierID := uuid.New()
	courierActor := Actor{ID: courierID, Role: domain.RoleCourier, City: "Abidjan"}

	activeCourier := func(city string) *domain.Courier {
		return &domain.Courier{ID: courierID, City: city, Active: true}
	}

	t.Run("courier in city accepts a paid delivery", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusPending, domain.PaymentComplete)

		f.couriers.On("FindCourier", mock.Anything, courierID).Return(activeCourier("Abidjan"), nil)
		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)
		f.deliveries.On("UpdateStatusTx", mock.Anything, mock.Anything, d, mock.MatchedBy(func(n *domain.Delivery) bool {
			return n.Status == domain.DeliveryStatusAssigned && n.CourierID != nil && *n.CourierID == courierID
		})).Return(nil)
		f.exchanges.On("FindByID", mock.Anything, d.ExchangeID).Return(&domain.Exchange{ID: d.ExchangeID, Status: domain.ExchangeStatusAccepted}, nil)
		f.exchanges.On("Update", mock.Anything, mock.Anything).Return(nil)

		got, err := f.svc.AcceptDelivery(context.Background(), courierActor, d.ID)

		assert.NoError(t, err)
		assert.Equal(t, domain.DeliveryStatusAssigned, got.Status)
	})

	t.Run("courier outside the city is rejected", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusPending, domain.PaymentComplete)

		f.couriers.On("FindCourier", mock.Anything, courierID).Return(activeCourier("Dakar"), nil)
		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)

		_, err := f.svc.AcceptDelivery(context.Background(), Actor{ID: courierID, Role: domain.RoleCourier, City: "Dakar"}, d.ID)

		assert.ErrorIs(t, err, errors.ErrOutsideServiceArea)
		f.deliveries.AssertNotCalled(t, "UpdateStatusTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("inactive courier is rejected", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusPending, domain.PaymentComplete)

		f.couriers.On("FindCourier", mock.Anything, courierID).Return(&domain.Courier{ID: courierID, City: "Abidjan", Active: false}, nil)

		_, err := f.svc.AcceptDelivery(context.Background(), courierActor, d.ID)
		assert.ErrorIs(t, err, errors.ErrPermissionDenied)
	})

	t.Run("already assigned delivery cannot be accepted again", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusAssigned, domain.PaymentComplete)
		other := uuid.New()
		d.CourierID = &other

		f.couriers.On("FindCourier", mock.Anything, courierID).Return(activeCourier("Abidjan"), nil)
		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)

		_, err := f.svc.AcceptDelivery(context.Background(), courierActor, d.ID)
		assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	})
}

func TestUpdateDeliveryStatus(t *testing.T) {
	courierID := uuid.New()
	courierActor := Actor{ID: courierID, Role: domain.RoleCourier, City: "Abidjan"}

	assigned := func() *domain.Delivery {
		d := testDelivery(domain.DeliveryStatusAssigned, domain.PaymentComplete)
		d.CourierID = &courierID
		return d
	}

	t.Run("assigned cannot jump straight to delivered", func(t *testing.T) {
		f := newDeliveryFixture()
		d := assigned()
		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)

		_, err := f.svc.UpdateStatus(context.Background(), courierActor, d.ID, domain.DeliveryStatusDelivered)

		assert.ErrorIs(t, err, errors.ErrInvalidTransition)
		f.earnings.AssertNotCalled(t, "CreateEarningTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("only the assigned courier may advance the delivery", func(t *testing.T) {
		f := newDeliveryFixture()
		d := assigned()
		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)

		_, err := f.svc.UpdateStatus(context.Background(), Actor{ID: uuid.New(), Role: domain.RoleCourier}, d.ID, domain.DeliveryStatusPickedUp)
		assert.ErrorIs(t, err, errors.ErrPermissionDenied)
	})

	t.Run("delivered records the courier earning and releases fees", func(t *testing.T) {
		f := newDeliveryFixture()
		d := assigned()
		d.Status = domain.DeliveryStatusInTransit

		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)
		f.deliveries.On("UpdateStatusTx", mock.Anything, mock.Anything, d, mock.Anything).Return(nil)
		f.earnings.On("CreateEarningTx", mock.Anything, mock.Anything, courierID, d.ID, int64(800), domain.XOF, mock.Anything).
			Return(&domain.CourierEarning{ID: uuid.New(), Status: domain.EarningStatusPending}, nil)
		f.deliveries.On("SetPaymentStatusTx", mock.Anything, mock.Anything, d.ID, domain.PaymentReleasedToCourier).Return(nil)
		f.audit.On("CreateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(l *domain.AuditLog) bool {
			return l.Action == "delivery.released_to_courier"
		})).Return(nil)
		f.exchanges.On("FindByID", mock.Anything, d.ExchangeID).Return(&domain.Exchange{ID: d.ExchangeID, Status: domain.ExchangeStatusInTransit, CourierID: &courierID}, nil)
		f.exchanges.On("Update", mock.Anything, mock.Anything).Return(nil)

		got, err := f.svc.UpdateStatus(context.Background(), courierActor, d.ID, domain.DeliveryStatusDelivered)

		assert.NoError(t, err)
		assert.Equal(t, domain.DeliveryStatusDelivered, got.Status)
		f.earnings.AssertExpectations(t)
	})

	t.Run("party cancels before pickup and paid shares are refunded", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusPending, domain.PaymentPartial)
		payerID := d.FromPartyID
		entryID := uuid.New()

		paid := &domain.PartyPayment{ID: uuid.New(), DeliveryID: d.ID, PartyID: payerID, Amount: 500, Currency: domain.XOF, Status: domain.PartyPaymentPaid}
		unpaid := &domain.PartyPayment{ID: uuid.New(), DeliveryID: d.ID, PartyID: d.ToPartyID, Amount: 500, Currency: domain.XOF, Status: domain.PartyPaymentPending}

		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)
		f.deliveries.On("UpdateStatusTx", mock.Anything, mock.Anything, d, mock.Anything).Return(nil)
		f.deliveries.On("LockPartyPaymentsTx", mock.Anything, mock.Anything, d.ID).Return([]*domain.PartyPayment{paid, unpaid}, nil)
		f.ledger.On("CreditTx", mock.Anything, mock.Anything, mock.MatchedBy(func(p ledger.MutationParams) bool {
			return p.UserID == payerID && p.Amount == 500 && p.Type == domain.EntryRefund
		})).Return(&domain.LedgerEntry{ID: entryID}, nil)
		f.deliveries.On("SetPartyPaymentStatusTx", mock.Anything, mock.Anything, paid.ID, domain.PartyPaymentRefunded, &entryID).Return(nil)
		f.deliveries.On("SetPaymentStatusTx", mock.Anything, mock.Anything, d.ID, domain.PaymentRefunded).Return(nil)
		f.audit.On("CreateTx", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		_, err := f.svc.UpdateStatus(context.Background(), Actor{ID: payerID, Role: domain.RoleParty}, d.ID, domain.DeliveryStatusCancelled)

		assert.NoError(t, err)
		f.ledger.AssertNumberOfCalls(t, "CreditTx", 1)
	})
}

func TestPayFee(t *testing.T) {
	payerID := uuid.New()
	actor := Actor{ID: payerID, Role: domain.RoleParty}

	t.Run("first payment leaves the gate partial", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusPending, domain.PaymentAwaiting)
		d.FromPartyID = payerID
		entryID := uuid.New()

		own := &domain.PartyPayment{ID: uuid.New(), DeliveryID: d.ID, PartyID: payerID, Amount: 500, Currency: domain.XOF, Status: domain.PartyPaymentPending}
		other := &domain.PartyPayment{ID: uuid.New(), DeliveryID: d.ID, PartyID: d.ToPartyID, Amount: 500, Currency: domain.XOF, Status: domain.PartyPaymentPending}

		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)
		f.deliveries.On("LockPartyPaymentTx", mock.Anything, mock.Anything, d.ID, payerID).Return(own, nil)
		f.ledger.On("DebitTx", mock.Anything, mock.Anything, mock.MatchedBy(func(p ledger.MutationParams) bool {
			return p.UserID == payerID && p.Amount == 500 && p.Type == domain.EntryDeliveryPayment
		})).Return(&domain.LedgerEntry{ID: entryID}, nil)
		f.deliveries.On("SetPartyPaymentStatusTx", mock.Anything, mock.Anything, own.ID, domain.PartyPaymentPaid, &entryID).Return(nil)
		f.deliveries.On("LockPartyPaymentsTx", mock.Anything, mock.Anything, d.ID).Return([]*domain.PartyPayment{own, other}, nil)
		f.deliveries.On("SetPaymentStatusTx", mock.Anything, mock.Anything, d.ID, domain.PaymentPartial).Return(nil)

		p, err := f.svc.PayFee(context.Background(), actor, d.ID)

		assert.NoError(t, err)
		assert.Equal(t, domain.PartyPaymentPaid, p.Status)
	})

	t.Run("second payment closes the gate", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusPending, domain.PaymentPartial)
		d.FromPartyID = payerID
		entryID := uuid.New()

		own := &domain.PartyPayment{ID: uuid.New(), DeliveryID: d.ID, PartyID: payerID, Amount: 500, Currency: domain.XOF, Status: domain.PartyPaymentPending}
		other := &domain.PartyPayment{ID: uuid.New(), DeliveryID: d.ID, PartyID: d.ToPartyID, Amount: 500, Currency: domain.XOF, Status: domain.PartyPaymentPaid}

		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)
		f.deliveries.On("LockPartyPaymentTx", mock.Anything, mock.Anything, d.ID, payerID).Return(own, nil)
		f.ledger.On("DebitTx", mock.Anything, mock.Anything, mock.Anything).Return(&domain.LedgerEntry{ID: entryID}, nil)
		f.deliveries.On("SetPartyPaymentStatusTx", mock.Anything, mock.Anything, own.ID, domain.PartyPaymentPaid, &entryID).Return(nil)
		f.deliveries.On("LockPartyPaymentsTx", mock.Anything, mock.Anything, d.ID).Return([]*domain.PartyPayment{own, other}, nil)
		f.deliveries.On("SetPaymentStatusTx", mock.Anything, mock.Anything, d.ID, domain.PaymentComplete).Return(nil)

		_, err := f.svc.PayFee(context.Background(), actor, d.ID)
		assert.NoError(t, err)
	})

	t.Run("paying twice is rejected", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusPending, domain.PaymentPartial)

		own := &domain.PartyPayment{ID: uuid.New(), DeliveryID: d.ID, PartyID: payerID, Amount: 500, Currency: domain.XOF, Status: domain.PartyPaymentPaid}
		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)
		f.deliveries.On("LockPartyPaymentTx", mock.Anything, mock.Anything, d.ID, payerID).Return(own, nil)

		_, err := f.svc.PayFee(context.Background(), actor, d.ID)

		assert.ErrorIs(t, err, errors.ErrAlreadyPaid)
		f.ledger.AssertNotCalled(t, "DebitTx", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("non-participant cannot pay", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusPending, domain.PaymentAwaiting)

		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)
		f.deliveries.On("LockPartyPaymentTx", mock.Anything, mock.Anything, d.ID, payerID).Return(nil, errors.ErrNotParticipant)

		_, err := f.svc.PayFee(context.Background(), actor, d.ID)
		assert.ErrorIs(t, err, errors.ErrNotParticipant)
	})

	t.Run("paying after release is rejected", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusDelivered, domain.PaymentReleasedToCourier)

		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)

		_, err := f.svc.PayFee(context.Background(), actor, d.ID)
		assert.ErrorIs(t, err, errors.ErrFundsReleased)
	})
}

func TestRefund(t *testing.T) {
	adminActor := Actor{ID: uuid.New(), Role: domain.RoleAdmin}

	t.Run("non-admin cannot refund", func(t *testing.T) {
		f := newDeliveryFixture()

		err := f.svc.Refund(context.Background(), Actor{ID: uuid.New(), Role: domain.RoleParty}, uuid.New(), "dispute")
		assert.ErrorIs(t, err, errors.ErrPermissionDenied)
	})

	t.Run("refund after release to courier is rejected", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusDelivered, domain.PaymentReleasedToCourier)

		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)

		err := f.svc.Refund(context.Background(), adminActor, d.ID, "dispute")
		assert.ErrorIs(t, err, errors.ErrFundsReleased)
	})

	t.Run("admin refund credits every paid share", func(t *testing.T) {
		f := newDeliveryFixture()
		d := testDelivery(domain.DeliveryStatusAssigned, domain.PaymentComplete)
		entryID := uuid.New()

		p1 := &domain.PartyPayment{ID: uuid.New(), DeliveryID: d.ID, PartyID: d.FromPartyID, Amount: 500, Currency: domain.XOF, Status: domain.PartyPaymentPaid}
		p2 := &domain.PartyPayment{ID: uuid.New(), DeliveryID: d.ID, PartyID: d.ToPartyID, Amount: 500, Currency: domain.XOF, Status: domain.PartyPaymentPaid}

		f.deliveries.On("LockByIDTx", mock.Anything, mock.Anything, d.ID).Return(d, nil)
		f.deliveries.On("LockPartyPaymentsTx", mock.Anything, mock.Anything, d.ID).Return([]*domain.PartyPayment{p1, p2}, nil)
		f.ledger.On("CreditTx", mock.Anything, mock.Anything, mock.Anything).Return(&domain.LedgerEntry{ID: entryID}, nil)
		f.deliveries.On("SetPartyPaymentStatusTx", mock.Anything, mock.Anything, mock.Anything, domain.PartyPaymentRefunded, &entryID).Return(nil)
		f.deliveries.On("SetPaymentStatusTx", mock.Anything, mock.Anything, d.ID, domain.PaymentRefunded).Return(nil)
		f.audit.On("CreateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(l *domain.AuditLog) bool {
			return l.Action == "delivery.refunded"
		})).Return(nil)

		err := f.svc.Refund(context.Background(), adminActor, d.ID, "dispute")

		assert.NoError(t, err)
		f.ledger.AssertNumberOfCalls(t, "CreditTx", 2)
	})
}
