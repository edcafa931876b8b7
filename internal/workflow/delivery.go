package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/internal/ledger"
	"medex/internal/rules"
	"medex/pkg/errors"
	"medex/pkg/logger"
)

// DeliveryRepository persists deliveries and party payments.
type DeliveryRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Delivery, error)
	LockByIDTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Delivery, error)
	UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, current, next *domain.Delivery) error
	SetPaymentStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.DeliveryPaymentStatus) error
	FindAcceptable(ctx context.Context, city string, limit, offset int) ([]*domain.Delivery, error)

	FindPartyPayments(ctx context.Context, deliveryID uuid.UUID) ([]*domain.PartyPayment, error)
	LockPartyPaymentTx(ctx context.Context, tx *sqlx.Tx, deliveryID, partyID uuid.UUID) (*domain.PartyPayment, error)
	LockPartyPaymentsTx(ctx context.Context, tx *sqlx.Tx, deliveryID uuid.UUID) ([]*domain.PartyPayment, error)
	SetPartyPaymentStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.PartyPaymentStatus, ledgerEntryID *uuid.UUID) error
}

// CourierDirectory resolves courier profiles for assignment checks.
type CourierDirectory interface {
	FindCourier(ctx context.Context, id uuid.UUID) (*domain.Courier, error)
}

// LedgerTx moves party wallet money on the workflow's transaction.
type LedgerTx interface {
	CreditTx(ctx context.Context, tx *sqlx.Tx, params ledger.MutationParams) (*domain.LedgerEntry, error)
	DebitTx(ctx context.Context, tx *sqlx.Tx, params ledger.MutationParams) (*domain.LedgerEntry, error)
}

// EarningsCreator records the courier's earning at delivery completion.
type EarningsCreator interface {
	CreateEarningTx(ctx context.Context, tx *sqlx.Tx, courierID, deliveryID uuid.UUID, amount int64, currency domain.Currency, earnedAt time.Time) (*domain.CourierEarning, error)
}

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

// AuditRepository records refund and release events.
type AuditRepository interface {
	CreateTx(ctx context.Context, tx *sqlx.Tx, log *domain.AuditLog) error
}

type DeliveryService struct {
	tx         TxRunner
	deliveries DeliveryRepository
	exchanges  ExchangeRepository
	couriers   CourierDirectory
	ledger     LedgerTx
	earnings   EarningsCreator
	audit      AuditRepository
	logger     logger.Logger
}

func NewDeliveryService(
	tx TxRunner,
	deliveries DeliveryRepository,
	exchanges ExchangeRepository,
	couriers CourierDirectory,
	ledgerSvc LedgerTx,
	earnings EarningsCreator,
	audit AuditRepository,
	log logger.Logger,
) *DeliveryService {
	return &DeliveryService{
		tx:         tx,
		deliveries: deliveries,
		exchanges:  exchanges,
		couriers:   couriers,
		ledger:     ledgerSvc,
		earnings:   earnings,
		audit:      audit,
		logger:     log,
	}
}

// GetDelivery returns the delivery if the caller participates in it.
func (s *DeliveryService) GetDelivery(ctx context.Context, actor Actor, deliveryID uuid.UUID) (*domain.Delivery, error) {
	d, err := s.deliveries.FindByID(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if !s.canSee(actor, d) {
		return nil, errors.ErrDeliveryNotFound
	}
	return d, nil
}

func (s *DeliveryService) canSee(actor Actor, d *domain.Delivery) bool {
	if actor.Role == domain.RoleAdmin {
		return true
	}
	if actor.ID == d.FromPartyID || actor.ID == d.ToPartyID {
		return true
	}
	if actor.Role == domain.RoleCourier {
		if d.CourierID != nil {
			return *d.CourierID == actor.ID
		}
		// Unassigned but payable work is visible to couriers in the city.
		return d.Status == domain.DeliveryStatusPending && actor.City == d.City
	}
	return false
}

// ListAcceptable returns unassigned, fully paid deliveries in the courier's
// city.
func (s *DeliveryService) ListAcceptable(ctx context.Context, actor Actor, limit, offset int) ([]*domain.Delivery, error) {
	if actor.Role != domain.RoleCourier {
		return nil, errors.ErrPermissionDenied
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.deliveries.FindAcceptable(ctx, actor.City, limit, offset)
}

func (s *DeliveryService) GetPartyPayments(ctx context.Context, actor Actor, deliveryID uuid.UUID) ([]*domain.PartyPayment, error) {
	if _, err := s.GetDelivery(ctx, actor, deliveryID); err != nil {
		return nil, err
	}
	return s.deliveries.FindPartyPayments(ctx, deliveryID)
}

// AcceptDelivery assigns the calling courier to a pending delivery. The
// payment gate and the city check both hold inside the row lock.
func (s *DeliveryService) AcceptDelivery(ctx context.Context, actor Actor, deliveryID uuid.UUID) (*domain.Delivery, error) {
	courier, err := s.couriers.FindCourier(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if !courier.Active {
		return nil, errors.ErrPermissionDenied
	}

	var next *domain.Delivery
	err = s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		current, err := s.deliveries.LockByIDTx(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		t, ok := rules.FindDeliveryTransition(current.Status, domain.DeliveryStatusAssigned)
		if !ok {
			return errors.ErrInvalidTransition
		}
		if !rules.DeliveryActorIs(t.Actor, current, actor.ID, actor.Role) {
			return errors.ErrPermissionDenied
		}
		if t.RequiresCityMatch && courier.City != current.City {
			return errors.ErrOutsideServiceArea
		}

		n := *current
		courierID := actor.ID
		n.CourierID = &courierID
		n.Status = domain.DeliveryStatusAssigned
		next = &n
		return s.deliveries.UpdateStatusTx(ctx, tx, current, next)
	})
	if err != nil {
		return nil, err
	}

	s.syncExchange(ctx, next.ExchangeID, func(ex *domain.Exchange) {
		courierID := actor.ID
		ex.CourierID = &courierID
	})

	s.logger.Info("delivery assigned", map[string]interface{}{
		"delivery_id": deliveryID,
		"courier_id":  actor.ID,
	})
	return next, nil
}

// UpdateStatus drives the delivery through its lifecycle. Completion also
// records the courier's earning and releases the held fees, all in the
// same transaction.
func (s *DeliveryService) UpdateStatus(ctx context.Context, actor Actor, deliveryID uuid.UUID, to domain.DeliveryStatus) (*domain.Delivery, error) {
	var next *domain.Delivery
	err := s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		current, err := s.deliveries.LockByIDTx(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		t, ok := rules.FindDeliveryTransition(current.Status, to)
		if !ok {
			return errors.ErrInvalidTransition
		}
		if !rules.DeliveryActorIs(t.Actor, current, actor.ID, actor.Role) {
			return errors.ErrPermissionDenied
		}

		n := *current
		n.Status = to
		next = &n
		if err := s.deliveries.UpdateStatusTx(ctx, tx, current, next); err != nil {
			return err
		}

		switch to {
		case domain.DeliveryStatusDelivered:
			return s.releaseToCourier(ctx, tx, next)
		case domain.DeliveryStatusCancelled:
			return s.refundPaidShares(ctx, tx, next, actor, "delivery cancelled")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch to {
	case domain.DeliveryStatusInTransit:
		s.syncExchange(ctx, next.ExchangeID, func(ex *domain.Exchange) {
			ex.Status = domain.ExchangeStatusInTransit
		})
	case domain.DeliveryStatusDelivered:
		s.syncExchange(ctx, next.ExchangeID, func(ex *domain.Exchange) {
			ex.Status = domain.ExchangeStatusCompleted
		})
	}

	s.logger.Info("delivery transitioned", map[string]interface{}{
		"delivery_id": deliveryID,
		"status":      to,
		"actor_id":    actor.ID,
	})
	return next, nil
}

// releaseToCourier records the earning and flips the aggregate flag. The
// earning starts pending; money reaches the courier's available bucket only
// after the release window.
func (s *DeliveryService) releaseToCourier(ctx context.Context, tx *sqlx.Tx, d *domain.Delivery) error {
	if d.PaymentStatus != domain.PaymentComplete {
		return errors.ErrPaymentGateClosed
	}
	if _, err := s.earnings.CreateEarningTx(ctx, tx, *d.CourierID, d.ID, d.CourierFee, d.Currency, time.Now()); err != nil {
		return err
	}
	if err := s.deliveries.SetPaymentStatusTx(ctx, tx, d.ID, domain.PaymentReleasedToCourier); err != nil {
		return err
	}
	d.PaymentStatus = domain.PaymentReleasedToCourier
	return s.audit.CreateTx(ctx, tx, &domain.AuditLog{
		ActorID:    d.CourierID,
		Action:     "delivery.released_to_courier",
		EntityType: "delivery",
		EntityID:   d.ID.String(),
		Detail: domain.Metadata{
			"courier_fee": d.CourierFee,
		},
	})
}

// PayFee settles the calling party's own share of the delivery fee from
// their wallet. The aggregate flag recomputes from both records under lock.
func (s *DeliveryService) PayFee(ctx context.Context, actor Actor, deliveryID uuid.UUID) (*domain.PartyPayment, error) {
	var payment *domain.PartyPayment
	err := s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		d, err := s.deliveries.LockByIDTx(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		switch d.PaymentStatus {
		case domain.PaymentReleasedToCourier:
			return errors.ErrFundsReleased
		case domain.PaymentRefunded:
			return errors.ErrInvalidTransition
		}

		p, err := s.deliveries.LockPartyPaymentTx(ctx, tx, deliveryID, actor.ID)
		if err != nil {
			return err
		}
		if p.Status != domain.PartyPaymentPending {
			return errors.ErrAlreadyPaid
		}

		entry, err := s.ledger.DebitTx(ctx, tx, ledger.MutationParams{
			UserID:        actor.ID,
			Amount:        p.Amount,
			Currency:      p.Currency,
			Type:          domain.EntryDeliveryPayment,
			Description:   "delivery fee",
			ReferenceID:   deliveryID.String(),
			ReferenceType: "delivery",
		})
		if err != nil {
			return err
		}
		if err := s.deliveries.SetPartyPaymentStatusTx(ctx, tx, p.ID, domain.PartyPaymentPaid, &entry.ID); err != nil {
			return err
		}
		p.Status = domain.PartyPaymentPaid
		p.LedgerEntryID = &entry.ID
		payment = p

		all, err := s.deliveries.LockPartyPaymentsTx(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		aggregate := domain.PaymentComplete
		for _, other := range all {
			status := other.Status
			if other.ID == p.ID {
				status = domain.PartyPaymentPaid
			}
			if status != domain.PartyPaymentPaid {
				aggregate = domain.PaymentPartial
			}
		}
		return s.deliveries.SetPaymentStatusTx(ctx, tx, deliveryID, aggregate)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("delivery fee paid", map[string]interface{}{
		"delivery_id": deliveryID,
		"party_id":    actor.ID,
	})
	return payment, nil
}

// Refund returns every paid share to its party. Administrators only, and
// never after the funds have been released to the courier.
func (s *DeliveryService) Refund(ctx context.Context, actor Actor, deliveryID uuid.UUID, reason string) error {
	if actor.Role != domain.RoleAdmin {
		return errors.ErrPermissionDenied
	}
	return s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		d, err := s.deliveries.LockByIDTx(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		return s.refundPaidShares(ctx, tx, d, actor, reason)
	})
}

func (s *DeliveryService) refundPaidShares(ctx context.Context, tx *sqlx.Tx, d *domain.Delivery, actor Actor, reason string) error {
	if d.PaymentStatus == domain.PaymentReleasedToCourier {
		return errors.ErrFundsReleased
	}
	if d.PaymentStatus == domain.PaymentRefunded {
		return nil
	}

	payments, err := s.deliveries.LockPartyPaymentsTx(ctx, tx, d.ID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.Status != domain.PartyPaymentPaid {
			continue
		}
		entry, err := s.ledger.CreditTx(ctx, tx, ledger.MutationParams{
			UserID:        p.PartyID,
			Amount:        p.Amount,
			Currency:      p.Currency,
			Type:          domain.EntryRefund,
			Description:   "delivery fee refund",
			ReferenceID:   d.ID.String(),
			ReferenceType: "delivery",
		})
		if err != nil {
			return err
		}
		if err := s.deliveries.SetPartyPaymentStatusTx(ctx, tx, p.ID, domain.PartyPaymentRefunded, &entry.ID); err != nil {
			return err
		}
	}
	if err := s.deliveries.SetPaymentStatusTx(ctx, tx, d.ID, domain.PaymentRefunded); err != nil {
		return err
	}
	d.PaymentStatus = domain.PaymentRefunded

	actorID := actor.ID
	return s.audit.CreateTx(ctx, tx, &domain.AuditLog{
		ActorID:    &actorID,
		Action:     "delivery.refunded",
		EntityType: "delivery",
		EntityID:   d.ID.String(),
		Detail: domain.Metadata{
			"reason": reason,
		},
	})
}

// syncExchange mirrors a delivery-side change onto the parent exchange.
// The delivery transaction already committed; a mirror failure is logged
// and repaired by the next transition rather than rolling money back.
func (s *DeliveryService) syncExchange(ctx context.Context, exchangeID uuid.UUID, mutate func(*domain.Exchange)) {
	ex, err := s.exchanges.FindByID(ctx, exchangeID)
	if err != nil {
		s.logger.Error("failed to load exchange for sync", map[string]interface{}{
			"exchange_id": exchangeID,
			"error":       err.Error(),
		})
		return
	}
	mutate(ex)
	if err := s.exchanges.Update(ctx, ex); err != nil {
		s.logger.Error("failed to sync exchange", map[string]interface{}{
			"exchange_id": exchangeID,
			"error":       err.Error(),
		})
	}
}
