// Package workflow implements the exchange and delivery state machines on
// top of the shared rules tables. Services check actor ownership and drive
// transitions; the storage-tier guard re-checks every write.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/internal/money"
	"medex/internal/rules"
	"medex/pkg/config"
	"medex/pkg/errors"
	"medex/pkg/logger"
)

// Actor is the authenticated caller driving a transition.
type Actor struct {
	ID   uuid.UUID
	Role domain.Role
	City string
}

// ExchangeRepository persists exchanges.
type ExchangeRepository interface {
	Create(ctx context.Context, ex *domain.Exchange) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Exchange, error)
	Update(ctx context.Context, ex *domain.Exchange) error
	UpdateTx(ctx context.Context, tx *sqlx.Tx, ex *domain.Exchange) error
	FindOpenByCity(ctx context.Context, city string, limit, offset int) ([]*domain.Exchange, error)
	FindByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Exchange, error)
}

// DeliveryCreator creates the delivery leg once an exchange is accepted.
type DeliveryCreator interface {
	CreateTx(ctx context.Context, tx *sqlx.Tx, d *domain.Delivery, payments []*domain.PartyPayment) error
}

type ExchangeService struct {
	tx         TxRunner
	exchanges  ExchangeRepository
	deliveries DeliveryCreator
	fees       config.FeeConfig
	logger     logger.Logger
}

func NewExchangeService(tx TxRunner, exchanges ExchangeRepository, deliveries DeliveryCreator, fees config.FeeConfig, log logger.Logger) *ExchangeService {
	return &ExchangeService{
		tx:         tx,
		exchanges:  exchanges,
		deliveries: deliveries,
		fees:       fees,
		logger:     log,
	}
}

type CreateExchangeRequest struct {
	City        string               `json:"city" validate:"required"`
	CountryCode string               `json:"country_code" validate:"required,len=2"`
	Items       domain.ExchangeItems `json:"items" validate:"required,min=1,dive"`
}

// CreateExchange opens a draft exchange owned by the requester.
func (s *ExchangeService) CreateExchange(ctx context.Context, actor Actor, req *CreateExchangeRequest) (*domain.Exchange, error) {
	now := time.Now()
	ex := &domain.Exchange{
		ID:          uuid.New(),
		RequesterID: actor.ID,
		Status:      domain.ExchangeStatusDraft,
		City:        req.City,
		CountryCode: req.CountryCode,
		Items:       req.Items,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.exchanges.Create(ctx, ex); err != nil {
		return nil, err
	}
	s.logger.Info("exchange created", map[string]interface{}{
		"exchange_id":  ex.ID,
		"requester_id": actor.ID,
		"city":         req.City,
	})
	return ex, nil
}

// SubmitExchange publishes a draft (or a previously rejected exchange) to
// its city. Re-opening clears the responder so the exchange is open again.
func (s *ExchangeService) SubmitExchange(ctx context.Context, actor Actor, exchangeID uuid.UUID) (*domain.Exchange, error) {
	return s.transition(ctx, actor, exchangeID, domain.ExchangeStatusPending, func(ex *domain.Exchange) error {
		ex.ResponderID = nil
		return nil
	})
}

// RespondToExchange accepts or rejects a pending exchange. Accepting pins
// the responder and creates the delivery leg with its two unpaid party
// payment records. The acceptance and the delivery commit together, so a
// failed delivery insert never strands an exchange in accepted.
func (s *ExchangeService) RespondToExchange(ctx context.Context, actor Actor, exchangeID uuid.UUID, accept bool) (*domain.Exchange, error) {
	target := domain.ExchangeStatusRejected
	if accept {
		target = domain.ExchangeStatusAccepted
	}

	ex, err := s.exchanges.FindByID(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	t, ok := rules.FindExchangeTransition(ex.Status, target)
	if !ok {
		return nil, errors.ErrInvalidTransition
	}
	if !rules.ExchangeActorIs(t.Actor, ex, actor.ID, actor.Role) {
		return nil, errors.ErrPermissionDenied
	}
	if actor.ID == ex.RequesterID {
		return nil, errors.ErrSelfResponseRejected
	}

	responder := actor.ID
	ex.Status = target
	ex.ResponderID = &responder

	err = s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.exchanges.UpdateTx(ctx, tx, ex); err != nil {
			return err
		}
		if accept {
			return s.createDeliveryTx(ctx, tx, ex)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("exchange transitioned", map[string]interface{}{
		"exchange_id": ex.ID,
		"status":      target,
		"actor_id":    actor.ID,
	})
	return ex, nil
}

func (s *ExchangeService) createDeliveryTx(ctx context.Context, tx *sqlx.Tx, ex *domain.Exchange) error {
	currency := domain.Currency(s.fees.PlatformCurrency)
	courierFee := money.CalculateFee(2*s.fees.DeliveryFeePerParty, s.fees.CourierSharePercent, 0)

	now := time.Now()
	d := &domain.Delivery{
		ID:            uuid.New(),
		ExchangeID:    ex.ID,
		FromPartyID:   *ex.ResponderID,
		ToPartyID:     ex.RequesterID,
		City:          ex.City,
		FeePerParty:   s.fees.DeliveryFeePerParty,
		CourierFee:    courierFee,
		Currency:      currency,
		Status:        domain.DeliveryStatusPending,
		PaymentStatus: domain.PaymentAwaiting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	payments := []*domain.PartyPayment{
		newPartyPayment(d, ex.RequesterID),
		newPartyPayment(d, *ex.ResponderID),
	}
	if err := s.deliveries.CreateTx(ctx, tx, d, payments); err != nil {
		return err
	}

	s.logger.Info("delivery created for accepted exchange", map[string]interface{}{
		"exchange_id":   ex.ID,
		"delivery_id":   d.ID,
		"fee_per_party": d.FeePerParty,
		"courier_fee":   d.CourierFee,
	})
	return nil
}

func newPartyPayment(d *domain.Delivery, partyID uuid.UUID) *domain.PartyPayment {
	now := time.Now()
	return &domain.PartyPayment{
		ID:         uuid.New(),
		DeliveryID: d.ID,
		PartyID:    partyID,
		Amount:     d.FeePerParty,
		Currency:   d.Currency,
		Status:     domain.PartyPaymentPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// transition validates the edge and the actor against the shared rules
// tables, applies mutate, and persists through the guarded repository.
func (s *ExchangeService) transition(ctx context.Context, actor Actor, exchangeID uuid.UUID, to domain.ExchangeStatus, mutate func(*domain.Exchange) error) (*domain.Exchange, error) {
	ex, err := s.exchanges.FindByID(ctx, exchangeID)
	if err != nil {
		return nil, err
	}

	t, ok := rules.FindExchangeTransition(ex.Status, to)
	if !ok {
		return nil, errors.ErrInvalidTransition
	}
	if !rules.ExchangeActorIs(t.Actor, ex, actor.ID, actor.Role) {
		return nil, errors.ErrPermissionDenied
	}

	ex.Status = to
	if mutate != nil {
		if err := mutate(ex); err != nil {
			return nil, err
		}
	}
	if err := s.exchanges.Update(ctx, ex); err != nil {
		return nil, err
	}

	s.logger.Info("exchange transitioned", map[string]interface{}{
		"exchange_id": ex.ID,
		"status":      to,
		"actor_id":    actor.ID,
	})
	return ex, nil
}

// GetExchange enforces the visibility rule before returning the exchange.
func (s *ExchangeService) GetExchange(ctx context.Context, actor Actor, exchangeID uuid.UUID) (*domain.Exchange, error) {
	ex, err := s.exchanges.FindByID(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleCourier && ex.CourierID != nil && *ex.CourierID == actor.ID {
		return ex, nil
	}
	if !rules.ExchangeVisibleTo(ex, actor.ID, actor.Role, actor.City) {
		return nil, errors.ErrExchangeNotFound
	}
	return ex, nil
}

// ListOpenExchanges returns the city-wide feed of open pending exchanges.
func (s *ExchangeService) ListOpenExchanges(ctx context.Context, actor Actor, limit, offset int) ([]*domain.Exchange, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.exchanges.FindOpenByCity(ctx, actor.City, limit, offset)
}

func (s *ExchangeService) ListMyExchanges(ctx context.Context, actor Actor, limit, offset int) ([]*domain.Exchange, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.exchanges.FindByParticipant(ctx, actor.ID, limit, offset)
}
