package rules

import (
	"github.com/google/uuid"

	"medex/internal/domain"
	"medex/pkg/errors"
)

// Guard is the storage-tier enforcement layer. Repositories call it before
// any status write, so a request that bypasses the service entry points is
// still rejected by the same tables the services consult.
type Guard struct{}

func NewGuard() *Guard {
	return &Guard{}
}

// CheckExchangeWrite rejects a persisted exchange update that jumps states
// or rewrites immutable fields.
func (g *Guard) CheckExchangeWrite(current, next *domain.Exchange) error {
	if next.RequesterID != current.RequesterID ||
		next.City != current.City ||
		next.CountryCode != current.CountryCode {
		return errors.ErrImmutableField
	}
	if err := checkResponderWrite(current, next); err != nil {
		return err
	}
	if next.Status == current.Status {
		return nil
	}
	if _, ok := FindExchangeTransition(current.Status, next.Status); !ok {
		return errors.ErrInvalidTransition
	}
	return nil
}

// checkResponderWrite pins the responder once set. It may be assigned when a
// pending exchange is answered and cleared when a rejected exchange re-opens;
// a write that replaces one responder with another never passes, so a second
// concurrent acceptance cannot overwrite the winner.
func checkResponderWrite(current, next *domain.Exchange) error {
	switch {
	case sameID(current.ResponderID, next.ResponderID):
		return nil
	case current.ResponderID == nil:
		if current.Status == domain.ExchangeStatusPending && next.Status != current.Status {
			return nil
		}
	case next.ResponderID == nil:
		if current.Status == domain.ExchangeStatusRejected && next.Status == domain.ExchangeStatusPending {
			return nil
		}
	}
	return errors.ErrImmutableField
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// CheckDeliveryWrite rejects a persisted delivery update that jumps states,
// e.g. assigned -> delivered without passing through picked_up/in_transit,
// or an assignment while the payment gate is closed.
func (g *Guard) CheckDeliveryWrite(current, next *domain.Delivery) error {
	if next.ExchangeID != current.ExchangeID ||
		next.FromPartyID != current.FromPartyID ||
		next.ToPartyID != current.ToPartyID {
		return errors.ErrImmutableField
	}
	if next.Status == current.Status {
		return nil
	}
	t, ok := FindDeliveryTransition(current.Status, next.Status)
	if !ok {
		return errors.ErrInvalidTransition
	}
	if t.RequiresPaymentComplete && current.PaymentStatus != domain.PaymentComplete {
		return errors.ErrPaymentGateClosed
	}
	return nil
}
