// Package rules is the single source of truth for workflow transition
// tables and ownership predicates. Both the service layer and the storage
// layer consume the same tables, so the two enforcement points cannot
// drift apart.
package rules

import (
	"github.com/google/uuid"

	"medex/internal/domain"
)

// ActorKind names who may drive a transition, relative to the entity.
type ActorKind string

const (
	ActorRequester       ActorKind = "requester"
	ActorResponder       ActorKind = "responder"
	ActorAssignedCourier ActorKind = "assigned_courier"
	ActorAnyCourier      ActorKind = "any_courier"
	ActorPayingParty     ActorKind = "paying_party"
	ActorAdmin           ActorKind = "admin"
)

// ExchangeTransition is one allowed edge in the exchange state machine.
type ExchangeTransition struct {
	From  domain.ExchangeStatus
	To    domain.ExchangeStatus
	Actor ActorKind
}

// ExchangeTransitions enumerates every allowed exchange transition.
// Anything not listed is rejected.
var ExchangeTransitions = []ExchangeTransition{
	{From: domain.ExchangeStatusDraft, To: domain.ExchangeStatusPending, Actor: ActorRequester},
	{From: domain.ExchangeStatusRejected, To: domain.ExchangeStatusPending, Actor: ActorRequester},
	{From: domain.ExchangeStatusPending, To: domain.ExchangeStatusAccepted, Actor: ActorResponder},
	{From: domain.ExchangeStatusPending, To: domain.ExchangeStatusRejected, Actor: ActorResponder},
	{From: domain.ExchangeStatusAccepted, To: domain.ExchangeStatusInTransit, Actor: ActorAssignedCourier},
	{From: domain.ExchangeStatusInTransit, To: domain.ExchangeStatusCompleted, Actor: ActorAssignedCourier},
}

// DeliveryTransition is one allowed edge in the delivery state machine.
// RequiresPaymentComplete gates the edge on the aggregate payment flag,
// never on the raw party payment records.
type DeliveryTransition struct {
	From                    domain.DeliveryStatus
	To                      domain.DeliveryStatus
	Actor                   ActorKind
	RequiresPaymentComplete bool
	RequiresCityMatch       bool
	PrePickupOnly           bool
}

// DeliveryTransitions enumerates every allowed delivery transition.
var DeliveryTransitions = []DeliveryTransition{
	{From: domain.DeliveryStatusPending, To: domain.DeliveryStatusAssigned, Actor: ActorAnyCourier, RequiresPaymentComplete: true, RequiresCityMatch: true},
	{From: domain.DeliveryStatusAssigned, To: domain.DeliveryStatusPickedUp, Actor: ActorAssignedCourier},
	{From: domain.DeliveryStatusPickedUp, To: domain.DeliveryStatusInTransit, Actor: ActorAssignedCourier},
	{From: domain.DeliveryStatusInTransit, To: domain.DeliveryStatusDelivered, Actor: ActorAssignedCourier},
	{From: domain.DeliveryStatusInTransit, To: domain.DeliveryStatusFailed, Actor: ActorAssignedCourier},
	{From: domain.DeliveryStatusPending, To: domain.DeliveryStatusCancelled, Actor: ActorPayingParty, PrePickupOnly: true},
	{From: domain.DeliveryStatusAssigned, To: domain.DeliveryStatusCancelled, Actor: ActorPayingParty, PrePickupOnly: true},
}

// FindExchangeTransition returns the table row for (from, to), if any.
func FindExchangeTransition(from, to domain.ExchangeStatus) (ExchangeTransition, bool) {
	for _, t := range ExchangeTransitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return ExchangeTransition{}, false
}

// FindDeliveryTransition returns the table row for (from, to), if any.
func FindDeliveryTransition(from, to domain.DeliveryStatus) (DeliveryTransition, bool) {
	for _, t := range DeliveryTransitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return DeliveryTransition{}, false
}

// ExchangeActorIs evaluates an actor kind against a concrete exchange.
func ExchangeActorIs(kind ActorKind, ex *domain.Exchange, actorID uuid.UUID, role domain.Role) bool {
	if role == domain.RoleAdmin {
		return true
	}
	switch kind {
	case ActorRequester:
		return actorID == ex.RequesterID
	case ActorResponder:
		// The responder must be someone other than the requester. On the
		// first response there is no responder attached yet.
		if actorID == ex.RequesterID {
			return false
		}
		return ex.ResponderID == nil || *ex.ResponderID == actorID
	case ActorAssignedCourier:
		return role == domain.RoleCourier && ex.CourierID != nil && *ex.CourierID == actorID
	default:
		return false
	}
}

// DeliveryActorIs evaluates an actor kind against a concrete delivery.
func DeliveryActorIs(kind ActorKind, d *domain.Delivery, actorID uuid.UUID, role domain.Role) bool {
	if role == domain.RoleAdmin {
		return true
	}
	switch kind {
	case ActorAnyCourier:
		return role == domain.RoleCourier
	case ActorAssignedCourier:
		return role == domain.RoleCourier && d.CourierID != nil && *d.CourierID == actorID
	case ActorPayingParty:
		return actorID == d.FromPartyID || actorID == d.ToPartyID
	default:
		return false
	}
}

// ExchangeVisibleTo implements the visibility rule: an open pending
// exchange is visible to any party in its city; once a responder is
// attached, only the participants and administrators see it.
func ExchangeVisibleTo(ex *domain.Exchange, viewerID uuid.UUID, role domain.Role, viewerCity string) bool {
	if role == domain.RoleAdmin {
		return true
	}
	if viewerID == ex.RequesterID {
		return true
	}
	if ex.ResponderID != nil {
		return *ex.ResponderID == viewerID
	}
	return ex.Status == domain.ExchangeStatusPending && viewerCity == ex.City
}

// ImmutableExchangeFields names the fields no non-admin write may change.
var ImmutableExchangeFields = []string{"requester_id", "city", "country_code"}
