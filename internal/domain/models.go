// Package domain defines the core entities of the medicine-exchange
// marketplace: wallets, ledger entries, workflows, and courier earnings.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Currency represents ISO 4217 currency codes
type Currency string

const (
	XOF Currency = "XOF" // West African CFA franc (zero-decimal)
	NGN Currency = "NGN" // Nigerian Naira
	GHS Currency = "GHS" // Ghanaian Cedi
	USD Currency = "USD" // US Dollar
	EUR Currency = "EUR" // Euro
)

// Role identifies what a caller is allowed to do.
type Role string

const (
	RoleParty   Role = "party"
	RoleCourier Role = "courier"
	RoleAdmin   Role = "admin"
)

// Metadata holds arbitrary key-value metadata stored as JSONB.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, &m)
}

// Wallet holds a party's funds in the smallest currency unit.
// Balance is never observably negative after a committed mutation.
type Wallet struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Currency  Currency  `json:"currency" db:"currency"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntryType categorizes a monetary movement.
type LedgerEntryType string

const (
	EntryCredit          LedgerEntryType = "credit"
	EntryDebit           LedgerEntryType = "debit"
	EntryRefund          LedgerEntryType = "refund"
	EntrySubscription    LedgerEntryType = "subscription_payment"
	EntryExchangeFee     LedgerEntryType = "exchange_fee"
	EntryDeliveryPayment LedgerEntryType = "delivery_payment"
	EntryTopUp           LedgerEntryType = "topup"
)

// LedgerEntryStatus is the settlement state of an entry.
type LedgerEntryStatus string

const (
	EntryStatusPending   LedgerEntryStatus = "pending"
	EntryStatusCompleted LedgerEntryStatus = "completed"
	EntryStatusFailed    LedgerEntryStatus = "failed"
	EntryStatusCancelled LedgerEntryStatus = "cancelled"
)

// LedgerEntry is an immutable, append-only record of one monetary movement.
// Corrections are new entries referencing the original, never edits.
type LedgerEntry struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	UserID        uuid.UUID         `json:"user_id" db:"user_id"`
	Type          LedgerEntryType   `json:"type" db:"entry_type"`
	Amount        int64             `json:"amount" db:"amount"`
	Currency      Currency          `json:"currency" db:"currency"`
	Status        LedgerEntryStatus `json:"status" db:"status"`
	BalanceAfter  int64             `json:"balance_after" db:"balance_after"`
	Description   string            `json:"description" db:"description"`
	ReferenceID   string            `json:"reference_id" db:"reference_id"`
	ReferenceType string            `json:"reference_type" db:"reference_type"`
	Metadata      Metadata          `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// IdempotencyRecord proves a guarded effect has already been committed.
// The (operation, idem_key) pair is unique; the record is written in the
// same database transaction as the effect it guards.
type IdempotencyRecord struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Operation string    `json:"operation" db:"operation"`
	Key       string    `json:"idem_key" db:"idem_key"`
	Metadata  Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TopUpStatus is the lifecycle of a wallet top-up request.
type TopUpStatus string

const (
	TopUpStatusPending   TopUpStatus = "pending"
	TopUpStatusCompleted TopUpStatus = "completed"
	TopUpStatusFailed    TopUpStatus = "failed"

	// TopUpStatusConsumed marks a subscription payment request whose money
	// has already bought an activation. A consumed request never funds a
	// second one.
	TopUpStatusConsumed TopUpStatus = "consumed"
)

// TopUpRequest is created before the payment provider is contacted and is
// resolved only by the notification processor.
type TopUpRequest struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	UserID        uuid.UUID   `json:"user_id" db:"user_id"`
	TxRef         string      `json:"tx_ref" db:"tx_ref"`
	Amount        int64       `json:"amount" db:"amount"`
	Currency      Currency    `json:"currency" db:"currency"`
	PaymentMethod string      `json:"payment_method" db:"payment_method"`
	Phone         string      `json:"phone,omitempty" db:"phone"`
	Status        TopUpStatus `json:"status" db:"status"`
	FailureReason string      `json:"failure_reason,omitempty" db:"failure_reason"`
	ExpiresAt     time.Time   `json:"expires_at" db:"expires_at"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// EarningStatus is the maturation lifecycle of a courier earning.
type EarningStatus string

const (
	EarningStatusPending   EarningStatus = "pending"
	EarningStatusAvailable EarningStatus = "available"
	EarningStatusPaidOut   EarningStatus = "paid_out"
	EarningStatusCancelled EarningStatus = "cancelled"
)

// CourierEarning is created at delivery completion. It becomes available
// only via the maturation job, and paid_out only via a completed payout.
type CourierEarning struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	CourierID   uuid.UUID     `json:"courier_id" db:"courier_id"`
	DeliveryID  uuid.UUID     `json:"delivery_id" db:"delivery_id"`
	Amount      int64         `json:"amount" db:"amount"`
	Currency    Currency      `json:"currency" db:"currency"`
	Status      EarningStatus `json:"status" db:"status"`
	EarnedAt    time.Time     `json:"earned_at" db:"earned_at"`
	AvailableAt time.Time     `json:"available_at" db:"available_at"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// CourierWallet tracks a courier's earnings buckets.
// Invariant: pending + available equals the sum of non-terminal earnings.
type CourierWallet struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CourierID uuid.UUID `json:"courier_id" db:"courier_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Pending   int64     `json:"pending" db:"pending"`
	Available int64     `json:"available" db:"available"`
	Currency  Currency  `json:"currency" db:"currency"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PayoutStatus is the lifecycle of a courier payout.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// CourierPayout records one withdrawal attempt. A failed provider transfer
// reverts the wallet's available decrement in a follow-up atomic step.
type CourierPayout struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	CourierID     uuid.UUID    `json:"courier_id" db:"courier_id"`
	Amount        int64        `json:"amount" db:"amount"`
	Fee           int64        `json:"fee" db:"fee"`
	NetAmount     int64        `json:"net_amount" db:"net_amount"`
	Currency      Currency     `json:"currency" db:"currency"`
	Destination   string       `json:"destination" db:"destination"`
	Status        PayoutStatus `json:"status" db:"status"`
	FailureReason string       `json:"failure_reason,omitempty" db:"failure_reason"`
	ProviderRef   string       `json:"provider_ref,omitempty" db:"provider_ref"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// ExchangeStatus is the lifecycle of a medicine exchange.
type ExchangeStatus string

const (
	ExchangeStatusDraft     ExchangeStatus = "draft"
	ExchangeStatusPending   ExchangeStatus = "pending"
	ExchangeStatusAccepted  ExchangeStatus = "accepted"
	ExchangeStatusRejected  ExchangeStatus = "rejected"
	ExchangeStatusInTransit ExchangeStatus = "in_transit"
	ExchangeStatusCompleted ExchangeStatus = "completed"
)

// ExchangeItem is one medicine line item in an exchange.
type ExchangeItem struct {
	MedicineID string `json:"medicine_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
}

// ExchangeItems is stored as JSONB.
type ExchangeItems []ExchangeItem

func (i ExchangeItems) Value() (driver.Value, error) {
	return json.Marshal(i)
}

func (i *ExchangeItems) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, i)
}

// Exchange is a medicine exchange between a requester and a responder.
// RequesterID, City, and CountryCode are immutable after creation for any
// non-administrative actor.
type Exchange struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	RequesterID uuid.UUID      `json:"requester_id" db:"requester_id"`
	ResponderID *uuid.UUID     `json:"responder_id,omitempty" db:"responder_id"`
	CourierID   *uuid.UUID     `json:"courier_id,omitempty" db:"courier_id"`
	Status      ExchangeStatus `json:"status" db:"status"`
	City        string         `json:"city" db:"city"`
	CountryCode string         `json:"country_code" db:"country_code"`
	Items       ExchangeItems  `json:"items" db:"items"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// DeliveryStatus is the physical delivery lifecycle.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusAssigned  DeliveryStatus = "assigned"
	DeliveryStatusPickedUp  DeliveryStatus = "picked_up"
	DeliveryStatusInTransit DeliveryStatus = "in_transit"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// DeliveryPaymentStatus aggregates the two party payments.
type DeliveryPaymentStatus string

const (
	PaymentAwaiting          DeliveryPaymentStatus = "awaiting_payment"
	PaymentPartial           DeliveryPaymentStatus = "partial_payment"
	PaymentComplete          DeliveryPaymentStatus = "payment_complete"
	PaymentReleasedToCourier DeliveryPaymentStatus = "released_to_courier"
	PaymentRefunded          DeliveryPaymentStatus = "refunded"
)

// PartyPaymentStatus is one side of the two-sided delivery payment.
type PartyPaymentStatus string

const (
	PartyPaymentPending  PartyPaymentStatus = "pending"
	PartyPaymentPaid     PartyPaymentStatus = "paid"
	PartyPaymentRefunded PartyPaymentStatus = "refunded"
)

// PartyPayment is one paying party's share of a delivery fee. A party may
// only ever write its own record.
type PartyPayment struct {
	ID            uuid.UUID          `json:"id" db:"id"`
	DeliveryID    uuid.UUID          `json:"delivery_id" db:"delivery_id"`
	PartyID       uuid.UUID          `json:"party_id" db:"party_id"`
	Amount        int64              `json:"amount" db:"amount"`
	Currency      Currency           `json:"currency" db:"currency"`
	Status        PartyPaymentStatus `json:"status" db:"status"`
	LedgerEntryID *uuid.UUID         `json:"ledger_entry_id,omitempty" db:"ledger_entry_id"`
	PaidAt        *time.Time         `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" db:"updated_at"`
}

// Delivery is the physical leg of an accepted exchange. It is a separate
// entity created once the exchange is accepted.
type Delivery struct {
	ID            uuid.UUID             `json:"id" db:"id"`
	ExchangeID    uuid.UUID             `json:"exchange_id" db:"exchange_id"`
	FromPartyID   uuid.UUID             `json:"from_party_id" db:"from_party_id"`
	ToPartyID     uuid.UUID             `json:"to_party_id" db:"to_party_id"`
	CourierID     *uuid.UUID            `json:"courier_id,omitempty" db:"courier_id"`
	City          string                `json:"city" db:"city"`
	FeePerParty   int64                 `json:"fee_per_party" db:"fee_per_party"`
	CourierFee    int64                 `json:"courier_fee" db:"courier_fee"`
	Currency      Currency              `json:"currency" db:"currency"`
	Status        DeliveryStatus        `json:"status" db:"status"`
	PaymentStatus DeliveryPaymentStatus `json:"payment_status" db:"payment_status"`
	CreatedAt     time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at" db:"updated_at"`
}

// SubscriptionStatus is the subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionExpired SubscriptionStatus = "expired"
)

// Plan is a subscription plan. Price is in the smallest currency unit;
// zero-price plans are the free tier.
type Plan struct {
	ID           string   `json:"id" db:"id"`
	Name         string   `json:"name" db:"name"`
	Price        int64    `json:"price" db:"price"`
	Currency     Currency `json:"currency" db:"currency"`
	DurationDays int      `json:"duration_days" db:"duration_days"`
}

// Subscription is the single active plan record per user; renewals
// overwrite it with a recomputed expiry.
type Subscription struct {
	ID        uuid.UUID          `json:"id" db:"id"`
	UserID    uuid.UUID          `json:"user_id" db:"user_id"`
	PlanID    string             `json:"plan_id" db:"plan_id"`
	Status    SubscriptionStatus `json:"status" db:"status"`
	ExpiresAt time.Time          `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

// SubscriptionRequest links an external payment to a plan activation.
type SubscriptionRequest struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	UserID    uuid.UUID   `json:"user_id" db:"user_id"`
	PlanID    string      `json:"plan_id" db:"plan_id"`
	TxRef     string      `json:"tx_ref" db:"tx_ref"`
	Amount    int64       `json:"amount" db:"amount"`
	Currency  Currency    `json:"currency" db:"currency"`
	Status    TopUpStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// Courier is the delivery-courier profile relevant to assignment checks.
type Courier struct {
	ID          uuid.UUID `json:"id" db:"id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	City        string    `json:"city" db:"city"`
	CountryCode string    `json:"country_code" db:"country_code"`
	Active      bool      `json:"active" db:"active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// AuditLog records one operator-relevant event. Compensating reversals are
// logged as distinct events, never merged into the original operation.
type AuditLog struct {
	ID         uuid.UUID `json:"id" db:"id"`
	ActorID    *uuid.UUID `json:"actor_id,omitempty" db:"actor_id"`
	Action     string    `json:"action" db:"action"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	EntityID   string    `json:"entity_id" db:"entity_id"`
	Detail     Metadata  `json:"detail,omitempty" db:"detail"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
