// Package payment owns the payment-provider boundary: wallet top-up
// initiation and the webhook notification processor. Notifications are
// treated as at-least-once hints; the provider verification result is the
// source of truth, and the idempotency guard makes the effect exactly-once.
package payment

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/internal/idempotency"
	"medex/internal/ledger"
	"medex/internal/metrics"
	"medex/internal/money"
	"medex/pkg/config"
	"medex/pkg/errors"
	"medex/pkg/logger"
)

const (
	opNotification = "payment.notification"

	eventChargeCompleted = "charge.completed"
	eventChargeFailed    = "charge.failed"

	statusSuccessful = "successful"

	topUpExpiry = 30 * time.Minute
)

// TopUpRepository persists top-up requests.
type TopUpRepository interface {
	Create(ctx context.Context, topup *domain.TopUpRequest) error
	FindByTxRef(ctx context.Context, txRef string) (*domain.TopUpRequest, error)
	LockByTxRefTx(ctx context.Context, tx *sqlx.Tx, txRef string) (*domain.TopUpRequest, error)
	UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.TopUpStatus, reason string) error
}

// LedgerService applies the wallet credit on the processor's transaction.
type LedgerService interface {
	CreditTx(ctx context.Context, tx *sqlx.Tx, params ledger.MutationParams) (*domain.LedgerEntry, error)
}

// SubscriptionRequests resolves externally paid subscription requests.
type SubscriptionRequests interface {
	FindRequestByTxRef(ctx context.Context, txRef string) (*domain.SubscriptionRequest, error)
	UpdateRequestStatusTx(ctx context.Context, tx *sqlx.Tx, txRef string, status domain.TopUpStatus) error
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

// AuditRepository records operator-relevant payment events.
type AuditRepository interface {
	CreateTx(ctx context.Context, tx *sqlx.Tx, log *domain.AuditLog) error
}

type Service struct {
	tx       TxRunner
	topups   TopUpRepository
	ledger   LedgerService
	subs     SubscriptionRequests
	guard    IdempotencyGuard
	provider ProviderClient
	audit    AuditRepository
	cfg      config.ProviderConfig
	logger   logger.Logger
}

func NewService(
	tx TxRunner,
	topups TopUpRepository,
	ledgerSvc LedgerService,
	subs SubscriptionRequests,
	guard IdempotencyGuard,
	provider ProviderClient,
	audit AuditRepository,
	cfg config.ProviderConfig,
	log logger.Logger,
) *Service {
	return &Service{
		tx:       tx,
		topups:   topups,
		ledger:   ledgerSvc,
		subs:     subs,
		guard:    guard,
		provider: provider,
		audit:    audit,
		cfg:      cfg,
		logger:   log,
	}
}

type InitiateTopUpRequest struct {
	UserID        uuid.UUID       `json:"user_id" validate:"required"`
	Amount        int64           `json:"amount" validate:"required,gt=0"`
	Currency      domain.Currency `json:"currency" validate:"required,currency_code"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
	Phone         string          `json:"phone"`
}

// InitiateTopUp records a pending top-up before the provider is contacted.
// The request is resolved only by the notification processor.
func (s *Service) InitiateTopUp(ctx context.Context, req *InitiateTopUpRequest) (*domain.TopUpRequest, error) {
	if verr := money.ValidateAmount(req.Amount, req.Currency, 0, 0); verr != nil {
		return nil, errors.WithCode(errors.CodeInvalidArgument, verr)
	}

	now := time.Now()
	topup := &domain.TopUpRequest{
		ID:            uuid.New(),
		UserID:        req.UserID,
		TxRef:         "medex-topup-" + uuid.NewString(),
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Phone:         req.Phone,
		Status:        domain.TopUpStatusPending,
		ExpiresAt:     now.Add(topUpExpiry),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.topups.Create(ctx, topup); err != nil {
		return nil, err
	}

	s.logger.Info("top-up initiated", map[string]interface{}{
		"topup_id": topup.ID,
		"user_id":  req.UserID,
		"tx_ref":   topup.TxRef,
		"amount":   req.Amount,
		"currency": req.Currency,
	})
	return topup, nil
}

func (s *Service) GetTopUp(ctx context.Context, txRef string) (*domain.TopUpRequest, error) {
	return s.topups.FindByTxRef(ctx, txRef)
}

// VerifySignature authenticates a webhook delivery. The comparison is
// constant-time so the check leaks nothing about the secret.
func (s *Service) VerifySignature(signature string) error {
	if subtle.ConstantTimeCompare([]byte(signature), []byte(s.cfg.WebhookSecret)) != 1 {
		return errors.ErrInvalidSignature
	}
	return nil
}

// Notification is the webhook body shape the provider sends.
type Notification struct {
	Event string `json:"event"`
	Data  struct {
		ID       json.Number `json:"id"`
		TxRef    string      `json:"tx_ref"`
		Status   string      `json:"status"`
		Origin   string      `json:"origin"`
		Customer struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// ProcessNotification triages and applies one webhook delivery. Besides
// signature and shape failures, errors are internal: the caller still
// acknowledges the delivery and the provider's retry finds the idempotency
// record or retries the failed step.
func (s *Service) ProcessNotification(ctx context.Context, payload []byte) error {
	var notif Notification
	if err := json.Unmarshal(payload, &notif); err != nil {
		return errors.ErrMalformedPayload
	}
	if notif.Event == "" || notif.Data.ID.String() == "" || notif.Data.TxRef == "" {
		return errors.ErrMalformedPayload
	}

	// Notifications for other applications on the same provider account are
	// acknowledged and ignored.
	if notif.Data.Origin != "" && notif.Data.Origin != s.cfg.OriginTag {
		s.logger.Debug("ignoring notification from foreign origin", map[string]interface{}{
			"origin": notif.Data.Origin,
			"tx_ref": notif.Data.TxRef,
		})
		return nil
	}

	// Keyed by provider as well, so records from a second gateway could
	// never collide with this one's transaction IDs.
	idemKey := idempotency.Key(s.cfg.Name, notif.Data.ID.String(), notif.Event)

	switch notif.Event {
	case eventChargeFailed:
		err := s.handleChargeFailed(ctx, &notif, idemKey)
		metrics.NotificationsTotal.WithLabelValues(notif.Event, outcomeLabel(err)).Inc()
		return err
	case eventChargeCompleted:
		err := s.handleChargeCompleted(ctx, &notif, idemKey)
		metrics.NotificationsTotal.WithLabelValues(notif.Event, outcomeLabel(err)).Inc()
		return err
	default:
		s.logger.Info("ignoring unhandled notification event", map[string]interface{}{
			"event":  notif.Event,
			"tx_ref": notif.Data.TxRef,
		})
		return nil
	}
}

func (s *Service) handleChargeFailed(ctx context.Context, notif *Notification, idemKey string) error {
	return s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		done, err := s.guard.Check(ctx, tx, opNotification, idemKey)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		topup, err := s.topups.LockByTxRefTx(ctx, tx, notif.Data.TxRef)
		if err != nil {
			if errors.Is(err, errors.ErrTopUpNotFound) {
				// A failed subscription charge never activated anything.
				if uerr := s.subs.UpdateRequestStatusTx(ctx, tx, notif.Data.TxRef, domain.TopUpStatusFailed); uerr != nil {
					return uerr
				}
				return s.guard.Mark(ctx, tx, opNotification, idemKey, nil)
			}
			return err
		}
		if topup.Status == domain.TopUpStatusPending {
			if err := s.topups.UpdateStatusTx(ctx, tx, topup.ID, domain.TopUpStatusFailed, "provider reported charge failed"); err != nil {
				return err
			}
		}
		return s.guard.Mark(ctx, tx, opNotification, idemKey, nil)
	})
}

func (s *Service) handleChargeCompleted(ctx context.Context, notif *Notification, idemKey string) error {
	// Verification happens before the transaction opens. The webhook body is
	// only a hint; amounts and currency come from this result.
	verified, err := s.provider.VerifyTransaction(ctx, notif.Data.ID.String())
	if err != nil {
		s.logger.Error("provider verification failed", map[string]interface{}{
			"external_id": notif.Data.ID.String(),
			"error":       err.Error(),
		})
		return errors.ErrVerificationFault
	}

	if verified.Status != statusSuccessful {
		return s.markUnsuccessful(ctx, notif, verified, idemKey)
	}

	topup, err := s.topups.FindByTxRef(ctx, notif.Data.TxRef)
	if err == nil {
		return s.settleTopUp(ctx, topup.TxRef, verified, idemKey)
	}
	if !errors.Is(err, errors.ErrTopUpNotFound) {
		return err
	}

	if _, err := s.subs.FindRequestByTxRef(ctx, notif.Data.TxRef); err == nil {
		return s.settleSubscriptionPayment(ctx, notif.Data.TxRef, verified, idemKey)
	} else if !errors.Is(err, errors.ErrPaymentRequestMissing) {
		return err
	}

	s.logger.Warn("notification references unknown transaction", map[string]interface{}{
		"tx_ref": notif.Data.TxRef,
	})
	return nil
}

// markUnsuccessful records a completed-event whose verification did not
// come back successful. No money moves.
func (s *Service) markUnsuccessful(ctx context.Context, notif *Notification, verified *VerifiedTransaction, idemKey string) error {
	return s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		done, err := s.guard.Check(ctx, tx, opNotification, idemKey)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		topup, err := s.topups.LockByTxRefTx(ctx, tx, notif.Data.TxRef)
		if err != nil && !errors.Is(err, errors.ErrTopUpNotFound) {
			return err
		}
		if topup != nil && topup.Status == domain.TopUpStatusPending {
			if err := s.topups.UpdateStatusTx(ctx, tx, topup.ID, domain.TopUpStatusFailed, "verification status "+verified.Status); err != nil {
				return err
			}
		}
		return s.guard.Mark(ctx, tx, opNotification, idemKey, nil)
	})
}

// settleTopUp credits the wallet and resolves the top-up in one transaction.
func (s *Service) settleTopUp(ctx context.Context, txRef string, verified *VerifiedTransaction, idemKey string) error {
	return s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		done, err := s.guard.Check(ctx, tx, opNotification, idemKey)
		if err != nil {
			return err
		}
		if done {
			s.logger.Info("duplicate notification ignored", map[string]interface{}{
				"tx_ref": txRef, "idem_key": idemKey,
			})
			return nil
		}

		topup, err := s.topups.LockByTxRefTx(ctx, tx, txRef)
		if err != nil {
			return err
		}
		if topup.Status != domain.TopUpStatusPending {
			// A prior delivery settled this request under a different event
			// id. Record this key too so the retry storm stays quiet.
			return s.guard.Mark(ctx, tx, opNotification, idemKey, nil)
		}

		if verified.Currency != topup.Currency || verified.Amount != topup.Amount {
			s.logger.Error("verified amount does not match top-up request", map[string]interface{}{
				"tx_ref":          txRef,
				"expected_amount": topup.Amount,
				"verified_amount": verified.Amount,
			})
			if err := s.topups.UpdateStatusTx(ctx, tx, topup.ID, domain.TopUpStatusFailed, "verified amount mismatch"); err != nil {
				return err
			}
			return s.guard.Mark(ctx, tx, opNotification, idemKey, nil)
		}

		entry, err := s.ledger.CreditTx(ctx, tx, ledger.MutationParams{
			UserID:        topup.UserID,
			Amount:        verified.Amount,
			Currency:      verified.Currency,
			Type:          domain.EntryTopUp,
			Description:   "wallet top-up",
			ReferenceID:   topup.ID.String(),
			ReferenceType: "topup_request",
		})
		if err != nil {
			return err
		}
		if err := s.topups.UpdateStatusTx(ctx, tx, topup.ID, domain.TopUpStatusCompleted, ""); err != nil {
			return err
		}
		if err := s.guard.Mark(ctx, tx, opNotification, idemKey, domain.Metadata{
			"ledger_entry_id": entry.ID.String(),
		}); err != nil {
			return err
		}
		return s.audit.CreateTx(ctx, tx, &domain.AuditLog{
			Action:     "topup.completed",
			EntityType: "topup_request",
			EntityID:   topup.ID.String(),
			Detail: domain.Metadata{
				"tx_ref": txRef,
				"amount": verified.Amount,
			},
		})
	})
}

// settleSubscriptionPayment marks the payment request completed. Activation
// itself happens when the subscriber calls the activation operation.
func (s *Service) settleSubscriptionPayment(ctx context.Context, txRef string, verified *VerifiedTransaction, idemKey string) error {
	return s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		done, err := s.guard.Check(ctx, tx, opNotification, idemKey)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := s.subs.UpdateRequestStatusTx(ctx, tx, txRef, domain.TopUpStatusCompleted); err != nil {
			return err
		}
		if err := s.guard.Mark(ctx, tx, opNotification, idemKey, nil); err != nil {
			return err
		}
		return s.audit.CreateTx(ctx, tx, &domain.AuditLog{
			Action:     "subscription_payment.completed",
			EntityType: "subscription_request",
			EntityID:   txRef,
			Detail: domain.Metadata{
				"amount":   verified.Amount,
				"currency": verified.Currency,
			},
		})
	})
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "processed"
}
