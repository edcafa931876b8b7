// Package ledger implements the wallet balance engine and its append-only
// ledger. Every balance mutation and the entry recording it commit in one
// database transaction.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/internal/metrics"
	"medex/internal/money"
	"medex/pkg/errors"
	"medex/pkg/logger"
)

// WalletRepository is the wallet persistence the engine needs.
type WalletRepository interface {
	Create(ctx context.Context, wallet *domain.Wallet) error
	FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	LockByUserID(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) (*domain.Wallet, error)
	SetBalance(ctx context.Context, tx *sqlx.Tx, walletID uuid.UUID, balance int64) error
}

// EntryRepository is the append-only entry store.
type EntryRepository interface {
	AppendTx(ctx context.Context, tx *sqlx.Tx, entry *domain.LedgerEntry) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error)
	FindByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error)
	FindByReference(ctx context.Context, referenceType, referenceID string) ([]*domain.LedgerEntry, error)
	CountByUserID(ctx context.Context, userID uuid.UUID) (int, error)
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

type Service struct {
	tx      TxRunner
	wallets WalletRepository
	entries EntryRepository
	guard   IdempotencyGuard
	logger  logger.Logger
}

func NewService(tx TxRunner, wallets WalletRepository, entries EntryRepository, guard IdempotencyGuard, log logger.Logger) *Service {
	return &Service{
		tx:      tx,
		wallets: wallets,
		entries: entries,
		guard:   guard,
		logger:  log,
	}
}

// MutationParams describes one balance mutation. IdempotencyOp/Key are
// optional; when set, a repeated mutation with the same pair is rejected
// with ErrDuplicateTxRef before any state changes.
type MutationParams struct {
	UserID        uuid.UUID
	Amount        int64
	Currency      domain.Currency
	Type          domain.LedgerEntryType
	Description   string
	ReferenceID   string
	ReferenceType string
	Metadata      domain.Metadata

	IdempotencyOp  string
	IdempotencyKey string
}

func (p MutationParams) validate() error {
	if verr := money.ValidateAmount(p.Amount, p.Currency, 0, 0); verr != nil {
		return errors.WithCode(errors.CodeInvalidArgument, verr)
	}
	if p.Type == "" {
		return errors.ErrInvalidAmount
	}
	return nil
}

// CreateWallet provisions a wallet for a user in the given currency.
func (s *Service) CreateWallet(ctx context.Context, userID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	if !money.Supported(currency) {
		return nil, errors.ErrInvalidCurrency
	}
	if _, err := s.wallets.FindByUserID(ctx, userID); err == nil {
		return nil, errors.ErrWalletAlreadyExists
	} else if !errors.Is(err, errors.ErrWalletNotFound) {
		return nil, err
	}

	now := time.Now()
	wallet := &domain.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Balance:   0,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.wallets.Create(ctx, wallet); err != nil {
		return nil, err
	}

	s.logger.Info("wallet created", map[string]interface{}{
		"wallet_id": wallet.ID,
		"user_id":   userID,
		"currency":  currency,
	})
	return wallet, nil
}

func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	return s.wallets.FindByUserID(ctx, userID)
}

func (s *Service) GetEntry(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	return s.entries.FindByID(ctx, id)
}

// ListEntries returns a page of a user's ledger history, newest first,
// together with the total count.
func (s *Service) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := s.entries.FindByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	count, err := s.entries.CountByUserID(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return entries, count, nil
}

// Credit adds funds to a wallet in its own transaction.
func (s *Service) Credit(ctx context.Context, params MutationParams) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = s.CreditTx(ctx, tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit removes funds from a wallet in its own transaction.
func (s *Service) Debit(ctx context.Context, params MutationParams) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := s.tx.RunInTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = s.DebitTx(ctx, tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Refund credits funds back referencing the original entry. The original is
// never modified.
func (s *Service) Refund(ctx context.Context, original *domain.LedgerEntry, params MutationParams) (*domain.LedgerEntry, error) {
	params.Type = domain.EntryRefund
	if params.ReferenceID == "" {
		params.ReferenceID = original.ID.String()
		params.ReferenceType = "ledger_entry"
	}
	return s.Credit(ctx, params)
}

// CreditTx applies a credit on the caller's transaction. Used by workflows
// that must commit the credit together with their own state change.
func (s *Service) CreditTx(ctx context.Context, tx *sqlx.Tx, params MutationParams) (*domain.LedgerEntry, error) {
	return s.mutate(ctx, tx, params, false)
}

// DebitTx applies a debit on the caller's transaction.
func (s *Service) DebitTx(ctx context.Context, tx *sqlx.Tx, params MutationParams) (*domain.LedgerEntry, error) {
	return s.mutate(ctx, tx, params, true)
}

func (s *Service) mutate(ctx context.Context, tx *sqlx.Tx, params MutationParams, debit bool) (*domain.LedgerEntry, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	if params.IdempotencyKey != "" {
		done, err := s.guard.Check(ctx, tx, params.IdempotencyOp, params.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if done {
			return nil, errors.ErrDuplicateTxRef
		}
	}

	wallet, err := s.wallets.LockByUserID(ctx, tx, params.UserID)
	if err != nil {
		return nil, err
	}
	if wallet.Currency != params.Currency {
		return nil, errors.ErrCurrencyMismatch
	}

	newBalance := wallet.Balance + params.Amount
	if debit {
		if wallet.Balance < params.Amount {
			return nil, errors.ErrInsufficientBalance
		}
		newBalance = wallet.Balance - params.Amount
	}

	if err := s.wallets.SetBalance(ctx, tx, wallet.ID, newBalance); err != nil {
		return nil, err
	}

	entry := &domain.LedgerEntry{
		ID:            uuid.New(),
		UserID:        params.UserID,
		Type:          params.Type,
		Amount:        params.Amount,
		Currency:      params.Currency,
		Status:        domain.EntryStatusCompleted,
		BalanceAfter:  newBalance,
		Description:   params.Description,
		ReferenceID:   params.ReferenceID,
		ReferenceType: params.ReferenceType,
		Metadata:      params.Metadata,
		CreatedAt:     time.Now(),
	}
	if err := s.entries.AppendTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if params.IdempotencyKey != "" {
		if err := s.guard.Mark(ctx, tx, params.IdempotencyOp, params.IdempotencyKey, domain.Metadata{
			"ledger_entry_id": entry.ID.String(),
		}); err != nil {
			return nil, err
		}
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(params.Type)).Inc()
	s.logger.Info("ledger entry appended", map[string]interface{}{
		"entry_id":      entry.ID,
		"user_id":       params.UserID,
		"entry_type":    params.Type,
		"amount":        params.Amount,
		"currency":      params.Currency,
		"balance_after": newBalance,
	})
	return entry, nil
}
