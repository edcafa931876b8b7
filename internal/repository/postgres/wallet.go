package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/pkg/errors"
)

type WalletRepository struct {
	db *sqlx.DB
}

func NewWalletRepository(db *sqlx.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) Create(ctx context.Context, wallet *domain.Wallet) error {
	query := `
		INSERT INTO wallets (
			id, user_id, balance, currency, created_at, updated_at
		) VALUES (
			:id, :user_id, :balance, :currency, :created_at, :updated_at
		)
	`
	_, err := r.db.NamedExecContext(ctx, query, wallet)
	return errors.Wrap(err, "failed to create wallet")
}

func (r *WalletRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	wallet := &domain.Wallet{}
	query := `SELECT * FROM wallets WHERE id = $1`
	err := r.db.GetContext(ctx, wallet, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrWalletNotFound
		}
		return nil, errors.Wrap(err, "failed to find wallet by id")
	}
	return wallet, nil
}

func (r *WalletRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	wallet := &domain.Wallet{}
	query := `SELECT * FROM wallets WHERE user_id = $1`
	err := r.db.GetContext(ctx, wallet, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrWalletNotFound
		}
		return nil, errors.Wrap(err, "failed to find wallet by user id")
	}
	return wallet, nil
}

// LockByUserID re-reads a wallet inside tx with a row lock so the balance
// observed is the balance mutated.
func (r *WalletRepository) LockByUserID(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) (*domain.Wallet, error) {
	wallet := &domain.Wallet{}
	query := `SELECT * FROM wallets WHERE user_id = $1 FOR UPDATE`
	err := tx.GetContext(ctx, wallet, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrWalletNotFound
		}
		return nil, errors.Wrap(err, "failed to lock wallet")
	}
	return wallet, nil
}

// SetBalance writes a new balance inside tx. The WHERE guard keeps a
// committed balance from ever going negative even under a stale read.
func (r *WalletRepository) SetBalance(ctx context.Context, tx *sqlx.Tx, walletID uuid.UUID, balance int64) error {
	if balance < 0 {
		return errors.ErrInsufficientBalance
	}
	query := `UPDATE wallets SET balance = $1, updated_at = $2 WHERE id = $3 AND $1 >= 0`
	result, err := tx.ExecContext(ctx, query, balance, time.Now(), walletID)
	if err != nil {
		return errors.Wrap(err, "failed to update wallet balance")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrWalletNotFound
	}
	return nil
}
