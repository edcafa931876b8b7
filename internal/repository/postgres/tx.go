// Package postgres implements the persistence layer on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"medex/pkg/errors"
)

// RunInTx executes fn inside a single database transaction. The transaction
// is rolled back if fn returns an error or panics. Money-moving operations
// re-read state with FOR UPDATE inside fn and re-validate invariants before
// writing.
func RunInTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// TxRunner lets services run transactional units without holding the *sqlx.DB
// themselves. Tests substitute a fake that invokes fn directly.
type TxRunner struct {
	db *sqlx.DB
}

func NewTxRunner(db *sqlx.DB) *TxRunner {
	return &TxRunner{db: db}
}

func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return RunInTx(ctx, r.db, fn)
}
