package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
	"medex/pkg/errors"
)

// LedgerRepository persists the append-only ledger. Entries are inserted
// exactly once and never updated or deleted; corrections are new entries
// referencing the original.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const insertEntryQuery = `
	INSERT INTO ledger_entries (
		id, user_id, entry_type, amount, currency, status, balance_after,
		description, reference_id, reference_type, metadata, created_at
	) VALUES (
		:id, :user_id, :entry_type, :amount, :currency, :status, :balance_after,
		:description, :reference_id, :reference_type, :metadata, :created_at
	)
`

// AppendTx appends an entry inside an existing transaction so the entry
// commits with the balance mutation it records.
func (r *LedgerRepository) AppendTx(ctx context.Context, tx *sqlx.Tx, entry *domain.LedgerEntry) error {
	_, err := tx.NamedExecContext(ctx, insertEntryQuery, entry)
	return errors.Wrap(err, "failed to append ledger entry")
}

func (r *LedgerRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	entry := &domain.LedgerEntry{}
	query := `SELECT * FROM ledger_entries WHERE id = $1`
	err := r.db.GetContext(ctx, entry, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.WithCode(errors.CodeNotFound, err)
		}
		return nil, errors.Wrap(err, "failed to find ledger entry")
	}
	return entry, nil
}

func (r *LedgerRepository) FindByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	query := `SELECT * FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	err := r.db.SelectContext(ctx, &entries, query, userID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ledger entries")
	}
	return entries, nil
}

func (r *LedgerRepository) FindByReference(ctx context.Context, referenceType, referenceID string) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	query := `SELECT * FROM ledger_entries WHERE reference_type = $1 AND reference_id = $2 ORDER BY created_at ASC`
	err := r.db.SelectContext(ctx, &entries, query, referenceType, referenceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find entries by reference")
	}
	return entries, nil
}

func (r *LedgerRepository) CountByUserID(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1`
	err := r.db.GetContext(ctx, &count, query, userID)
	return count, errors.Wrap(err, "failed to count ledger entries")
}
