// Package idempotency provides the transactional duplicate-effect guard.
// A guarded operation checks for its (operation, key) record, applies its
// effect, and marks the record, all inside one database transaction. A
// retry of a committed operation sees the record and becomes a no-op.
package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"medex/internal/domain"
)

// Repository is the storage behind the guard.
type Repository interface {
	ExistsTx(ctx context.Context, tx *sqlx.Tx, operation, key string) (bool, error)
	InsertTx(ctx context.Context, tx *sqlx.Tx, rec *domain.IdempotencyRecord) error
}

type Guard struct {
	repo Repository
}

func NewGuard(repo Repository) *Guard {
	return &Guard{repo: repo}
}

// Check reports whether the effect keyed by (operation, key) has already
// committed. It must run on the same transaction as the effect.
func (g *Guard) Check(ctx context.Context, tx *sqlx.Tx, operation, key string) (bool, error) {
	return g.repo.ExistsTx(ctx, tx, operation, key)
}

// Mark records the effect as committed. A unique violation surfaces as
// ErrDuplicateTxRef, which callers treat as a concurrent duplicate.
func (g *Guard) Mark(ctx context.Context, tx *sqlx.Tx, operation, key string, metadata domain.Metadata) error {
	return g.repo.InsertTx(ctx, tx, &domain.IdempotencyRecord{
		Operation: operation,
		Key:       key,
		Metadata:  metadata,
	})
}

// Key joins key parts with a separator that never appears in UUIDs or
// transaction references.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// PeriodKey renders t at calendar-day granularity in UTC. Subscription
// activation uses it so one payment cannot activate twice in a day but a
// deliberate renewal the next day still can.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
