/*
store.go - Persistence interface for cost lots

PURPOSE:
  Defines the boundary between the ledger and the database. The ledger only
  needs simple CRUD composed inside a transaction; implementations choose
  their own representation as long as every Lot field round-trips.

KEY INTERFACES:
  Store:      Lot CRUD (find, get, create, update count/price, delete)
  TxStore:    Store + WithTx for atomic read-plan-write cycles
  StatsStore: Cost aggregates written by the recompute job

LOCKING:
  FindLots with LotFilter.ForUpdate asks the engine for row-level locks on
  the lot set (SELECT ... FOR UPDATE where supported). Engines without row
  locks serialize writers inside WithTx instead.

IMPLEMENTATIONS:
  - costlot/store/memory.go: In-memory, snapshot rollback (tests/dev)
  - store/sqlite/sqlite.go:  SQLite via database/sql
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - ledger.go: Uses TxStore inside every persisted operation
  - recompute/worker.go: Reads lots by subject, writes CostStats
*/
package costlot

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Lot persistence
// =============================================================================

// LotFilter narrows FindLots.
type LotFilter struct {
	// UnitPrice returns only lots at this price.
	UnitPrice *int64

	// ExcludeHierarchical skips lots that carry children.
	ExcludeHierarchical bool

	// ForUpdate locks the returned rows, and on engines that can the key
	// itself, until the transaction ends.
	ForUpdate bool
}

// Store handles persistence of lots. All methods may run inside WithTx.
type Store interface {
	// FindLots returns the lots of one key, in storage order.
	FindLots(ctx context.Context, key Key, filter LotFilter) ([]Lot, error)

	// FindLotsBySubject returns every lot of a subject across all scopes.
	FindLotsBySubject(ctx context.Context, subject SubjectID) ([]Lot, error)

	// GetLot returns ErrLotNotFound when the id does not exist.
	GetLot(ctx context.Context, id LotID) (Lot, error)

	CreateLot(ctx context.Context, lot Lot) error

	// UpdateLotCount and UpdateLotPrice return ErrLotNotFound for unknown ids.
	UpdateLotCount(ctx context.Context, id LotID, count int64) error
	UpdateLotPrice(ctx context.Context, id LotID, unitPrice int64) error

	// DeleteLots returns ErrLotNotFound if any id is unknown; nothing is
	// deleted in that case when run inside WithTx.
	DeleteLots(ctx context.Context, ids []LotID) error

	// ListSubjects returns every subject that has at least one lot.
	ListSubjects(ctx context.Context) ([]SubjectID, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// STATS STORE - Display-level aggregates
// =============================================================================

// CostStats summarizes the lots of a subject. Written only by the recompute
// job; never read back by the ledger.
type CostStats struct {
	SubjectID    SubjectID
	LotCount     int
	ItemCount    int64
	TotalCost    int64
	AverageCost  decimal.Decimal
	MinUnitPrice int64
	MaxUnitPrice int64
	ComputedAt   time.Time
}

type StatsStore interface {
	SaveStats(ctx context.Context, stats CostStats) error

	// GetStats returns (nil, nil) when nothing was computed yet.
	GetStats(ctx context.Context, subject SubjectID) (*CostStats, error)

	// ListStatsSubjects returns every subject with stored stats, including
	// subjects that no longer have lots.
	ListStatsSubjects(ctx context.Context) ([]SubjectID, error)
}

// =============================================================================
// COLLABORATORS - Lock and post-commit trigger
// =============================================================================

// Locker serializes read-plan-write cycles on one key. Different keys must
// never contend.
type Locker interface {
	// Lock blocks until the key is held or ctx ends. The returned func
	// releases it and is safe to call once.
	Lock(ctx context.Context, key Key) (unlock func(), err error)
}

// RecomputeTrigger schedules an aggregate recompute for a subject. Called
// only after a committed write changed that subject's lots. Implementations
// must not block and must tolerate duplicates.
type RecomputeTrigger interface {
	Trigger(ctx context.Context, subject SubjectID)
}

// RecomputeFunc adapts a function to RecomputeTrigger.
type RecomputeFunc func(ctx context.Context, subject SubjectID)

func (f RecomputeFunc) Trigger(ctx context.Context, subject SubjectID) { f(ctx, subject) }
