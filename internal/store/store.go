package store

import (
	"context"
	"errors"

	"github.com/roach88/isocheck/internal/isolation"
)

//go:generate mockgen -source=store.go -destination=../txn/mock_store_test.go -package=txn

var (
	// ErrSerialization marks a store abort caused by a concurrency conflict.
	ErrSerialization = errors.New("could not serialize access due to concurrent update")

	// ErrTxDone is returned by any operation on a committed or rolled back Tx.
	ErrTxDone = errors.New("transaction has already been committed or rolled back")

	// ErrUnknownTable is returned when a statement names a table the store
	// was never seeded with.
	ErrUnknownTable = errors.New("unknown table")

	// ErrRowLocked is returned when a write targets a row that another
	// active transaction has already written.
	ErrRowLocked = errors.New("row is locked by a concurrent transaction")
)

// Store is a transactional row store.
type Store interface {
	// Seed creates table and inserts rows outside of any harness
	// transaction. Rows are committed when Seed returns.
	Seed(ctx context.Context, table Table, rows []map[string]any) error

	// Begin starts a transaction at the given isolation level.
	Begin(ctx context.Context, level isolation.Level) (Tx, error)

	Close() error
}

// Tx is one transaction on a Store.
type Tx interface {
	// Read returns the rows matching p, ordered by id.
	Read(ctx context.Context, p Predicate) ([]Row, error)

	// Write applies w and returns the ids of the affected rows.
	Write(ctx context.Context, w Write) ([]int64, error)

	Aggregate(ctx context.Context, a Aggregate) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Opener creates a fresh, empty store. The harness opens one per scenario
// run so no state leaks between runs.
type Opener func(ctx context.Context) (Store, error)
