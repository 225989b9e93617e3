// Package memstore is an in-memory reference implementation of the store
// contract.
//
// Rows are kept in a B-tree keyed by row id, each holding a chain of
// versions newest first. Visibility follows the usual snapshot rules:
// ReadCommitted takes a fresh snapshot per statement, RepeatableRead and
// Serializable take one at the transaction's first statement and keep it.
// Serializable commits additionally go through conflict.Model, so the first
// committer wins.
//
// The store can be told to misbehave (see WithReadUncommitted and
// WithForcedLevel) so the oracle has something to catch.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/btree"

	"github.com/roach88/isocheck/internal/conflict"
	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
)

// version is one state of a row. commitTS is zero until the writing
// transaction commits.
type version struct {
	values   map[string]any
	deleted  bool
	txID     int64
	commitTS int64
	prev     *version
}

type table struct {
	schema store.Table
	rows   btree.Map[int64, *version]
	nextID int64
}

// Store is an in-memory transactional row store.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
	ts     int64
	nextTx int64
	model  *conflict.Model
	closed bool

	readUncommitted bool
	forcedLevel     isolation.Level
}

// Option configures a Store.
type Option func(*Store)

// WithReadUncommitted makes every transaction see the newest version of a
// row, committed or not. This breaks every isolation level.
func WithReadUncommitted() Option {
	return func(s *Store) { s.readUncommitted = true }
}

// WithForcedLevel makes every transaction run at level, whatever level it
// asked for.
func WithForcedLevel(level isolation.Level) Option {
	return func(s *Store) { s.forcedLevel = level }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tables: make(map[string]*table),
		model:  conflict.NewModel(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Opener returns a store.Opener producing a fresh Store per call.
func Opener(opts ...Option) store.Opener {
	return func(ctx context.Context) (store.Store, error) {
		return New(opts...), nil
	}
}

// Seed creates the table and commits rows with ids 1..n.
func (s *Store) Seed(ctx context.Context, schema store.Table, rows []map[string]any) error {
	if err := schema.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("memstore: store is closed")
	}
	if _, ok := s.tables[schema.Name]; ok {
		return fmt.Errorf("memstore: table %s already exists", schema.Name)
	}

	t := &table{schema: schema}
	s.ts++
	for i, r := range rows {
		values, err := schema.CheckValues(r, true)
		if err != nil {
			return fmt.Errorf("memstore: seed row %d: %w", i, err)
		}
		t.nextID++
		t.rows.Set(t.nextID, &version{values: values, commitTS: s.ts})
	}
	s.tables[schema.Name] = t
	return nil
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context, level isolation.Level) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !level.Valid() {
		return nil, fmt.Errorf("memstore: invalid isolation level %d", level)
	}
	if s.forcedLevel.Valid() {
		level = s.forcedLevel
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("memstore: store is closed")
	}
	s.nextTx++
	return &Tx{
		s:       s,
		id:      s.nextTx,
		name:    fmt.Sprintf("mem-%d", s.nextTx),
		level:   level,
		written: make(map[string][]int64),
	}, nil
}

// Close releases the store. Open transactions fail afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) table(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("memstore: %s: %w", name, store.ErrUnknownTable)
	}
	return t, nil
}
