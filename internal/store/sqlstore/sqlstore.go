package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
)

// Classifier maps a driver error to a store error. It returns an error
// wrapping store.ErrSerialization for concurrency aborts and err unchanged
// otherwise.
type Classifier func(err error) error

// ClassifySQLite treats SQLITE_BUSY and its extended codes as
// serialization failures.
func ClassifySQLite(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrBusy {
		return fmt.Errorf("%w: %w", store.ErrSerialization, err)
	}
	return err
}

// Store is a store.Store over a *sql.DB.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	classify Classifier

	mu     sync.RWMutex
	tables map[string]store.Table
}

// Option configures a Store.
type Option func(*Store)

// WithClassifier sets the driver error classifier.
func WithClassifier(c Classifier) Option {
	return func(s *Store) { s.classify = c }
}

// WithDialect sets the SQL dialect. The default is SQLite.
func WithDialect(d Dialect) Option {
	return func(s *Store) { s.dialect = d }
}

// New wraps an open database. The Store takes ownership of db.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		dialect:  SQLite,
		classify: func(err error) error { return err },
		tables:   make(map[string]store.Table),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects with driverName and dsn and verifies the connection.
func Open(ctx context.Context, driverName, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db, opts...), nil
}

// OpenSQLite creates or opens a SQLite database file at path.
//
// Every transaction holds its own connection, so the pool is not limited
// to a single writer: concurrent transactions are the point.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=deferred"
	opts = append([]Option{WithClassifier(ClassifySQLite), WithDialect(SQLite)}, opts...)
	s, err := Open(ctx, "sqlite3", dsn, opts...)
	if err != nil {
		return nil, err
	}

	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to read journal mode: %w", err)
	}
	if mode != "wal" {
		s.Close()
		return nil, fmt.Errorf("journal mode is %q, want wal", mode)
	}
	return s, nil
}

// SQLiteOpener returns an Opener creating a new database file in dir per
// call.
func SQLiteOpener(dir string, opts ...Option) store.Opener {
	return func(ctx context.Context) (store.Store, error) {
		path := filepath.Join(dir, uuid.Must(uuid.NewV7()).String()+".db")
		return OpenSQLite(ctx, path, opts...)
	}
}

// Seed drops and recreates the table, then inserts rows in one
// transaction.
func (s *Store) Seed(ctx context.Context, t store.Table, rows []map[string]any) error {
	if err := t.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seed %s: %w", t.Name, err)
	}
	defer tx.Rollback()

	for _, ddl := range s.dialect.createTable(t) {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("seed %s: %q: %w", t.Name, ddl, err)
		}
	}
	for i, r := range rows {
		w, err := store.Write{Kind: store.WriteInsert, Table: t.Name, Values: r}.Check(t)
		if err != nil {
			return fmt.Errorf("seed row %d: %w", i, err)
		}
		q := s.dialect.write(w)
		if _, err := tx.ExecContext(ctx, q.sql, q.args...); err != nil {
			return fmt.Errorf("seed row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("seed %s: %w", t.Name, err)
	}

	s.mu.Lock()
	s.tables[t.Name] = t
	s.mu.Unlock()
	return nil
}

// Begin starts a transaction at level.
func (s *Store) Begin(ctx context.Context, level isolation.Level) (store.Tx, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("invalid isolation level %d", level)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: level.SQL()})
	if err != nil {
		return nil, s.classify(err)
	}
	return &Tx{s: s, tx: tx}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database for direct queries in tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) table(name string) (store.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return store.Table{}, fmt.Errorf("%s: %w", name, store.ErrUnknownTable)
	}
	return t, nil
}
