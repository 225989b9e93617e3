package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
)

var accounts = store.Table{
	Name: "accounts",
	Columns: []store.Column{
		{Name: "owner", Type: store.ColumnText},
		{Name: "balance", Type: store.ColumnInt},
	},
}

func openSeeded(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "isocheck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Seed(ctx, accounts, []map[string]any{
		{"owner": "A", "balance": 100},
		{"owner": "B", "balance": 200},
		{"owner": "C", "balance": 300},
	}))
	return s
}

func begin(t *testing.T, s *Store, level isolation.Level) store.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background(), level)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback(context.Background()) })
	return tx
}

func TestOpenSQLiteUsesWAL(t *testing.T) {
	s := openSeeded(t)

	var mode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestReadWriteAggregate(t *testing.T) {
	ctx := context.Background()
	s := openSeeded(t)
	tx := begin(t, s, isolation.Serializable)

	rows, err := tx.Read(ctx, store.Predicate{Table: "accounts"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, store.Row{ID: 1, Values: map[string]any{"owner": "A", "balance": int64(100)}}, rows[0])

	sum, err := tx.Aggregate(ctx, store.Aggregate{Func: store.AggSum, Table: "accounts", Column: "balance"})
	require.NoError(t, err)
	assert.Equal(t, int64(600), sum)

	ids, err := tx.Write(ctx, store.Write{Kind: store.WriteInsert, Table: "accounts", Values: map[string]any{"owner": "sum", "balance": 600}})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, ids)

	ids, err = tx.Write(ctx, store.Write{Kind: store.WriteUpdate, Table: "accounts", Values: map[string]any{"balance": 0}, Where: map[string]any{"owner": "B"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	ids, err = tx.Write(ctx, store.Write{Kind: store.WriteDelete, Table: "accounts", Where: map[string]any{"owner": "C"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)

	count, err := tx.Aggregate(ctx, store.Aggregate{Func: store.AggCount, Table: "accounts"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), store.ErrTxDone)
}

func TestUnknownTable(t *testing.T) {
	s := openSeeded(t)
	tx := begin(t, s, isolation.Serializable)

	_, err := tx.Read(context.Background(), store.Predicate{Table: "ledger"})
	assert.ErrorIs(t, err, store.ErrUnknownTable)
}

// SQLite readers keep their WAL snapshot, so a committed update between
// two reads is not visible.
func TestSnapshotHidesCommittedUpdate(t *testing.T) {
	ctx := context.Background()
	s := openSeeded(t)
	byOwner := store.Predicate{Table: "accounts", Where: map[string]any{"owner": "A"}}

	reader := begin(t, s, isolation.Serializable)
	rows, err := reader.Read(ctx, byOwner)
	require.NoError(t, err)
	require.Equal(t, int64(100), rows[0].Values["balance"])

	writer := begin(t, s, isolation.Serializable)
	_, err = writer.Write(ctx, store.Write{Kind: store.WriteUpdate, Table: "accounts", Values: map[string]any{"balance": 300}, Where: map[string]any{"owner": "A"}})
	require.NoError(t, err)
	require.NoError(t, writer.Commit(ctx))

	rows, err = reader.Read(ctx, byOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rows[0].Values["balance"])
	require.NoError(t, reader.Commit(ctx))
}

func TestWriteSkewIsSerializationFailure(t *testing.T) {
	ctx := context.Background()
	s := openSeeded(t)
	sum := store.Aggregate{Func: store.AggSum, Table: "accounts", Column: "balance"}
	insert := store.Write{Kind: store.WriteInsert, Table: "accounts", Values: map[string]any{"owner": "sum", "balance": 600}}

	t1 := begin(t, s, isolation.Serializable)
	t2 := begin(t, s, isolation.Serializable)
	for _, tx := range []store.Tx{t1, t2} {
		n, err := tx.Aggregate(ctx, sum)
		require.NoError(t, err)
		require.Equal(t, int64(600), n)
	}

	_, err := t1.Write(ctx, insert)
	require.NoError(t, err)
	require.NoError(t, t1.Commit(ctx))

	_, err = t2.Write(ctx, insert)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrSerialization)
}

func TestClassifySQLite(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy, ExtendedCode: sqlite3.ErrBusySnapshot}
	assert.ErrorIs(t, ClassifySQLite(busy), store.ErrSerialization)

	constraint := sqlite3.Error{Code: sqlite3.ErrConstraint}
	assert.False(t, errors.Is(ClassifySQLite(constraint), store.ErrSerialization))

	plain := errors.New("boom")
	assert.Equal(t, plain, ClassifySQLite(plain))
}

func TestSQLiteOpenerCreatesFreshDatabases(t *testing.T) {
	ctx := context.Background()
	open := SQLiteOpener(t.TempDir())

	first, err := open(ctx)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Seed(ctx, accounts, []map[string]any{{"owner": "A", "balance": 1}}))

	second, err := open(ctx)
	require.NoError(t, err)
	defer second.Close()

	tx, err := second.Begin(ctx, isolation.Serializable)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	_, err = tx.Read(ctx, store.Predicate{Table: "accounts"})
	assert.ErrorIs(t, err, store.ErrUnknownTable)
}
