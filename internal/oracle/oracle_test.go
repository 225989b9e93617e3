package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/isocheck/internal/clock"
	"github.com/roach88/isocheck/internal/conflict"
	"github.com/roach88/isocheck/internal/interleave"
	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
	"github.com/roach88/isocheck/internal/store/memstore"
	"github.com/roach88/isocheck/internal/txn"
)

var accounts = store.Table{
	Name: "accounts",
	Columns: []store.Column{
		{Name: "owner", Type: store.ColumnText},
		{Name: "balance", Type: store.ColumnInt},
	},
}

var all = store.Predicate{Table: "accounts"}

// fixture runs transactions against a seeded memstore. Interleavings are
// produced by running one transaction inside another's body, which is
// deterministic without goroutines.
type fixture struct {
	t       *testing.T
	env     txn.Env
	seed    store.Snapshot
	handles []*txn.Handle
}

func newFixture(t *testing.T, rows []map[string]any, opts ...memstore.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memstore.New(opts...)
	require.NoError(t, s.Seed(ctx, accounts, rows))

	env := txn.Env{
		Store:       s,
		Coordinator: interleave.New(time.Second),
		Clock:       clock.New(),
		Tables:      map[string]store.Table{"accounts": accounts},
	}

	stx, err := s.Begin(ctx, isolation.Serializable)
	require.NoError(t, err)
	seedRows, err := stx.Read(ctx, all)
	require.NoError(t, err)
	require.NoError(t, stx.Commit(ctx))
	seed, err := store.NewSnapshot(accounts, "", "@seed", env.Clock.Next(), all, seedRows)
	require.NoError(t, err)

	return &fixture{t: t, env: env, seed: seed}
}

func (f *fixture) run(id string, level isolation.Level, body txn.Body) error {
	h, err := txn.Run(context.Background(), f.env, id, level, body)
	f.handles = append(f.handles, h)
	return err
}

func (f *fixture) history() *History {
	return NewHistory([]store.Snapshot{f.seed}, f.handles)
}

func twoRows() []map[string]any {
	return []map[string]any{
		{"owner": "A", "balance": 100},
		{"owner": "B", "balance": 200},
	}
}

func threeRows() []map[string]any {
	return []map[string]any{
		{"owner": "A", "balance": 100},
		{"owner": "B", "balance": 200},
		{"owner": "C", "balance": 300},
	}
}

func updateA(level isolation.Level, f *fixture) error {
	return f.run("t2", level, func(ctx context.Context, tx *txn.Tx) error {
		_, err := tx.Update(ctx, "accounts", map[string]any{"balance": 300}, map[string]any{"owner": "A"})
		return err
	})
}

func nonrepeatable(t *testing.T, level isolation.Level, opts ...memstore.Option) *History {
	f := newFixture(t, twoRows(), opts...)
	err := f.run("t1", level, func(ctx context.Context, tx *txn.Tx) error {
		if _, err := tx.Capture(ctx, "first", all); err != nil {
			return err
		}
		require.NoError(t, updateA(level, f))
		_, err := tx.Capture(ctx, "second", all)
		return err
	})
	require.NoError(t, err)
	return f.history()
}

func TestNonrepeatableReadMatrix(t *testing.T) {
	for _, level := range isolation.Levels {
		t.Run(level.String(), func(t *testing.T) {
			obs := nonrepeatable(t, level).Observe()
			if level == isolation.ReadCommitted {
				require.Len(t, obs, 1)
				assert.Equal(t, isolation.NonrepeatableRead, obs[0].Phenomenon)
				assert.Equal(t, "t1", obs[0].TxID)
				assert.Equal(t, "t2", obs[0].Other)
				assert.Contains(t, obs[0].Reason, `row 1 changed from {"balance":100,"owner":"A"} (first) to {"balance":300,"owner":"A"} (second)`)
			} else {
				assert.Empty(t, obs)
			}
		})
	}
}

func phantom(t *testing.T, level isolation.Level, opts ...memstore.Option) *History {
	f := newFixture(t, twoRows(), opts...)
	err := f.run("t1", level, func(ctx context.Context, tx *txn.Tx) error {
		if _, err := tx.Capture(ctx, "first", all); err != nil {
			return err
		}
		require.NoError(t, f.run("t2", level, func(ctx context.Context, tx *txn.Tx) error {
			_, err := tx.Insert(ctx, "accounts", map[string]any{"owner": "D", "balance": 1})
			return err
		}))
		_, err := tx.Capture(ctx, "second", all)
		return err
	})
	require.NoError(t, err)
	return f.history()
}

func TestPhantomReadMatrix(t *testing.T) {
	for _, level := range isolation.Levels {
		t.Run(level.String(), func(t *testing.T) {
			obs := phantom(t, level).Observe()
			if level == isolation.ReadCommitted {
				require.Len(t, obs, 1)
				assert.Equal(t, isolation.PhantomRead, obs[0].Phenomenon)
				assert.Contains(t, obs[0].Reason, "first matched 2 rows, second matched 3")
			} else {
				assert.Empty(t, obs)
			}
		})
	}
}

func writeSkew(t *testing.T, level isolation.Level) (*History, error) {
	f := newFixture(t, threeRows())
	sum := store.Aggregate{Func: store.AggSum, Table: "accounts", Column: "balance"}
	body := func(inner func() error) txn.Body {
		return func(ctx context.Context, tx *txn.Tx) error {
			n, err := tx.Aggregate(ctx, sum)
			if err != nil {
				return err
			}
			if inner != nil {
				if err := inner(); err != nil {
					return err
				}
			}
			_, err = tx.Insert(ctx, "accounts", map[string]any{"owner": "sum", "balance": n})
			return err
		}
	}

	var innerErr error
	err := f.run("t1", level, body(func() error {
		innerErr = f.run("t2", level, body(nil))
		return nil
	}))
	require.NoError(t, innerErr)
	return f.history(), err
}

func TestSerializationAnomalyMatrix(t *testing.T) {
	for _, level := range isolation.Levels {
		t.Run(level.String(), func(t *testing.T) {
			h, err := writeSkew(t, level)
			obs := h.Observe()
			if level == isolation.Serializable {
				assert.True(t, txn.IsSerializationFailure(err))
				assert.Empty(t, obs)
				return
			}
			require.NoError(t, err)
			require.Len(t, obs, 1)
			assert.Equal(t, isolation.SerializationAnomaly, obs[0].Phenomenon)
			assert.Equal(t, "t1", obs[0].TxID)
			assert.Equal(t, "t2", obs[0].Other)
		})
	}
}

func TestDirtyRead(t *testing.T) {
	f := newFixture(t, twoRows(), memstore.WithReadUncommitted())
	byA := store.Predicate{Table: "accounts", Where: map[string]any{"owner": "A"}}

	err := f.run("writer", isolation.ReadCommitted, func(ctx context.Context, tx *txn.Tx) error {
		if _, err := tx.Update(ctx, "accounts", map[string]any{"balance": 999}, map[string]any{"owner": "A"}); err != nil {
			return err
		}
		require.NoError(t, f.run("reader", isolation.ReadCommitted, func(ctx context.Context, tx *txn.Tx) error {
			_, err := tx.Capture(ctx, "peek", byA)
			return err
		}))
		return tx.Rollback(ctx)
	})
	require.NoError(t, err)

	obs := f.history().Observe()
	require.Len(t, obs, 1)
	assert.Equal(t, isolation.DirtyRead, obs[0].Phenomenon)
	assert.Equal(t, "reader", obs[0].TxID)
	assert.Equal(t, "writer", obs[0].Other)
	assert.Contains(t, obs[0].Reason, "peek saw row 1")
}

func TestDirtyReadTakesPriority(t *testing.T) {
	f := newFixture(t, twoRows(), memstore.WithReadUncommitted())

	err := f.run("reader", isolation.ReadCommitted, func(ctx context.Context, tx *txn.Tx) error {
		if _, err := tx.Capture(ctx, "first", all); err != nil {
			return err
		}
		require.NoError(t, f.run("writer", isolation.ReadCommitted, func(ctx context.Context, wtx *txn.Tx) error {
			if _, err := wtx.Update(ctx, "accounts", map[string]any{"balance": 5}, map[string]any{"owner": "B"}); err != nil {
				return err
			}
			_, err := tx.Capture(ctx, "second", all)
			return err
		}))
		return nil
	})
	require.NoError(t, err)

	h := f.history()
	reader := f.handles[1]
	require.Equal(t, "reader", reader.ID)
	o, ok := h.Classify(reader.Snapshots()[0], reader.Snapshots()[1])
	require.True(t, ok)
	assert.Equal(t, isolation.DirtyRead, o.Phenomenon)

	obs := h.Observe()
	require.Len(t, obs, 1, "a dirty pair is not classified again")
	assert.Equal(t, isolation.DirtyRead, obs[0].Phenomenon)
}

// uncommittedWrite runs writer's write, then reader's capture of p while
// the write is pending, then rolls the writer back.
func uncommittedWrite(t *testing.T, write func(context.Context, *txn.Tx) error, p store.Predicate, opts ...memstore.Option) *History {
	f := newFixture(t, twoRows(), opts...)
	err := f.run("writer", isolation.ReadCommitted, func(ctx context.Context, tx *txn.Tx) error {
		if err := write(ctx, tx); err != nil {
			return err
		}
		require.NoError(t, f.run("reader", isolation.ReadCommitted, func(ctx context.Context, tx *txn.Tx) error {
			_, err := tx.Capture(ctx, "during", p)
			return err
		}))
		return tx.Rollback(ctx)
	})
	require.NoError(t, err)
	return f.history()
}

func deleteA(ctx context.Context, tx *txn.Tx) error {
	_, err := tx.Delete(ctx, "accounts", map[string]any{"owner": "A"})
	return err
}

func renameA(ctx context.Context, tx *txn.Tx) error {
	_, err := tx.Update(ctx, "accounts", map[string]any{"owner": "Z"}, map[string]any{"owner": "A"})
	return err
}

func TestDirtyDelete(t *testing.T) {
	byA := store.Predicate{Table: "accounts", Where: map[string]any{"owner": "A"}}
	tests := []struct {
		name   string
		write  func(context.Context, *txn.Tx) error
		p      store.Predicate
		reason string
	}{
		{"delete", deleteA, all, "during did not see row 1"},
		{"delete through predicate", deleteA, byA, "deleted by writer which had not committed"},
		{"update out of predicate", renameA, byA, "moved out of accounts where owner = 'A' by writer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := uncommittedWrite(t, tt.write, tt.p, memstore.WithReadUncommitted()).Observe()
			require.Len(t, obs, 1)
			assert.Equal(t, isolation.DirtyRead, obs[0].Phenomenon)
			assert.Equal(t, "reader", obs[0].TxID)
			assert.Equal(t, "writer", obs[0].Other)
			assert.Contains(t, obs[0].Reason, tt.reason)

			violations := Check(isolation.Serializable, isolation.NewRuleTable(), obs, nil, isolation.DirtyRead)
			require.Len(t, violations, 1)
			assert.Equal(t, isolation.DirtyRead, violations[0].Phenomenon)
		})
	}
}

func TestUncommittedDeleteHiddenFromReader(t *testing.T) {
	assert.Empty(t, uncommittedWrite(t, deleteA, all).Observe())
	assert.Empty(t, uncommittedWrite(t, renameA, store.Predicate{Table: "accounts", Where: map[string]any{"owner": "A"}}).Observe())
}

func TestOwnDeleteIsNotDirty(t *testing.T) {
	f := newFixture(t, twoRows(), memstore.WithReadUncommitted())
	err := f.run("t1", isolation.ReadCommitted, func(ctx context.Context, tx *txn.Tx) error {
		if err := deleteA(ctx, tx); err != nil {
			return err
		}
		_, err := tx.Capture(ctx, "after", all)
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, f.history().Observe())
}

// crossPredicate captures row A alone, lets t2 commit an update to it,
// then captures the whole table.
func crossPredicate(t *testing.T, level isolation.Level, opts ...memstore.Option) *History {
	f := newFixture(t, twoRows(), opts...)
	byA := store.Predicate{Table: "accounts", Where: map[string]any{"owner": "A"}}
	err := f.run("t1", level, func(ctx context.Context, tx *txn.Tx) error {
		if _, err := tx.Capture(ctx, "first", byA); err != nil {
			return err
		}
		require.NoError(t, updateA(level, f))
		_, err := tx.Capture(ctx, "second", all)
		return err
	})
	require.NoError(t, err)
	return f.history()
}

func TestNonrepeatableReadAcrossPredicates(t *testing.T) {
	for _, level := range isolation.Levels {
		t.Run(level.String(), func(t *testing.T) {
			obs := crossPredicate(t, level).Observe()
			if level != isolation.ReadCommitted {
				assert.Empty(t, obs)
				return
			}
			require.Len(t, obs, 1)
			assert.Equal(t, isolation.NonrepeatableRead, obs[0].Phenomenon)
			assert.Equal(t, "t2", obs[0].Other)
			assert.Contains(t, obs[0].Reason, "row 1 changed from")
		})
	}

	t.Run("forced level", func(t *testing.T) {
		obs := crossPredicate(t, isolation.RepeatableRead, memstore.WithForcedLevel(isolation.ReadCommitted)).Observe()
		violations := Check(isolation.RepeatableRead, isolation.NewRuleTable(), obs, nil, isolation.NonrepeatableRead)
		require.Len(t, violations, 1)
		assert.Equal(t, isolation.NonrepeatableRead, violations[0].Phenomenon)
		assert.Equal(t, []string{"first", "second"}, []string{violations[0].Snapshots[0].Label, violations[0].Snapshots[1].Label})
	})

	t.Run("classify", func(t *testing.T) {
		h := crossPredicate(t, isolation.ReadCommitted)
		snaps := h.txs[0].Snapshots()
		o, ok := h.Classify(snaps[0], snaps[1])
		require.True(t, ok)
		assert.Equal(t, isolation.NonrepeatableRead, o.Phenomenon)
	})
}

func TestChangedRowReportedOnce(t *testing.T) {
	f := newFixture(t, twoRows())
	err := f.run("t1", isolation.ReadCommitted, func(ctx context.Context, tx *txn.Tx) error {
		if _, err := tx.Capture(ctx, "first", all); err != nil {
			return err
		}
		require.NoError(t, updateA(isolation.ReadCommitted, f))
		if _, err := tx.Capture(ctx, "second", all); err != nil {
			return err
		}
		_, err := tx.Capture(ctx, "third", store.Predicate{Table: "accounts", Where: map[string]any{"owner": "A"}})
		return err
	})
	require.NoError(t, err)

	obs := f.history().Observe()
	require.Len(t, obs, 1, "third agrees with second")
	assert.Equal(t, "second", obs[0].Snapshots[1].Label)
}

func TestOwnWritesAreNotPhenomena(t *testing.T) {
	f := newFixture(t, twoRows())
	err := f.run("t1", isolation.ReadCommitted, func(ctx context.Context, tx *txn.Tx) error {
		if _, err := tx.Capture(ctx, "first", all); err != nil {
			return err
		}
		if _, err := tx.Update(ctx, "accounts", map[string]any{"balance": 1}, map[string]any{"owner": "A"}); err != nil {
			return err
		}
		if _, err := tx.Insert(ctx, "accounts", map[string]any{"owner": "Z", "balance": 1}); err != nil {
			return err
		}
		_, err := tx.Capture(ctx, "second", all)
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, f.history().Observe())
}

func TestClassifyRejectsIncomparableSnapshots(t *testing.T) {
	h := nonrepeatable(t, isolation.ReadCommitted)
	snaps := h.txs[0].Snapshots()
	require.Equal(t, "t1", h.txs[0].ID)

	_, ok := h.Classify(snaps[1], snaps[0])
	assert.False(t, ok, "order matters")

	other := snaps[1]
	other.Predicate = store.Predicate{Table: "ledger"}
	_, ok = h.Classify(snaps[0], other)
	assert.False(t, ok, "different tables are not compared")
}

func TestCheck(t *testing.T) {
	rules := isolation.NewRuleTable()

	obs := nonrepeatable(t, isolation.ReadCommitted).Observe()
	assert.Empty(t, Check(isolation.ReadCommitted, rules, obs, nil, isolation.NonrepeatableRead))

	violations := Check(isolation.RepeatableRead, rules, obs, nil, isolation.NonrepeatableRead)
	require.Len(t, violations, 1)
	v := violations[0]
	assert.Equal(t, isolation.NonrepeatableRead, v.Phenomenon)
	assert.Equal(t, isolation.RepeatableRead, v.Level)
	assert.Len(t, v.Snapshots, 2)
	assert.Contains(t, v.Error(), "ISOLATION_VIOLATION: NonrepeatableRead observed at RepeatableRead by t1 [t1/first, t1/second]")

	var err error = v
	assert.True(t, IsViolation(err))
	assert.False(t, IsViolation(errors.New("other")))
}

func TestCheckForcedLevelIsCaught(t *testing.T) {
	obs := nonrepeatable(t, isolation.Serializable, memstore.WithForcedLevel(isolation.ReadCommitted)).Observe()
	violations := Check(isolation.Serializable, isolation.NewRuleTable(), obs, nil, isolation.NonrepeatableRead)
	require.Len(t, violations, 1)
	assert.Equal(t, isolation.NonrepeatableRead, violations[0].Phenomenon)
}

func TestCheckPhantomAtRepeatableReadIsConfigurable(t *testing.T) {
	obs := phantom(t, isolation.RepeatableRead, memstore.WithForcedLevel(isolation.ReadCommitted)).Observe()
	require.Len(t, obs, 1)

	assert.Len(t, Check(isolation.RepeatableRead, isolation.NewRuleTable(), obs, nil, isolation.PhantomRead), 1)
	lenient := isolation.NewRuleTable(isolation.WithPhantomAtRepeatableRead(true))
	assert.Empty(t, Check(isolation.RepeatableRead, lenient, obs, nil, isolation.PhantomRead))
}

func TestCheckStagedConflictWithoutAbort(t *testing.T) {
	rules := isolation.NewRuleTable()

	aborted := []conflict.Record{{A: "t1", B: "t2", Invariant: "accounts", Outcome: conflict.OneAborted, Aborted: "t1"}}
	assert.Empty(t, Check(isolation.Serializable, rules, nil, aborted, isolation.SerializationAnomaly))

	both := []conflict.Record{{A: "t1", B: "t2", Invariant: "accounts", Outcome: conflict.BothCommitted}}
	violations := Check(isolation.Serializable, rules, nil, both, isolation.SerializationAnomaly)
	require.Len(t, violations, 1)
	assert.Equal(t, isolation.SerializationAnomaly, violations[0].Phenomenon)
	assert.Contains(t, violations[0].Reason, "without either transaction aborting")

	bothAborted := []conflict.Record{{A: "t1", B: "t2", Invariant: "accounts", Outcome: conflict.BothAborted}}
	violations = Check(isolation.Serializable, rules, nil, bothAborted, isolation.SerializationAnomaly)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Reason, "aborted both transactions")
	assert.Empty(t, Check(isolation.Serializable, rules, nil, append(bothAborted, aborted...), isolation.SerializationAnomaly))

	// Not staged: nothing to enforce.
	assert.Empty(t, Check(isolation.Serializable, rules, nil, both, isolation.None))

	// An observed anomaly is reported once.
	obs := []Observation{{Phenomenon: isolation.SerializationAnomaly, TxID: "t1", Other: "t2"}}
	assert.Len(t, Check(isolation.Serializable, rules, obs, both, isolation.SerializationAnomaly), 1)
}
