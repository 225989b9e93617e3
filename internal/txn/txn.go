package txn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/isocheck/internal/clock"
	"github.com/roach88/isocheck/internal/conflict"
	"github.com/roach88/isocheck/internal/interleave"
	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
)

// rollbackTimeout bounds the rollback issued after a failure, which runs
// on a fresh context so a cancelled scenario still cleans up.
const rollbackTimeout = 5 * time.Second

// Env is what every transaction of a scenario run shares.
type Env struct {
	Store       store.Store
	Coordinator *interleave.Coordinator
	Clock       *clock.Clock

	// Tables holds the schema of every seeded table, for snapshot
	// validation.
	Tables map[string]store.Table

	Logger *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

// Body is the work of one transaction.
type Body func(ctx context.Context, tx *Tx) error

// Run executes body as transaction id at level and commits it unless the
// body already ended it. The returned Handle is never nil, so the caller
// can inspect what happened even on error.
func Run(ctx context.Context, env Env, id string, level isolation.Level, body Body) (*Handle, error) {
	h := &Handle{ID: id, Level: level}
	tx := &Tx{h: h, env: env, log: env.logger().With("tx", id, "level", level.String()), labels: make(map[string]bool)}

	if err := ctx.Err(); err != nil {
		h.finish(env.Clock.Next(), Aborted, conflict.Failed)
		return h, newFailure(id, OpBegin, err)
	}

	stx, err := env.Store.Begin(ctx, level)
	h.beginSeq = env.Clock.Next()
	tx.record(Op{Seq: h.beginSeq, Kind: OpBegin}, err)
	if err != nil {
		f := newFailure(id, OpBegin, err)
		h.finish(h.beginSeq, Aborted, outcomeOf(f))
		return h, f
	}
	tx.stx = stx

	if err := body(ctx, tx); err != nil {
		if !isFromRun(err) {
			err = &Failure{Kind: KindTransaction, TxID: id, Op: OpBody, Err: err}
		}
		tx.abort(ctx, err)
		return h, err
	}

	if h.state == Active {
		if err := tx.Commit(ctx); err != nil {
			return h, err
		}
	}
	return h, nil
}

// isFromRun reports whether err was produced by a Tx method and is
// already classified.
func isFromRun(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return true
	}
	return interleave.IsTimeout(err) ||
		errors.Is(err, interleave.ErrUnknownPoint) ||
		errors.Is(err, interleave.ErrNotParticipant) ||
		errors.Is(err, interleave.ErrAlreadyArrived) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func outcomeOf(err error) conflict.TxOutcome {
	if IsSerializationFailure(err) {
		return conflict.SerializationFailed
	}
	return conflict.Failed
}

// Tx is the body's view of a running transaction. It must only be used
// from the goroutine running the body.
type Tx struct {
	h      *Handle
	env    Env
	stx    store.Tx
	log    *slog.Logger
	labels map[string]bool
}

// ID returns the transaction id.
func (tx *Tx) ID() string { return tx.h.ID }

// Level returns the requested isolation level.
func (tx *Tx) Level() isolation.Level { return tx.h.Level }

func (tx *Tx) record(op Op, err error) {
	if err != nil {
		op.Err = err.Error()
	}
	tx.h.ops = append(tx.h.ops, op)
	tx.log.Debug("op", "seq", op.Seq, "kind", string(op.Kind), "table", op.Table, "point", op.Point, "label", op.Label, "rows", op.RowIDs, "error", op.Err)
}

func (tx *Tx) check(ctx context.Context, op OpKind) error {
	if tx.h.state != Active {
		return newFailure(tx.h.ID, op, store.ErrTxDone)
	}
	if err := ctx.Err(); err != nil {
		return newFailure(tx.h.ID, op, err)
	}
	return nil
}

// Capture reads the rows matching p and stores them as a snapshot named
// label. Labels are unique per transaction.
func (tx *Tx) Capture(ctx context.Context, label string, p store.Predicate) (store.Snapshot, error) {
	if err := tx.check(ctx, OpCapture); err != nil {
		return store.Snapshot{}, err
	}
	if tx.labels[label] {
		return store.Snapshot{}, &Failure{Kind: KindTransaction, TxID: tx.h.ID, Op: OpCapture, Err: fmt.Errorf("duplicate snapshot label %q", label)}
	}
	table, ok := tx.env.Tables[p.Table]
	if !ok {
		return store.Snapshot{}, newFailure(tx.h.ID, OpCapture, fmt.Errorf("%s: %w", p.Table, store.ErrUnknownTable))
	}

	seq := tx.env.Clock.Next()
	rows, err := tx.stx.Read(ctx, p)
	op := Op{Seq: seq, Kind: OpCapture, Table: p.Table, Label: label, Detail: p.String()}
	if err != nil {
		tx.record(op, err)
		return store.Snapshot{}, newFailure(tx.h.ID, OpCapture, err)
	}

	snap, err := store.NewSnapshot(table, tx.h.ID, label, seq, p, rows)
	if err != nil {
		tx.record(op, err)
		return store.Snapshot{}, newFailure(tx.h.ID, OpCapture, err)
	}
	op.RowIDs = snap.IDs()
	tx.record(op, nil)
	tx.labels[label] = true
	tx.h.snapshots = append(tx.h.snapshots, snap)
	return snap, nil
}

// Read returns the rows matching p without keeping a snapshot.
func (tx *Tx) Read(ctx context.Context, p store.Predicate) ([]store.Row, error) {
	if err := tx.check(ctx, OpRead); err != nil {
		return nil, err
	}
	seq := tx.env.Clock.Next()
	rows, err := tx.stx.Read(ctx, p)
	op := Op{Seq: seq, Kind: OpRead, Table: p.Table, Detail: p.String()}
	for _, r := range rows {
		op.RowIDs = append(op.RowIDs, r.ID)
	}
	tx.record(op, err)
	if err != nil {
		return nil, newFailure(tx.h.ID, OpRead, err)
	}
	return rows, nil
}

// Aggregate computes a sum or count.
func (tx *Tx) Aggregate(ctx context.Context, a store.Aggregate) (int64, error) {
	if err := tx.check(ctx, OpAggregate); err != nil {
		return 0, err
	}
	seq := tx.env.Clock.Next()
	n, err := tx.stx.Aggregate(ctx, a)
	tx.record(Op{Seq: seq, Kind: OpAggregate, Table: a.Table, Detail: a.String(), Result: n}, err)
	if err != nil {
		return 0, newFailure(tx.h.ID, OpAggregate, err)
	}
	return n, nil
}

// Insert adds a row and returns its id.
func (tx *Tx) Insert(ctx context.Context, table string, values map[string]any) (int64, error) {
	ids, err := tx.write(ctx, OpInsert, store.Write{Kind: store.WriteInsert, Table: table, Values: values})
	if err != nil {
		return 0, err
	}
	if len(ids) != 1 {
		return 0, newFailure(tx.h.ID, OpInsert, fmt.Errorf("insert into %s affected %d rows", table, len(ids)))
	}
	return ids[0], nil
}

// Update sets columns on the rows matching where.
func (tx *Tx) Update(ctx context.Context, table string, set, where map[string]any) ([]int64, error) {
	return tx.write(ctx, OpUpdate, store.Write{Kind: store.WriteUpdate, Table: table, Values: set, Where: where})
}

// Delete removes the rows matching where.
func (tx *Tx) Delete(ctx context.Context, table string, where map[string]any) ([]int64, error) {
	return tx.write(ctx, OpDelete, store.Write{Kind: store.WriteDelete, Table: table, Where: where})
}

func (tx *Tx) write(ctx context.Context, kind OpKind, w store.Write) ([]int64, error) {
	if err := tx.check(ctx, kind); err != nil {
		return nil, err
	}
	if t, ok := tx.env.Tables[w.Table]; ok {
		if checked, err := w.Check(t); err == nil {
			w = checked
		}
	}

	seq := tx.env.Clock.Next()
	ids, err := tx.stx.Write(ctx, w)
	tx.record(Op{Seq: seq, Kind: kind, Table: w.Table, Detail: w.String(), RowIDs: ids, Values: w.Values}, err)
	if err != nil {
		return nil, newFailure(tx.h.ID, kind, err)
	}
	return ids, nil
}

// Wait blocks at an interleave point. It may follow Commit or Rollback, so
// a finished transaction can hold others back until it has ended.
// Coordinator errors are returned unchanged.
func (tx *Tx) Wait(ctx context.Context, point string) error {
	if err := ctx.Err(); err != nil {
		return newFailure(tx.h.ID, OpWait, err)
	}
	err := tx.env.Coordinator.Wait(ctx, point, tx.h.ID)
	tx.record(Op{Seq: tx.env.Clock.Next(), Kind: OpWait, Point: point}, err)
	return err
}

// Commit commits the transaction. The commit is stamped before the store
// is asked, so anything that observes the committed rows is ordered after
// it.
func (tx *Tx) Commit(ctx context.Context) error {
	if err := tx.check(ctx, OpCommit); err != nil {
		return err
	}
	seq := tx.env.Clock.Next()
	err := tx.stx.Commit(ctx)
	tx.record(Op{Seq: seq, Kind: OpCommit}, err)
	if err != nil {
		f := newFailure(tx.h.ID, OpCommit, err)
		tx.h.finish(seq, Aborted, outcomeOf(f))
		tx.log.Info("commit failed", "error", err, "kind", string(f.Kind))
		return f
	}
	tx.h.finish(seq, Committed, conflict.Committed)
	tx.log.Debug("committed", "seq", seq)
	return nil
}

// Rollback ends the transaction discarding its writes.
func (tx *Tx) Rollback(ctx context.Context) error {
	if err := tx.check(ctx, OpRollback); err != nil {
		return err
	}
	seq := tx.env.Clock.Next()
	err := tx.stx.Rollback(ctx)
	tx.record(Op{Seq: seq, Kind: OpRollback}, err)
	tx.h.finish(seq, Aborted, conflict.RolledBack)
	if err != nil {
		return newFailure(tx.h.ID, OpRollback, err)
	}
	return nil
}

// abort rolls back after a failure, on a fresh context so a cancelled
// scenario still releases the store transaction.
func (tx *Tx) abort(ctx context.Context, cause error) {
	if tx.h.state != Active {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	seq := tx.env.Clock.Next()
	err := tx.stx.Rollback(rctx)
	if errors.Is(err, store.ErrTxDone) {
		err = nil
	}
	tx.record(Op{Seq: seq, Kind: OpRollback, Detail: "after failure"}, err)
	tx.h.finish(seq, Aborted, outcomeOf(cause))
	tx.log.Info("rolled back", "cause", cause)
}
