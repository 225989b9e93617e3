package memstore

import (
	"context"
	"fmt"

	"github.com/roach88/isocheck/internal/conflict"
	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
)

// Tx is a transaction on a memstore Store.
type Tx struct {
	s     *Store
	id    int64
	name  string
	level isolation.Level

	started  bool
	snapshot int64
	done     bool

	reads   []string
	writes  []string
	written map[string][]int64
}

var _ store.Tx = (*Tx)(nil)

// statement prepares the read timestamp for the next statement.
// Caller holds s.mu.
func (tx *Tx) statement(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.done {
		return store.ErrTxDone
	}
	if tx.s.closed {
		return fmt.Errorf("memstore: store is closed")
	}
	if !tx.started || tx.level == isolation.ReadCommitted {
		tx.snapshot = tx.s.ts
	}
	if !tx.started {
		tx.started = true
		if tx.level == isolation.Serializable {
			tx.s.model.Begin(tx.name)
		}
	}
	return nil
}

// visible returns the version of a row this transaction sees, or nil.
func (tx *Tx) visible(head *version) *version {
	for v := head; v != nil; v = v.prev {
		if v.txID == tx.id || tx.s.readUncommitted {
			return v
		}
		if v.commitTS != 0 && v.commitTS <= tx.snapshot {
			return v
		}
	}
	return nil
}

func (tx *Tx) scan(t *table, p store.Predicate) []store.Row {
	var rows []store.Row
	t.rows.Scan(func(id int64, head *version) bool {
		v := tx.visible(head)
		if v == nil || v.deleted || !p.Matches(v.values) {
			return true
		}
		rows = append(rows, store.Row{ID: id, Values: v.values}.Clone())
		return true
	})
	return rows
}

// Read returns the visible rows matching p in id order.
func (tx *Tx) Read(ctx context.Context, p store.Predicate) ([]store.Row, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if err := tx.statement(ctx); err != nil {
		return nil, err
	}
	t, err := tx.s.table(p.Table)
	if err != nil {
		return nil, err
	}
	if p, err = p.Check(t.schema); err != nil {
		return nil, err
	}
	tx.reads = append(tx.reads, p.Table)
	return tx.scan(t, p), nil
}

// Aggregate computes a sum or count over the visible rows.
func (tx *Tx) Aggregate(ctx context.Context, a store.Aggregate) (int64, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if err := tx.statement(ctx); err != nil {
		return 0, err
	}
	t, err := tx.s.table(a.Table)
	if err != nil {
		return 0, err
	}
	if a, err = a.Check(t.schema); err != nil {
		return 0, err
	}
	tx.reads = append(tx.reads, a.Table)

	rows := tx.scan(t, a.Predicate())
	if a.Func == store.AggCount {
		return int64(len(rows)), nil
	}
	var sum int64
	for _, r := range rows {
		sum += r.Values[a.Column].(int64)
	}
	return sum, nil
}

// Write applies an insert, update or delete and returns the affected ids.
func (tx *Tx) Write(ctx context.Context, w store.Write) ([]int64, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if err := tx.statement(ctx); err != nil {
		return nil, err
	}
	t, err := tx.s.table(w.Table)
	if err != nil {
		return nil, err
	}
	if w, err = w.Check(t.schema); err != nil {
		return nil, err
	}
	tx.writes = append(tx.writes, w.Table)

	if w.Kind == store.WriteInsert {
		t.nextID++
		t.rows.Set(t.nextID, &version{values: w.Values, txID: tx.id})
		tx.written[w.Table] = append(tx.written[w.Table], t.nextID)
		return []int64{t.nextID}, nil
	}

	// Check every target before touching any so a failed statement leaves
	// nothing behind.
	targets := tx.scan(t, w.Predicate())
	for _, r := range targets {
		head, _ := t.rows.Get(r.ID)
		if err := tx.checkWritable(w.Table, r.ID, head); err != nil {
			return nil, err
		}
	}

	ids := make([]int64, 0, len(targets))
	for _, r := range targets {
		head, _ := t.rows.Get(r.ID)
		values := r.Values
		if w.Kind == store.WriteUpdate {
			for k, v := range w.Values {
				values[k] = v
			}
		}
		next := &version{values: values, deleted: w.Kind == store.WriteDelete, txID: tx.id, prev: head}
		if head.txID == tx.id && head.commitTS == 0 {
			next.prev = head.prev
		} else {
			tx.written[w.Table] = append(tx.written[w.Table], r.ID)
		}
		t.rows.Set(r.ID, next)
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// checkWritable rejects writes to rows another transaction holds, and at
// RepeatableRead and above, rows changed since this transaction's snapshot.
func (tx *Tx) checkWritable(tableName string, id int64, head *version) error {
	if head.txID == tx.id && head.commitTS == 0 {
		return nil
	}
	if head.commitTS == 0 {
		return fmt.Errorf("memstore: %s row %d: %w", tableName, id, store.ErrRowLocked)
	}
	if tx.level != isolation.ReadCommitted && head.commitTS > tx.snapshot {
		return fmt.Errorf("memstore: %s row %d: %w", tableName, id, store.ErrSerialization)
	}
	return nil
}

// Commit makes the transaction's writes visible. At Serializable the
// conflict model may refuse, in which case the transaction is rolled back
// and the error wraps store.ErrSerialization.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		tx.undo()
		return err
	}

	if tx.started && tx.level == isolation.Serializable {
		d := tx.s.model.TryCommit(tx.name, conflict.Footprint{Reads: tx.reads, Writes: tx.writes})
		if d.Outcome == conflict.Abort {
			tx.undo()
			return fmt.Errorf("memstore: %s: %w", d.Reason, store.ErrSerialization)
		}
	}

	tx.s.ts++
	for name, ids := range tx.written {
		t := tx.s.tables[name]
		for _, id := range ids {
			if head, ok := t.rows.Get(id); ok && head.txID == tx.id {
				head.commitTS = tx.s.ts
			}
		}
	}
	tx.done = true
	return nil
}

// Rollback discards the transaction's writes. Rolling back a finished
// transaction is an error.
func (tx *Tx) Rollback(ctx context.Context) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if tx.done {
		return store.ErrTxDone
	}
	tx.undo()
	return nil
}

// undo removes this transaction's uncommitted versions. Caller holds s.mu.
func (tx *Tx) undo() {
	for name, ids := range tx.written {
		t := tx.s.tables[name]
		for _, id := range ids {
			head, ok := t.rows.Get(id)
			if !ok || head.txID != tx.id || head.commitTS != 0 {
				continue
			}
			if head.prev == nil {
				t.rows.Delete(id)
			} else {
				t.rows.Set(id, head.prev)
			}
		}
	}
	if tx.started && tx.level == isolation.Serializable {
		tx.s.model.Forget(tx.name)
	}
	tx.done = true
}
