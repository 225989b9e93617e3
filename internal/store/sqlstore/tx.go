package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/isocheck/internal/store"
)

// Tx is a store.Tx over a *sql.Tx.
type Tx struct {
	s  *Store
	tx *sql.Tx
}

var _ store.Tx = (*Tx)(nil)

func (t *Tx) fail(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return store.ErrTxDone
	}
	return t.s.classify(err)
}

// Read selects the rows matching p ordered by id.
func (t *Tx) Read(ctx context.Context, p store.Predicate) ([]store.Row, error) {
	schema, err := t.s.table(p.Table)
	if err != nil {
		return nil, err
	}
	if p, err = p.Check(schema); err != nil {
		return nil, err
	}

	q := t.s.dialect.selectRows(schema, p)
	rows, err := t.tx.QueryContext(ctx, q.sql, q.args...)
	if err != nil {
		return nil, t.fail(err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		row, err := scanRow(rows, schema)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail(err)
	}
	return out, nil
}

func scanRow(rows *sql.Rows, schema store.Table) (store.Row, error) {
	var id int64
	ints := make([]int64, len(schema.Columns))
	texts := make([]string, len(schema.Columns))
	dest := []any{&id}
	for i, c := range schema.Columns {
		if c.Type == store.ColumnInt {
			dest = append(dest, &ints[i])
		} else {
			dest = append(dest, &texts[i])
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return store.Row{}, fmt.Errorf("scan %s: %w", schema.Name, err)
	}

	values := make(map[string]any, len(schema.Columns))
	for i, c := range schema.Columns {
		if c.Type == store.ColumnInt {
			values[c.Name] = ints[i]
		} else {
			values[c.Name] = texts[i]
		}
	}
	return store.Row{ID: id, Values: values}, nil
}

// Aggregate runs a SUM or COUNT query.
func (t *Tx) Aggregate(ctx context.Context, a store.Aggregate) (int64, error) {
	schema, err := t.s.table(a.Table)
	if err != nil {
		return 0, err
	}
	if a, err = a.Check(schema); err != nil {
		return 0, err
	}

	q := t.s.dialect.aggregate(a)
	var n int64
	if err := t.tx.QueryRowContext(ctx, q.sql, q.args...).Scan(&n); err != nil {
		return 0, t.fail(err)
	}
	return n, nil
}

// Write runs an INSERT, UPDATE or DELETE and returns the affected ids in
// ascending order.
func (t *Tx) Write(ctx context.Context, w store.Write) ([]int64, error) {
	schema, err := t.s.table(w.Table)
	if err != nil {
		return nil, err
	}
	if w, err = w.Check(schema); err != nil {
		return nil, err
	}

	q := t.s.dialect.write(w)
	rows, err := t.tx.QueryContext(ctx, q.sql, q.args...)
	if err != nil {
		return nil, t.fail(err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, t.fail(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail(err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return t.fail(err)
	}
	return nil
}

// Rollback aborts the transaction.
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil {
		return t.fail(err)
	}
	return nil
}
