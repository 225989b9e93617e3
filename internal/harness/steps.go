package harness

import (
	"context"
	"fmt"

	"github.com/roach88/isocheck/internal/store"
	"github.com/roach88/isocheck/internal/txn"
)

// body turns the steps of t into a transaction body. Variables bound by
// aggregates live for the duration of one attempt.
func body(table store.Table, t Transaction) txn.Body {
	return func(ctx context.Context, tx *txn.Tx) error {
		vars := make(map[string]int64)
		for i, step := range t.Steps {
			if err := runStep(ctx, tx, table.Name, step, vars); err != nil {
				return fmt.Errorf("step %d (%s): %w", i, step.Kind(), err)
			}
		}
		return nil
	}
}

func runStep(ctx context.Context, tx *txn.Tx, table string, step Step, vars map[string]int64) error {
	bind := func(values map[string]any) (map[string]any, error) {
		return resolve(values, vars)
	}

	switch {
	case step.Capture != nil:
		where, err := bind(step.Capture.Where)
		if err != nil {
			return err
		}
		_, err = tx.Capture(ctx, step.Capture.Label, store.Predicate{Table: table, Where: where})
		return err

	case step.Read != nil:
		where, err := bind(step.Read.Where)
		if err != nil {
			return err
		}
		_, err = tx.Read(ctx, store.Predicate{Table: table, Where: where})
		return err

	case step.Aggregate != nil:
		a := step.Aggregate
		where, err := bind(a.Where)
		if err != nil {
			return err
		}
		n, err := tx.Aggregate(ctx, store.Aggregate{Func: a.Func, Table: table, Column: a.Column, Where: where})
		if err != nil {
			return err
		}
		if a.As != "" {
			vars[a.As] = n
		}
		return nil

	case step.Insert != nil:
		values, err := bind(step.Insert.Values)
		if err != nil {
			return err
		}
		_, err = tx.Insert(ctx, table, values)
		return err

	case step.Update != nil:
		set, err := bind(step.Update.Set)
		if err != nil {
			return err
		}
		where, err := bind(step.Update.Where)
		if err != nil {
			return err
		}
		_, err = tx.Update(ctx, table, set, where)
		return err

	case step.Delete != nil:
		where, err := bind(step.Delete.Where)
		if err != nil {
			return err
		}
		_, err = tx.Delete(ctx, table, where)
		return err

	case step.Wait != "":
		return tx.Wait(ctx, step.Wait)

	case step.Commit:
		return tx.Commit(ctx)

	case step.Rollback:
		return tx.Rollback(ctx)
	}
	return fmt.Errorf("step has no action")
}

// resolve replaces "$name" values with the bound variable.
func resolve(values map[string]any, vars map[string]int64) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		name, ok := variable(v)
		if !ok {
			out[k] = v
			continue
		}
		n, bound := vars[name]
		if !bound {
			return nil, fmt.Errorf("column %s: variable $%s is not bound", k, name)
		}
		out[k] = n
	}
	return out, nil
}
