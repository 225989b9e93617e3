package store

import (
	"fmt"
	"strings"

	"github.com/roach88/isocheck/internal/ir"
)

// Row is one row as seen by a transaction.
type Row struct {
	ID     int64
	Values map[string]any
}

// Equal reports whether both rows have the same id and column values.
func (r Row) Equal(o Row) bool {
	if r.ID != o.ID || len(r.Values) != len(o.Values) {
		return false
	}
	for k, v := range r.Values {
		ov, ok := o.Values[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a copy whose Values map is not shared.
func (r Row) Clone() Row {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return Row{ID: r.ID, Values: values}
}

// Predicate selects the rows of a table whose columns equal every value in
// Where. An empty Where selects the whole table.
type Predicate struct {
	Table string
	Where map[string]any
}

// Matches reports whether a row's values satisfy the predicate.
func (p Predicate) Matches(values map[string]any) bool {
	for k, want := range p.Where {
		got, ok := values[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// String renders the predicate deterministically, e.g.
// "accounts where owner = 'alice'".
func (p Predicate) String() string {
	if len(p.Where) == 0 {
		return p.Table
	}
	var b strings.Builder
	b.WriteString(p.Table)
	b.WriteString(" where ")
	for i, k := range ir.SortedKeys(p.Where) {
		if i > 0 {
			b.WriteString(" and ")
		}
		fmt.Fprintf(&b, "%s = %s", k, formatValue(p.Where[k]))
	}
	return b.String()
}

// Check validates the predicate against the table and normalizes its values.
func (p Predicate) Check(t Table) (Predicate, error) {
	if p.Table != t.Name {
		return Predicate{}, fmt.Errorf("predicate on %s: %w", p.Table, ErrUnknownTable)
	}
	where, err := t.CheckValues(p.Where, false)
	if err != nil {
		return Predicate{}, err
	}
	return Predicate{Table: p.Table, Where: where}, nil
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
	return fmt.Sprint(v)
}

// AggFunc names an aggregate function.
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggCount AggFunc = "count"
)

// Aggregate computes Func over Column of the rows matching Where.
// Column is ignored for count.
type Aggregate struct {
	Func   AggFunc
	Table  string
	Column string
	Where  map[string]any
}

// Predicate returns the row selection the aggregate ranges over.
func (a Aggregate) Predicate() Predicate {
	return Predicate{Table: a.Table, Where: a.Where}
}

func (a Aggregate) String() string {
	arg := a.Column
	if a.Func == AggCount {
		arg = "*"
	}
	return fmt.Sprintf("%s(%s) from %s", a.Func, arg, a.Predicate())
}

// Check validates the aggregate against the table.
func (a Aggregate) Check(t Table) (Aggregate, error) {
	switch a.Func {
	case AggCount:
	case AggSum:
		col, ok := t.Column(a.Column)
		if !ok {
			return Aggregate{}, fmt.Errorf("table %s: unknown column %q", t.Name, a.Column)
		}
		if col.Type != ColumnInt {
			return Aggregate{}, fmt.Errorf("table %s: cannot sum text column %s", t.Name, a.Column)
		}
	default:
		return Aggregate{}, fmt.Errorf("unknown aggregate %q (want sum or count)", a.Func)
	}
	p, err := a.Predicate().Check(t)
	if err != nil {
		return Aggregate{}, err
	}
	a.Where = p.Where
	return a, nil
}

// WriteKind is the kind of a write statement.
type WriteKind string

const (
	WriteInsert WriteKind = "insert"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// Write is one insert, update or delete statement.
//
// Insert uses Values as the new row. Update sets Values on the rows
// matching Where. Delete removes the rows matching Where.
type Write struct {
	Kind   WriteKind
	Table  string
	Values map[string]any
	Where  map[string]any
}

// Predicate returns the rows an update or delete targets.
func (w Write) Predicate() Predicate {
	return Predicate{Table: w.Table, Where: w.Where}
}

func (w Write) String() string {
	switch w.Kind {
	case WriteInsert:
		return fmt.Sprintf("insert into %s %s", w.Table, formatValues(w.Values))
	case WriteUpdate:
		return fmt.Sprintf("update %s set %s", w.Predicate(), formatValues(w.Values))
	default:
		return fmt.Sprintf("%s from %s", w.Kind, w.Predicate())
	}
}

// Check validates the write against the table and normalizes its values.
func (w Write) Check(t Table) (Write, error) {
	if w.Table != t.Name {
		return Write{}, fmt.Errorf("%s on %s: %w", w.Kind, w.Table, ErrUnknownTable)
	}
	var err error
	switch w.Kind {
	case WriteInsert:
		if len(w.Where) > 0 {
			return Write{}, fmt.Errorf("insert into %s: where is not allowed", w.Table)
		}
		w.Values, err = t.CheckValues(w.Values, true)
	case WriteUpdate:
		if len(w.Values) == 0 {
			return Write{}, fmt.Errorf("update %s: nothing to set", w.Table)
		}
		if w.Values, err = t.CheckValues(w.Values, false); err == nil {
			w.Where, err = t.CheckValues(w.Where, false)
		}
	case WriteDelete:
		if len(w.Values) > 0 {
			return Write{}, fmt.Errorf("delete from %s: values are not allowed", w.Table)
		}
		w.Where, err = t.CheckValues(w.Where, false)
	default:
		return Write{}, fmt.Errorf("unknown write kind %q", w.Kind)
	}
	if err != nil {
		return Write{}, err
	}
	return w, nil
}

func formatValues(values map[string]any) string {
	parts := make([]string, 0, len(values))
	for _, k := range ir.SortedKeys(values) {
		parts = append(parts, fmt.Sprintf("%s = %s", k, formatValue(values[k])))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
