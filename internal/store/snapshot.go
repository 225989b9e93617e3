package store

import (
	"fmt"
	"sort"
)

// Snapshot is the ordered set of rows one transaction observed at a
// checkpoint. Its shape is fixed by the table schema and checked when the
// snapshot is taken, never later.
type Snapshot struct {
	TxID      string
	Label     string
	Seq       int64
	Predicate Predicate
	Columns   []string
	Rows      []Row
}

// NewSnapshot validates rows against t and returns them as a snapshot
// ordered by row id. Rows with missing, extra or mistyped columns and
// duplicate ids are rejected.
func NewSnapshot(t Table, txID, label string, seq int64, p Predicate, rows []Row) (Snapshot, error) {
	if p.Table != t.Name {
		return Snapshot{}, fmt.Errorf("snapshot %s: predicate table %q does not match %q", label, p.Table, t.Name)
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		if len(r.Values) != len(t.Columns) {
			return Snapshot{}, fmt.Errorf("snapshot %s: row %d has %d columns, want %d", label, r.ID, len(r.Values), len(t.Columns))
		}
		for _, c := range t.Columns {
			v, ok := r.Values[c.Name]
			if !ok {
				return Snapshot{}, fmt.Errorf("snapshot %s: row %d: missing column %q", label, r.ID, c.Name)
			}
			if !c.Accepts(v) {
				return Snapshot{}, fmt.Errorf("snapshot %s: row %d: column %s: %T is not %s", label, r.ID, c.Name, v, c.Type)
			}
		}
		out[i] = r.Clone()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for i := 1; i < len(out); i++ {
		if out[i].ID == out[i-1].ID {
			return Snapshot{}, fmt.Errorf("snapshot %s: duplicate row id %d", label, out[i].ID)
		}
	}

	return Snapshot{
		TxID:      txID,
		Label:     label,
		Seq:       seq,
		Predicate: p,
		Columns:   t.ColumnNames(),
		Rows:      out,
	}, nil
}

// Row returns the row with the given id.
func (s Snapshot) Row(id int64) (Row, bool) {
	i := sort.Search(len(s.Rows), func(i int) bool { return s.Rows[i].ID >= id })
	if i < len(s.Rows) && s.Rows[i].ID == id {
		return s.Rows[i], true
	}
	return Row{}, false
}

// IDs returns the row ids in order.
func (s Snapshot) IDs() []int64 {
	ids := make([]int64, len(s.Rows))
	for i, r := range s.Rows {
		ids[i] = r.ID
	}
	return ids
}

// SamePredicate reports whether both snapshots were taken with the same
// predicate, which is what makes them comparable.
func (s Snapshot) SamePredicate(o Snapshot) bool {
	return s.Predicate.String() == o.Predicate.String()
}

// Canonical renders the snapshot as plain values for ir.MarshalCanonical.
func (s Snapshot) Canonical() map[string]any {
	rows := make([]any, len(s.Rows))
	for i, r := range s.Rows {
		values := make(map[string]any, len(r.Values))
		for k, v := range r.Values {
			values[k] = v
		}
		rows[i] = map[string]any{"id": r.ID, "values": values}
	}
	return map[string]any{
		"tx":        s.TxID,
		"label":     s.Label,
		"seq":       s.Seq,
		"predicate": s.Predicate.String(),
		"columns":   append([]string(nil), s.Columns...),
		"rows":      rows,
	}
}
