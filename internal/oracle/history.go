package oracle

import (
	"sort"

	"github.com/roach88/isocheck/internal/ir"
	"github.com/roach88/isocheck/internal/store"
	"github.com/roach88/isocheck/internal/txn"
)

// History is the combined record of one run.
type History struct {
	seed map[string]store.Snapshot
	txs  []*txn.Handle
}

// NewHistory indexes the seed snapshots by table. Handles are kept in id
// order.
func NewHistory(seed []store.Snapshot, handles []*txn.Handle) *History {
	h := &History{seed: make(map[string]store.Snapshot, len(seed))}
	for _, s := range seed {
		h.seed[s.Predicate.Table] = s
	}
	h.txs = append(h.txs, handles...)
	sort.Slice(h.txs, func(i, j int) bool { return h.txs[i].ID < h.txs[j].ID })
	return h
}

// committedBefore reports whether t had committed when seq was stamped.
func committedBefore(t *txn.Handle, seq int64) bool {
	return t.State() == txn.Committed && t.EndSeq() < seq
}

// committedBetween reports whether t committed after from and before to.
func committedBetween(t *txn.Handle, from, to int64) bool {
	return t.State() == txn.Committed && t.EndSeq() > from && t.EndSeq() < to
}

// succeededWrites returns t's successful writes to table.
func succeededWrites(t *txn.Handle, table string) []txn.Op {
	var out []txn.Op
	for _, op := range t.Ops() {
		if op.Kind.IsWrite() && op.Table == table && op.Err == "" {
			out = append(out, op)
		}
	}
	return out
}

// committedState replays the seed and every write committed before seq,
// in commit order, and returns the rows of table by id.
func (h *History) committedState(table string, seq int64) map[int64]map[string]any {
	state := make(map[int64]map[string]any)
	if s, ok := h.seed[table]; ok {
		for _, r := range s.Rows {
			state[r.ID] = r.Clone().Values
		}
	}

	var committed []*txn.Handle
	for _, t := range h.txs {
		if committedBefore(t, seq) {
			committed = append(committed, t)
		}
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].EndSeq() < committed[j].EndSeq() })

	for _, t := range committed {
		for _, op := range succeededWrites(t, table) {
			applyWrite(state, op)
		}
	}
	return state
}

func applyWrite(state map[int64]map[string]any, op txn.Op) {
	for _, id := range op.RowIDs {
		switch op.Kind {
		case txn.OpInsert:
			state[id] = copyValues(op.Values)
		case txn.OpUpdate:
			row, ok := state[id]
			if !ok {
				continue
			}
			for k, v := range op.Values {
				row[k] = v
			}
		case txn.OpDelete:
			delete(state, id)
		}
	}
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func sameValues(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// subset reports whether every column in part has the same value in row.
func subset(part, row map[string]any) bool {
	for k, v := range part {
		if rv, ok := row[k]; !ok || rv != v {
			return false
		}
	}
	return true
}

func containsID(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// canonicalValues renders row values for reasons and fingerprints.
func canonicalValues(values map[string]any) string {
	b, err := ir.MarshalCanonical(values)
	if err != nil {
		return "?"
	}
	return string(b)
}

func (h *History) tx(id string) (*txn.Handle, bool) {
	for _, t := range h.txs {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// writtenBefore returns the row ids t wrote successfully in table before seq.
func writtenBefore(t *txn.Handle, table string, seq int64) map[int64]bool {
	out := make(map[int64]bool)
	for _, op := range succeededWrites(t, table) {
		if op.Seq < seq {
			for _, id := range op.RowIDs {
				out[id] = true
			}
		}
	}
	return out
}

func sortedIDs(state map[int64]map[string]any) []int64 {
	ids := make([]int64, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// merge returns values with set applied over it.
func merge(values, set map[string]any) map[string]any {
	out := copyValues(values)
	for k, v := range set {
		out[k] = v
	}
	return out
}
