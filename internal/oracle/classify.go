package oracle

import (
	"fmt"

	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
	"github.com/roach88/isocheck/internal/txn"
)

// Observation is one phenomenon a transaction experienced.
type Observation struct {
	Phenomenon isolation.Phenomenon
	TxID       string

	// Other is the transaction whose write explains the phenomenon.
	Other     string
	Snapshots []store.Snapshot
	Reason    string
}

// dirtyRow looks for a row in snap that only an uncommitted write by
// another transaction can explain, or a committed row missing from snap
// because another transaction deleted it, or moved it out of the
// predicate, without committing.
func (h *History) dirtyRow(snap store.Snapshot) (Observation, bool) {
	state := h.committedState(snap.Predicate.Table, snap.Seq)
	for _, r := range snap.Rows {
		if committed, ok := state[r.ID]; ok && sameValues(committed, r.Values) {
			continue
		}
		for _, t := range h.txs {
			if t.ID == snap.TxID || committedBefore(t, snap.Seq) {
				continue
			}
			for _, op := range succeededWrites(t, snap.Predicate.Table) {
				if op.Seq > snap.Seq || op.Kind == txn.OpDelete || !containsID(op.RowIDs, r.ID) {
					continue
				}
				if subset(op.Values, r.Values) {
					return Observation{
						Phenomenon: isolation.DirtyRead,
						TxID:       snap.TxID,
						Other:      t.ID,
						Snapshots:  []store.Snapshot{snap},
						Reason: fmt.Sprintf("%s saw row %d = %s at seq %d, written by %s which had not committed",
							snap.Label, r.ID, canonicalValues(r.Values), snap.Seq, t.ID),
					}, true
				}
			}
		}
	}
	return h.dirtyAbsence(snap, state)
}

// dirtyAbsence reports a row that matched snap's predicate in the
// committed state, both when the reader began and when snap was taken, but
// is missing from snap. Rows the reader wrote itself are not considered.
func (h *History) dirtyAbsence(snap store.Snapshot, state map[int64]map[string]any) (Observation, bool) {
	reader, ok := h.tx(snap.TxID)
	if !ok {
		return Observation{}, false
	}
	table := snap.Predicate.Table
	atBegin := h.committedState(table, reader.BeginSeq())
	own := writtenBefore(reader, table, snap.Seq)

	for _, id := range sortedIDs(state) {
		values := state[id]
		if _, seen := snap.Row(id); seen || own[id] || !snap.Predicate.Matches(values) {
			continue
		}
		if before, ok := atBegin[id]; !ok || !snap.Predicate.Matches(before) {
			continue
		}
		for _, t := range h.txs {
			if t.ID == snap.TxID || committedBefore(t, snap.Seq) {
				continue
			}
			for _, op := range succeededWrites(t, table) {
				if op.Seq > snap.Seq || !containsID(op.RowIDs, id) {
					continue
				}
				var what string
				switch {
				case op.Kind == txn.OpDelete:
					what = "deleted"
				case op.Kind == txn.OpUpdate && !snap.Predicate.Matches(merge(values, op.Values)):
					what = "moved out of " + snap.Predicate.String()
				default:
					continue
				}
				return Observation{
					Phenomenon: isolation.DirtyRead,
					TxID:       snap.TxID,
					Other:      t.ID,
					Snapshots:  []store.Snapshot{snap},
					Reason: fmt.Sprintf("%s did not see row %d = %s at seq %d, %s by %s which had not committed",
						snap.Label, id, canonicalValues(values), snap.Seq, what, t.ID),
				}, true
			}
		}
	}
	return Observation{}, false
}

// Classify compares two snapshots of the same transaction on the same
// table, first before second, and returns at most one phenomenon. A row
// whose values differ is compared by id whatever the predicates were;
// PhantomRead needs both snapshots taken with the same predicate. ok is
// false when the snapshots are not comparable or nothing explains a
// difference.
func (h *History) Classify(first, second store.Snapshot) (Observation, bool) {
	if first.TxID != second.TxID || first.Predicate.Table != second.Predicate.Table || first.Seq >= second.Seq {
		return Observation{}, false
	}
	for _, s := range []store.Snapshot{first, second} {
		if o, ok := h.dirtyRow(s); ok {
			return o, true
		}
	}
	if o, ok := h.nonrepeatable(first, second); ok {
		return o, true
	}
	if !first.SamePredicate(second) {
		return Observation{}, false
	}
	return h.phantom(first, second)
}

func (h *History) nonrepeatable(first, second store.Snapshot) (Observation, bool) {
	for _, r1 := range first.Rows {
		if o, ok := h.changedRow(first, second, r1.ID); ok {
			return o, true
		}
	}
	return Observation{}, false
}

// changedRow reports a NonrepeatableRead when row id is in both snapshots
// with different values and another transaction committed an update to it
// in between.
func (h *History) changedRow(first, second store.Snapshot, id int64) (Observation, bool) {
	r1, ok := first.Row(id)
	if !ok {
		return Observation{}, false
	}
	r2, ok := second.Row(id)
	if !ok || sameValues(r1.Values, r2.Values) {
		return Observation{}, false
	}
	other, ok := h.explain(first, second, id, txn.OpUpdate)
	if !ok {
		return Observation{}, false
	}
	return Observation{
		Phenomenon: isolation.NonrepeatableRead,
		TxID:       first.TxID,
		Other:      other,
		Snapshots:  []store.Snapshot{first, second},
		Reason: fmt.Sprintf("row %d changed from %s (%s) to %s (%s) after %s committed an update",
			id, canonicalValues(r1.Values), first.Label, canonicalValues(r2.Values), second.Label, other),
	}, true
}

func (h *History) phantom(first, second store.Snapshot) (Observation, bool) {
	var differing []int64
	for _, r := range second.Rows {
		if _, ok := first.Row(r.ID); !ok {
			differing = append(differing, r.ID)
		}
	}
	for _, r := range first.Rows {
		if _, ok := second.Row(r.ID); !ok {
			differing = append(differing, r.ID)
		}
	}

	for _, id := range differing {
		if other, ok := h.explain(first, second, id, txn.OpInsert, txn.OpDelete, txn.OpUpdate); ok {
			return Observation{
				Phenomenon: isolation.PhantomRead,
				TxID:       first.TxID,
				Other:      other,
				Snapshots:  []store.Snapshot{first, second},
				Reason: fmt.Sprintf("%s matched %d rows, %s matched %d; row %d was changed by %s which committed in between",
					first.Label, len(first.Rows), second.Label, len(second.Rows), id, other),
			}, true
		}
	}
	return Observation{}, false
}

// explain returns another transaction that committed a write of one of the
// given kinds to row id between the two captures.
func (h *History) explain(first, second store.Snapshot, id int64, kinds ...txn.OpKind) (string, bool) {
	for _, t := range h.txs {
		if t.ID == first.TxID || !committedBetween(t, first.Seq, second.Seq) {
			continue
		}
		for _, op := range succeededWrites(t, first.Predicate.Table) {
			if !containsID(op.RowIDs, id) {
				continue
			}
			for _, k := range kinds {
				if op.Kind == k {
					return t.ID, true
				}
			}
		}
	}
	return "", false
}
