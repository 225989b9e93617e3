package oracle

import (
	"fmt"
	"sort"

	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
	"github.com/roach88/isocheck/internal/txn"
)

// Observe classifies every snapshot of every transaction against the
// earlier ones, then looks for serialization anomalies among the
// committed ones. The result is ordered by transaction id, then by seq.
func (h *History) Observe() []Observation {
	var out []Observation
	for _, t := range h.txs {
		out = append(out, h.observeTx(t)...)
	}
	out = append(out, h.anomalies()...)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TxID != out[j].TxID {
			return out[i].TxID < out[j].TxID
		}
		return firstSeq(out[i]) < firstSeq(out[j])
	})
	return out
}

func firstSeq(o Observation) int64 {
	if len(o.Snapshots) == 0 {
		return 0
	}
	return o.Snapshots[0].Seq
}

func (h *History) observeTx(t *txn.Handle) []Observation {
	var out []Observation
	dirty := make(map[string]bool)
	for _, s := range t.Snapshots() {
		if o, ok := h.dirtyRow(s); ok {
			out = append(out, o)
			dirty[s.Label] = true
		}
	}

	// A row is compared with the last snapshot of the same table that
	// held it, whatever that snapshot's predicate. Row counts are compared
	// with the previous snapshot of the same predicate.
	lastRow := make(map[string]map[int64]store.Snapshot)
	lastPred := make(map[string]store.Snapshot)
	for _, s := range t.Snapshots() {
		table := s.Predicate.Table
		if lastRow[table] == nil {
			lastRow[table] = make(map[int64]store.Snapshot)
		}
		if !dirty[s.Label] {
			if o, ok := h.changedSince(lastRow[table], s, dirty); ok {
				out = append(out, o)
			} else if prev, ok := lastPred[s.Predicate.String()]; ok && !dirty[prev.Label] {
				if o, ok := h.phantom(prev, s); ok {
					out = append(out, o)
				}
			}
		}
		for _, r := range s.Rows {
			lastRow[table][r.ID] = s
		}
		lastPred[s.Predicate.String()] = s
	}
	return out
}

// changedSince returns the first row of s whose values differ from the
// last clean snapshot that held it.
func (h *History) changedSince(last map[int64]store.Snapshot, s store.Snapshot, dirty map[string]bool) (Observation, bool) {
	for _, r := range s.Rows {
		prev, ok := last[r.ID]
		if !ok || dirty[prev.Label] {
			continue
		}
		if o, ok := h.changedRow(prev, s, r.ID); ok {
			return o, true
		}
	}
	return Observation{}, false
}

// readsBefore returns the tables t read successfully before seq.
func readsBefore(t *txn.Handle, seq int64) map[string]bool {
	out := make(map[string]bool)
	for _, op := range t.Ops() {
		if op.Kind.IsRead() && op.Err == "" && op.Seq < seq {
			out[op.Table] = true
		}
	}
	return out
}

// rwEdge returns a table that a read before b committed and b wrote:
// a did not see b's write.
func rwEdge(a, b *txn.Handle) (string, bool) {
	reads := readsBefore(a, b.EndSeq())
	for _, op := range b.Ops() {
		if op.Kind.IsWrite() && op.Err == "" && reads[op.Table] {
			return op.Table, true
		}
	}
	return "", false
}

func overlaps(a, b *txn.Handle) bool {
	return a.BeginSeq() < b.EndSeq() && b.BeginSeq() < a.EndSeq()
}

// anomalies reports committed rw-antidependency cycles between pairs of
// transactions.
func (h *History) anomalies() []Observation {
	var out []Observation
	for i := 0; i < len(h.txs); i++ {
		for j := i + 1; j < len(h.txs); j++ {
			a, b := h.txs[i], h.txs[j]
			if a.State() != txn.Committed || b.State() != txn.Committed || !overlaps(a, b) {
				continue
			}
			x, ok := rwEdge(a, b)
			if !ok {
				continue
			}
			y, ok := rwEdge(b, a)
			if !ok {
				continue
			}
			snaps := append(append([]store.Snapshot(nil), a.Snapshots()...), b.Snapshots()...)
			out = append(out, Observation{
				Phenomenon: isolation.SerializationAnomaly,
				TxID:       a.ID,
				Other:      b.ID,
				Snapshots:  snaps,
				Reason: fmt.Sprintf("%s read %s before %s committed a write to it, and %s read %s before %s committed a write to it; both committed",
					a.ID, x, b.ID, b.ID, y, a.ID),
			})
		}
	}
	return out
}
