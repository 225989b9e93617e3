package conflict

import (
	"sort"

	"github.com/roach88/isocheck/internal/isolation"
)

// TxOutcome is how a transaction ended.
type TxOutcome int

const (
	Committed TxOutcome = iota
	SerializationFailed
	Failed
	RolledBack
)

func (o TxOutcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case SerializationFailed:
		return "serialization_failed"
	case Failed:
		return "failed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Access is one read or attempted write of an invariant at a logical time.
type Access struct {
	Invariant string
	Seq       int64
}

// Summary is what a run observed about one transaction. Writes include
// attempted writes, so a transaction aborted at commit still shows what it
// tried to change.
type Summary struct {
	ID       string
	BeginSeq int64
	EndSeq   int64
	Outcome  TxOutcome
	Reads    []Access
	Writes   []Access
}

// Footprint drops the timing from the summary's accesses.
func (s Summary) Footprint() Footprint {
	fp := Footprint{
		Reads:  make([]string, len(s.Reads)),
		Writes: make([]string, len(s.Writes)),
	}
	for i, a := range s.Reads {
		fp.Reads[i] = a.Invariant
	}
	for i, a := range s.Writes {
		fp.Writes[i] = a.Invariant
	}
	return fp
}

// Overlaps reports whether both transactions were live at the same time.
func (s Summary) Overlaps(o Summary) bool {
	return s.BeginSeq < o.EndSeq && o.BeginSeq < s.EndSeq
}

// RecordOutcome is how a conflicting pair was resolved.
type RecordOutcome int

const (
	BothCommitted RecordOutcome = iota
	OneAborted
	BothAborted
)

func (o RecordOutcome) String() string {
	switch o {
	case OneAborted:
		return "one_aborted"
	case BothAborted:
		return "both_aborted"
	default:
		return "both_committed"
	}
}

// Record is a pair of concurrent transactions whose touched invariants
// intersect, and what happened to them.
type Record struct {
	A, B      string
	Invariant string
	Outcome   RecordOutcome
	Aborted   string
}

// Detect returns a Record for every overlapping pair with intersecting
// touched invariants where both committed, or one or both failed to
// serialize. Pairs involving a rollback or another failure are skipped.
// Records are only produced at Serializable.
func Detect(level isolation.Level, summaries []Summary) []Record {
	if level != isolation.Serializable {
		return nil
	}

	sorted := append([]Summary(nil), summaries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var records []Record
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			if !a.Overlaps(b) {
				continue
			}
			fa, fb := a.Footprint(), b.Footprint()
			inv, ok := touched(fa.Reads, fa.Writes).firstShared(touched(fb.Reads, fb.Writes))
			if !ok {
				continue
			}

			rec := Record{A: a.ID, B: b.ID, Invariant: inv}
			switch {
			case a.Outcome == Committed && b.Outcome == Committed:
				rec.Outcome = BothCommitted
			case a.Outcome == SerializationFailed && b.Outcome == Committed:
				rec.Outcome, rec.Aborted = OneAborted, a.ID
			case a.Outcome == Committed && b.Outcome == SerializationFailed:
				rec.Outcome, rec.Aborted = OneAborted, b.ID
			case a.Outcome == SerializationFailed && b.Outcome == SerializationFailed:
				rec.Outcome = BothAborted
			default:
				continue
			}
			records = append(records, rec)
		}
	}
	return records
}
