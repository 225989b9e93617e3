package txn

import (
	"github.com/roach88/isocheck/internal/conflict"
	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
)

// State is the lifecycle state of a transaction. It only moves forward:
// Active to Committed or Aborted.
type State int

const (
	Active State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// OpKind names a recorded operation.
type OpKind string

const (
	OpBegin     OpKind = "begin"
	OpCapture   OpKind = "capture"
	OpRead      OpKind = "read"
	OpAggregate OpKind = "aggregate"
	OpInsert    OpKind = "insert"
	OpUpdate    OpKind = "update"
	OpDelete    OpKind = "delete"
	OpWait      OpKind = "wait"
	OpCommit    OpKind = "commit"
	OpRollback  OpKind = "rollback"
	OpBody      OpKind = "body"
)

// IsWrite reports whether the op changes rows.
func (k OpKind) IsWrite() bool {
	return k == OpInsert || k == OpUpdate || k == OpDelete
}

// IsRead reports whether the op observes rows.
func (k OpKind) IsRead() bool {
	return k == OpCapture || k == OpRead || k == OpAggregate
}

// Op is one entry of a transaction's op log.
//
// For writes, Values holds the inserted row or the columns set by an
// update, and RowIDs the affected rows. For reads, RowIDs lists the rows
// returned. Result holds an aggregate's value.
type Op struct {
	Seq    int64
	Kind   OpKind
	Table  string
	Point  string
	Label  string
	Detail string
	RowIDs []int64
	Values map[string]any
	Result int64
	Err    string
}

// Handle is the record of one transaction. It is written by the goroutine
// running the transaction and read once Run has returned.
type Handle struct {
	ID    string
	Level isolation.Level

	state     State
	outcome   conflict.TxOutcome
	ops       []Op
	snapshots []store.Snapshot
	beginSeq  int64
	endSeq    int64
}

func (h *Handle) State() State { return h.state }

// Outcome is how the transaction ended. Only meaningful once it is not
// Active.
func (h *Handle) Outcome() conflict.TxOutcome { return h.outcome }

// Ops returns the op log in seq order.
func (h *Handle) Ops() []Op { return h.ops }

// Snapshots returns the captured snapshots in capture order.
func (h *Handle) Snapshots() []store.Snapshot { return h.snapshots }

func (h *Handle) BeginSeq() int64 { return h.beginSeq }

// EndSeq is the seq of the commit or abort.
func (h *Handle) EndSeq() int64 { return h.endSeq }

// finish moves an active transaction to its final state.
func (h *Handle) finish(seq int64, state State, outcome conflict.TxOutcome) {
	if h.state != Active {
		return
	}
	h.state = state
	h.outcome = outcome
	h.endSeq = seq
}

// Summary condenses the op log for conflict detection. Failed writes are
// kept: they are what the transaction tried to change.
func (h *Handle) Summary() conflict.Summary {
	s := conflict.Summary{
		ID:       h.ID,
		BeginSeq: h.beginSeq,
		EndSeq:   h.endSeq,
		Outcome:  h.outcome,
	}
	for _, op := range h.ops {
		switch {
		case op.Kind.IsRead() && op.Err == "":
			s.Reads = append(s.Reads, conflict.Access{Invariant: op.Table, Seq: op.Seq})
		case op.Kind.IsWrite():
			s.Writes = append(s.Writes, conflict.Access{Invariant: op.Table, Seq: op.Seq})
		}
	}
	return s
}
