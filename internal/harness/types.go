package harness

import (
	"sort"

	"github.com/roach88/isocheck/internal/conflict"
	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/oracle"
	"github.com/roach88/isocheck/internal/store"
	"github.com/roach88/isocheck/internal/txn"
)

// TraceEvent is one op of one transaction, in global seq order.
type TraceEvent struct {
	Seq    int64   `json:"seq"`
	Tx     string  `json:"tx"`
	Kind   string  `json:"kind"`
	Point  string  `json:"point,omitempty"`
	Label  string  `json:"label,omitempty"`
	Detail string  `json:"detail,omitempty"`
	Rows   []int64 `json:"rows,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// TxResult is how one transaction of the run ended.
type TxResult struct {
	ID        string
	Outcome   conflict.TxOutcome
	Err       error
	Snapshots []store.Snapshot
}

// Result is the outcome of running a scenario.
type Result struct {
	RunID    string          `json:"run_id"`
	Scenario string          `json:"scenario"`
	Level    isolation.Level `json:"level"`

	// Pass is true when nothing forbidden was observed and every
	// expectation for the level held.
	Pass bool `json:"pass"`

	// Attempts counts the runs made, retries included.
	Attempts int `json:"attempts"`

	// Fingerprint is the domain-separated hash of the canonical verdict.
	Fingerprint string `json:"fingerprint"`

	Errors []string `json:"errors,omitempty"`

	// Cause is what stopped the run early, if anything: a coordinator
	// timeout, the scenario deadline, or a transaction failure.
	Cause error `json:"-"`

	Transactions []TxResult          `json:"-"`
	Observed     []oracle.Observation `json:"-"`
	Violations   []*oracle.Violation  `json:"-"`
	Conflicts    []conflict.Record    `json:"-"`
	Seed         store.Snapshot       `json:"-"`
	Final        []store.Row          `json:"-"`
	Trace        []TraceEvent         `json:"trace,omitempty"`
}

// NewResult creates a passing result.
func NewResult(scenario string, level isolation.Level) *Result {
	return &Result{
		Scenario: scenario,
		Level:    level,
		Pass:     true,
		Errors:   []string{},
	}
}

// AddError adds a message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Saw reports whether phenomenon p was observed, permitted or not.
func (r *Result) Saw(p isolation.Phenomenon) bool {
	for _, o := range r.Observed {
		if o.Phenomenon == p {
			return true
		}
	}
	return false
}

// Tx returns the result of transaction id.
func (r *Result) Tx(id string) (TxResult, bool) {
	for _, t := range r.Transactions {
		if t.ID == id {
			return t, true
		}
	}
	return TxResult{}, false
}

// Canonical returns the verdict as a map for ir.MarshalCanonical.
//
// Only what a correct store reproduces exactly on every run is included:
// outcomes, captured rows, phenomena with the snapshots behind them,
// conflict records and the final rows. Seqs, reasons and driver error
// texts are left out; they vary with goroutine scheduling and drivers.
func (r *Result) Canonical() map[string]any {
	txs := make([]any, len(r.Transactions))
	for i, t := range r.Transactions {
		snaps := make([]any, len(t.Snapshots))
		for j, s := range t.Snapshots {
			snaps[j] = map[string]any{
				"label": s.Label,
				"rows":  canonicalRows(s.Rows),
			}
		}
		txs[i] = map[string]any{
			"id":        t.ID,
			"outcome":   t.Outcome.String(),
			"snapshots": snaps,
		}
	}

	observed := make([]any, len(r.Observed))
	for i, o := range r.Observed {
		labels := make([]any, len(o.Snapshots))
		for j, s := range o.Snapshots {
			labels[j] = s.TxID + "/" + s.Label
		}
		observed[i] = map[string]any{
			"phenomenon": o.Phenomenon.String(),
			"tx":         o.TxID,
			"other":      o.Other,
			"snapshots":  labels,
		}
	}

	violations := make([]any, len(r.Violations))
	for i, v := range r.Violations {
		violations[i] = map[string]any{
			"phenomenon": v.Phenomenon.String(),
			"tx":         v.TxID,
		}
	}

	conflicts := make([]any, len(r.Conflicts))
	for i, c := range r.Conflicts {
		conflicts[i] = map[string]any{
			"a":         c.A,
			"b":         c.B,
			"invariant": c.Invariant,
			"outcome":   c.Outcome.String(),
			"aborted":   c.Aborted,
		}
	}

	return map[string]any{
		"scenario":     r.Scenario,
		"level":        r.Level.String(),
		"pass":         r.Pass,
		"transactions": txs,
		"observed":     observed,
		"violations":   violations,
		"conflicts":    conflicts,
		"final":        canonicalRows(r.Final),
	}
}

func canonicalRows(rows []store.Row) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = map[string]any{
			"id":     row.ID,
			"values": row.Values,
		}
	}
	return out
}

// buildTrace merges the op logs of every transaction in seq order.
func buildTrace(handles []*txn.Handle) []TraceEvent {
	var out []TraceEvent
	for _, h := range handles {
		for _, op := range h.Ops() {
			out = append(out, TraceEvent{
				Seq:    op.Seq,
				Tx:     h.ID,
				Kind:   string(op.Kind),
				Point:  op.Point,
				Label:  op.Label,
				Detail: op.Detail,
				Rows:   op.RowIDs,
				Error:  op.Err,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
