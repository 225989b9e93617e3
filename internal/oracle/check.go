package oracle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/isocheck/internal/conflict"
	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
)

// ErrCodeViolation is the IsolationViolation kind.
const ErrCodeViolation = "ISOLATION_VIOLATION"

// Violation is a phenomenon the level forbids.
type Violation struct {
	Level      isolation.Level
	Phenomenon isolation.Phenomenon
	TxID       string
	Snapshots  []store.Snapshot
	Reason     string
}

func (v *Violation) Error() string {
	labels := make([]string, len(v.Snapshots))
	for i, s := range v.Snapshots {
		labels[i] = s.TxID + "/" + s.Label
	}
	msg := fmt.Sprintf("%s: %s observed at %s", ErrCodeViolation, v.Phenomenon, v.Level)
	if v.TxID != "" {
		msg += " by " + v.TxID
	}
	if len(labels) > 0 {
		msg += " [" + strings.Join(labels, ", ") + "]"
	}
	if v.Reason != "" {
		msg += ": " + v.Reason
	}
	return msg
}

// IsViolation reports whether err is an isolation violation.
// Uses errors.As to handle wrapped errors.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Check returns a Violation for every observation the rule table forbids
// at level.
//
// staged is the phenomenon the scenario set out to provoke. When a
// SerializationAnomaly is staged at Serializable, the store must have
// aborted exactly one side of the conflict: if no conflict record shows a
// single abort, that is a violation even when no anomaly was observed.
func Check(level isolation.Level, rules isolation.RuleTable, observed []Observation, conflicts []conflict.Record, staged isolation.Phenomenon) []*Violation {
	var out []*Violation
	anomaly := false
	for _, o := range observed {
		if rules.Permits(level, o.Phenomenon) {
			continue
		}
		if o.Phenomenon == isolation.SerializationAnomaly {
			anomaly = true
		}
		out = append(out, &Violation{
			Level:      level,
			Phenomenon: o.Phenomenon,
			TxID:       o.TxID,
			Snapshots:  o.Snapshots,
			Reason:     o.Reason,
		})
	}

	if level == isolation.Serializable && staged == isolation.SerializationAnomaly && !anomaly {
		aborted, both := false, false
		for _, r := range conflicts {
			switch r.Outcome {
			case conflict.OneAborted:
				aborted = true
			case conflict.BothAborted:
				both = true
			}
		}
		if !aborted {
			reason := "staged conflict finished without either transaction aborting"
			if both {
				reason = "staged conflict aborted both transactions; exactly one must commit"
			}
			out = append(out, &Violation{
				Level:      level,
				Phenomenon: isolation.SerializationAnomaly,
				Reason:     reason,
			})
		}
	}
	return out
}
