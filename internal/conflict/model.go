package conflict

import (
	"fmt"
	"sync"
)

// Outcome is the commit decision for one transaction.
type Outcome int

const (
	Commit Outcome = iota
	Abort
)

func (o Outcome) String() string {
	if o == Abort {
		return "abort"
	}
	return "commit"
}

// Decision is the result of TryCommit.
type Decision struct {
	Outcome      Outcome
	Reason       string
	ConflictWith string
	Invariant    string
}

type committedTx struct {
	id       string
	commitTS int64
	touched  *invariantSet
}

// Model resolves commit conflicts between Serializable transactions. A
// committing transaction aborts when it touched an invariant also touched
// by a transaction that committed after it began. Decisions depend only on
// the order of Begin and TryCommit calls.
type Model struct {
	mu        sync.Mutex
	ts        int64
	active    map[string]int64
	committed []committedTx
}

// NewModel returns an empty Model.
func NewModel() *Model {
	return &Model{active: make(map[string]int64)}
}

// Begin records that id started. Its begin timestamp is the number of
// commits seen so far.
func (m *Model) Begin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = m.ts
}

// TryCommit decides whether id may commit with the given footprint. On
// Commit the transaction becomes visible to later decisions; on Abort it is
// forgotten.
func (m *Model) TryCommit(id string, fp Footprint) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	begin, ok := m.active[id]
	if !ok {
		return Decision{Outcome: Abort, Reason: fmt.Sprintf("transaction %s is not active", id)}
	}
	delete(m.active, id)

	mine := touched(fp.Reads, fp.Writes)
	for _, c := range m.committed {
		if c.commitTS <= begin {
			continue
		}
		if inv, ok := mine.firstShared(c.touched); ok {
			m.prune()
			return Decision{
				Outcome:      Abort,
				Reason:       fmt.Sprintf("invariant %s was changed by %s after %s began", inv, c.id, id),
				ConflictWith: c.id,
				Invariant:    inv,
			}
		}
	}

	m.ts++
	if mine.set.Len() > 0 {
		m.committed = append(m.committed, committedTx{id: id, commitTS: m.ts, touched: mine})
	}
	m.prune()
	return Decision{Outcome: Commit}
}

// Forget drops an active transaction that rolled back.
func (m *Model) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
	m.prune()
}

// prune drops committed entries no active transaction can conflict with.
func (m *Model) prune() {
	oldest := m.ts
	for _, b := range m.active {
		if b < oldest {
			oldest = b
		}
	}
	keep := m.committed[:0]
	for _, c := range m.committed {
		if c.commitTS > oldest {
			keep = append(keep, c)
		}
	}
	m.committed = keep
}
