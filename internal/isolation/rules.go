package isolation

// RuleTable is an immutable, total mapping from isolation level to the
// phenomena it permits.
//
// RuleTable is a value type: copies are independent and no method mutates
// the receiver. Out-of-range levels and phenomena are treated as forbidden,
// so every (Level, Phenomenon) pair has a defined verdict.
type RuleTable struct {
	permitted [numLevels + 1][numPhenomena + 1]bool
}

// RuleOption adjusts the default table at construction time.
type RuleOption func(*RuleTable)

// WithPhantomAtRepeatableRead sets whether PhantomRead is permitted at
// RepeatableRead. The default (false) matches PostgreSQL; ANSI SQL and
// several lock-based engines permit it.
func WithPhantomAtRepeatableRead(permitted bool) RuleOption {
	return func(r *RuleTable) {
		r.permitted[RepeatableRead][PhantomRead] = permitted
	}
}

// NewRuleTable builds the default table and applies opts.
func NewRuleTable(opts ...RuleOption) RuleTable {
	var r RuleTable

	r.permitted[ReadCommitted][NonrepeatableRead] = true
	r.permitted[ReadCommitted][PhantomRead] = true
	r.permitted[ReadCommitted][SerializationAnomaly] = true

	r.permitted[RepeatableRead][SerializationAnomaly] = true

	// Serializable permits nothing; DirtyRead is forbidden everywhere.

	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Permits reports whether phenomenon p may be observed at level l.
func (r RuleTable) Permits(l Level, p Phenomenon) bool {
	if !l.Valid() || !p.Valid() {
		return false
	}
	return r.permitted[l][p]
}

// Permitted returns the phenomena level l permits, in Phenomena order.
func (r RuleTable) Permitted(l Level) []Phenomenon {
	var out []Phenomenon
	for _, p := range Phenomena {
		if r.Permits(l, p) {
			out = append(out, p)
		}
	}
	return out
}

// Forbidden returns the phenomena level l forbids, in Phenomena order.
func (r RuleTable) Forbidden(l Level) []Phenomenon {
	var out []Phenomenon
	for _, p := range Phenomena {
		if !r.Permits(l, p) {
			out = append(out, p)
		}
	}
	return out
}
