package conflict

import "github.com/tidwall/btree"

// Footprint lists the invariants a transaction read and wrote.
type Footprint struct {
	Reads  []string
	Writes []string
}

// Touched returns the invariants the transaction derived, in sorted order.
func (f Footprint) Touched() []string {
	return touched(f.Reads, f.Writes).keys()
}

type invariantSet struct {
	set btree.Set[string]
}

func touched(reads, writes []string) *invariantSet {
	s := &invariantSet{}
	if len(writes) == 0 {
		return s
	}
	for _, w := range writes {
		s.set.Insert(w)
	}
	for _, r := range reads {
		s.set.Insert(r)
	}
	return s
}

// firstShared returns the smallest invariant in both sets.
func (s *invariantSet) firstShared(o *invariantSet) (string, bool) {
	var shared string
	var found bool
	s.set.Scan(func(k string) bool {
		if o.set.Contains(k) {
			shared, found = k, true
			return false
		}
		return true
	})
	return shared, found
}

func (s *invariantSet) keys() []string {
	keys := make([]string, 0, s.set.Len())
	s.set.Scan(func(k string) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}
