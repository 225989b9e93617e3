// Package clock provides the logical clock that orders every observable
// event of a scenario run.
//
// Captures, writes, commits and aborts are stamped with a strictly
// increasing seq. The oracle reasons only about seq order, never about
// wall time, so a run that follows the same rendezvous schedule produces
// the same ordering.
package clock

import "sync/atomic"

// Clock is a monotonic logical clock.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// Every transaction goroutine of a scenario shares one Clock.
type Clock struct {
	seq atomic.Int64
}

// New creates a new clock starting at 0.
func New() *Clock {
	return &Clock{}
}

// NewAt creates a clock whose next value is start+1.
func NewAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
