package interleave

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultBound is the wait bound used when New is given zero.
const DefaultBound = 5 * time.Second

type point struct {
	name         string
	participants []string
	declared     map[string]bool
	arrived      map[string]bool

	// broadcast is closed once everyone arrived at an unordered point.
	broadcast chan struct{}

	// order, release and next drive an ordered point: release[order[next]]
	// is closed when the previous holder yields.
	order   []string
	release map[string]chan struct{}
	next    int
	holder  string
}

func (p *point) complete() bool {
	return len(p.arrived) == len(p.participants)
}

func (p *point) channel(participant string) chan struct{} {
	if p.order == nil {
		return p.broadcast
	}
	return p.release[participant]
}

func (p *point) missing() []string {
	var out []string
	for _, id := range p.participants {
		if !p.arrived[id] {
			out = append(out, id)
		}
	}
	return out
}

// Coordinator is a set of named rendezvous points shared by the
// transactions of one scenario run.
type Coordinator struct {
	mu      sync.Mutex
	bound   time.Duration
	points  map[string]*point
	holding map[string]*point
	done    map[string]bool

	failed chan struct{}
	err    error

	logger *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for rendezvous events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New returns a coordinator whose waits are bounded by bound.
func New(bound time.Duration, opts ...Option) *Coordinator {
	if bound <= 0 {
		bound = DefaultBound
	}
	c := &Coordinator{
		bound:   bound,
		points:  make(map[string]*point),
		holding: make(map[string]*point),
		done:    make(map[string]bool),
		failed:  make(chan struct{}),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PointOption configures a registered point.
type PointOption func(*point) error

// WithReleaseOrder releases participants one at a time in the given order.
// ids must be a permutation of the point's participants.
func WithReleaseOrder(ids ...string) PointOption {
	return func(p *point) error {
		if len(ids) != len(p.participants) {
			return fmt.Errorf("release order of %q names %d participants, want %d", p.name, len(ids), len(p.participants))
		}
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if !p.declared[id] {
				return fmt.Errorf("release order of %q: %s is not a participant", p.name, id)
			}
			if seen[id] {
				return fmt.Errorf("release order of %q: %s listed twice", p.name, id)
			}
			seen[id] = true
		}
		p.order = append([]string(nil), ids...)
		p.release = make(map[string]chan struct{}, len(ids))
		for _, id := range ids {
			p.release[id] = make(chan struct{})
		}
		return nil
	}
}

// RegisterPoint declares a rendezvous named name for participants.
func (c *Coordinator) RegisterPoint(name string, participants []string, opts ...PointOption) error {
	if name == "" {
		return fmt.Errorf("interleave point name is empty")
	}
	if len(participants) == 0 {
		return fmt.Errorf("interleave point %q has no participants", name)
	}

	p := &point{
		name:         name,
		participants: append([]string(nil), participants...),
		declared:     make(map[string]bool, len(participants)),
		arrived:      make(map[string]bool, len(participants)),
		broadcast:    make(chan struct{}),
	}
	for _, id := range participants {
		if p.declared[id] {
			return fmt.Errorf("interleave point %q lists %s twice", name, id)
		}
		p.declared[id] = true
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.points[name]; ok {
		return fmt.Errorf("interleave point %q registered twice", name)
	}
	c.points[name] = p
	return nil
}

// Wait blocks participant at point name until it is released, the
// coordinator fails, ctx is done, or the bound elapses.
func (c *Coordinator) Wait(ctx context.Context, name, participant string) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	p, ok := c.points[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPoint, name)
	}
	if !p.declared[participant] {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s at %q", ErrNotParticipant, participant, name)
	}
	if p.arrived[participant] {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s at %q", ErrAlreadyArrived, participant, name)
	}

	c.yield(participant)
	p.arrived[participant] = true
	c.logger.Debug("arrived", "point", name, "participant", participant, "arrived", len(p.arrived), "of", len(p.participants))
	if p.complete() {
		if p.order == nil {
			close(p.broadcast)
			c.logger.Debug("released", "point", name)
		} else {
			c.advance(p)
		}
	}
	ch := p.channel(participant)
	c.mu.Unlock()

	timer := time.NewTimer(c.bound)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-c.failed:
		return c.failure()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-ch:
		// Released while the timer fired.
		return nil
	default:
	}
	if c.err == nil {
		te := &TimeoutError{Point: name, Bound: c.bound}
		if p.complete() {
			te.Holder = p.holder
		} else {
			te.Missing = p.missing()
		}
		c.fail(te)
	}
	return c.err
}

// Done marks participant as finished. It gives up any point it holds, and
// fails the coordinator if participant was declared for a point it never
// reached: that point can no longer complete.
func (c *Coordinator) Done(participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.done[participant] = true
	c.yield(participant)
	if c.err != nil {
		return
	}
	for _, name := range c.sortedPoints() {
		p := c.points[name]
		if p.declared[participant] && !p.arrived[participant] {
			c.fail(&TimeoutError{Point: name, Missing: []string{participant}})
			return
		}
	}
}

// Leave withdraws a participant that stopped early because its
// transaction failed. Every point it had not reached stops waiting for it
// and is released if it is now complete.
func (c *Coordinator) Leave(participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.done[participant] = true
	c.yield(participant)
	if c.err != nil {
		return
	}
	for _, name := range c.sortedPoints() {
		p := c.points[name]
		if !p.declared[participant] || p.arrived[participant] {
			continue
		}
		p.arrived[participant] = true
		c.logger.Debug("left", "point", name, "participant", participant)
		if !p.complete() {
			continue
		}
		if p.order == nil {
			close(p.broadcast)
		} else {
			c.advance(p)
		}
	}
}

// Err returns the failure that stopped the coordinator, if any.
func (c *Coordinator) Err() error {
	return c.failure()
}

func (c *Coordinator) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// fail records err and wakes every waiter. Caller holds c.mu.
func (c *Coordinator) fail(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	close(c.failed)
	c.logger.Warn("coordinator failed", "error", err)
}

// yield releases the next participant of the ordered point participant
// holds, if any. Caller holds c.mu.
func (c *Coordinator) yield(participant string) {
	p, ok := c.holding[participant]
	if !ok {
		return
	}
	delete(c.holding, participant)
	c.advance(p)
}

// advance hands an ordered point to its next participant. Caller holds c.mu.
func (c *Coordinator) advance(p *point) {
	if p.next >= len(p.order) {
		p.holder = ""
		return
	}
	id := p.order[p.next]
	p.next++
	p.holder = id
	close(p.release[id])
	c.logger.Debug("released", "point", p.name, "participant", id)

	// A participant that already finished cannot yield, so pass it on.
	if c.done[id] {
		c.advance(p)
		return
	}
	c.holding[id] = p
}

func (c *Coordinator) sortedPoints() []string {
	names := make([]string, 0, len(c.points))
	for name := range c.points {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
