package fiber

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Condition is a wait/notify primitive shared by fibers and goroutines.
// Waiters register, re-check their predicate, then await; a signal unparks
// registered strands using the condition's owner as the unblocker.
//
// Wakeups may be spurious, so Await is always called in a loop:
//
//	reg := c.Register(ctx)
//	defer c.Unregister(reg)
//	for !ready() {
//		if err := c.Await(ctx, reg); err != nil {
//			return err
//		}
//	}
type Condition struct {
	owner   any
	mu      sync.Mutex
	waiters []*Registration
}

// Registration is a strand's membership of a [Condition].
type Registration struct {
	strand Strand
}

// Strand returns the registered strand.
func (r *Registration) Strand() Strand { return r.strand }

// NewCondition creates a condition whose owner is the blocker parked on. A
// nil owner means the condition itself.
func NewCondition(owner any) *Condition {
	c := &Condition{owner: owner}
	if owner == nil {
		c.owner = c
	}
	return c
}

// Owner returns the blocker used by waiters.
func (c *Condition) Owner() any { return c.owner }

// Register adds the calling strand as a waiter.
func (c *Condition) Register(ctx context.Context) *Registration {
	return c.RegisterStrand(CurrentStrand(ctx))
}

// RegisterStrand adds s as a waiter. A strand waiting on several conditions
// at once registers the same value with each, then parks on it directly.
func (c *Condition) RegisterStrand(s Strand) *Registration {
	r := &Registration{strand: s}
	c.mu.Lock()
	c.waiters = append(c.waiters, r)
	c.mu.Unlock()
	return r
}

// Unregister removes r. It is a no-op if r is not registered.
func (c *Condition) Unregister(r *Registration) {
	if r == nil {
		return
	}
	c.mu.Lock()
	if i := slices.Index(c.waiters, r); i >= 0 {
		c.waiters = slices.Delete(c.waiters, i, i+1)
	}
	c.mu.Unlock()
}

// Await parks the registered strand until signalled, or ctx is done.
func (c *Condition) Await(ctx context.Context, r *Registration) error {
	return r.strand.Park(ctx, c.owner, false)
}

// AwaitTimeout is [Condition.Await] bounded by d. Expiry is not an error;
// callers track their own deadline.
func (c *Condition) AwaitTimeout(ctx context.Context, r *Registration, d time.Duration) error {
	return r.strand.ParkTimeout(ctx, c.owner, false, d)
}

// Waiters returns the number of registered strands.
func (c *Condition) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Condition) snapshot() []*Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.waiters)
}

// SignalAll unparks every registered strand.
func (c *Condition) SignalAll() {
	for _, r := range c.snapshot() {
		r.strand.Unpark(c.owner)
	}
}

// Signal unparks registered strands in registration order, stopping at the
// first one that was actually parked.
func (c *Condition) Signal() {
	for _, r := range c.snapshot() {
		if r.strand.Unpark(c.owner) {
			return
		}
	}
}

// SignalAndTryToExecNow runs the first fiber waiter that is parked on this
// condition immediately, on the worker of the calling fiber, and falls back
// to [Condition.Signal] otherwise.
func (c *Condition) SignalAndTryToExecNow(ctx context.Context) {
	for _, r := range c.snapshot() {
		if t := r.strand.Fiber(); t != nil && t.TryExecNow(ctx, c.owner) {
			return
		}
	}
	c.Signal()
}
