package fiber

import (
	"context"
	"sync"

	"github.com/joeycumines/go-fiber/internal/queue"
)

type varEntry[V any] struct {
	value V
	seq   uint64
}

type computationKey struct{}

// Var is a multi-assignment dataflow variable. [Var.Get] returns the latest
// value, while each [Watcher] observes the sequence of values, retaining up
// to history values it has not yet seen.
type Var[V any] struct {
	cond       *Condition
	values     *queue.Ring[varEntry[V]]
	dependents map[*varComputation]struct{}
	// source computes the value of a Var created by NewVarFunc
	source     *varComputation
	err        error
	mu         sync.Mutex
	seq        uint64
	closed     bool
}

// NewVar creates a Var retaining history values beyond the latest. It panics
// if history is negative.
func NewVar[V any](history int) *Var[V] {
	if history < 0 {
		panic(`fiber: negative var history`)
	}
	v := &Var[V]{
		values:     queue.NewRing[varEntry[V]](1 + history),
		dependents: make(map[*varComputation]struct{}),
	}
	v.cond = NewCondition(v)
	return v
}

// Set publishes a new value, waking readers and recomputing every Var
// derived from this one. It returns [ErrVarClosed] once the Var is closed.
func (v *Var[V]) Set(value V) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrVarClosed
	}
	v.seq++
	v.values.PushDisplace(varEntry[V]{value: value, seq: v.seq})
	deps := v.dependentsLocked()
	v.mu.Unlock()

	v.cond.SignalAll()
	for _, c := range deps {
		c.notify()
	}
	return nil
}

// Close closes the Var. Readers still observe the values already set.
func (v *Var[V]) Close() {
	v.closeWithError(nil)
}

func (v *Var[V]) closeWithError(err error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.err = err
	deps := v.dependentsLocked()
	v.mu.Unlock()

	v.cond.SignalAll()
	for _, c := range deps {
		c.notify()
	}
	if v.source != nil {
		v.source.notify()
	}
}

// IsClosed reports whether the Var has been closed.
func (v *Var[V]) IsClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *Var[V]) dependentsLocked() []*varComputation {
	if len(v.dependents) == 0 {
		return nil
	}
	deps := make([]*varComputation, 0, len(v.dependents))
	for c := range v.dependents {
		deps = append(deps, c)
	}
	return deps
}

// Get returns the latest value, blocking until the first one is set. A Var
// closed with an error returns that error; one closed before any value was
// set returns [ErrVarClosed].
//
// Called from the function of [NewVarFunc], Get also subscribes the derived
// Var to changes of this one.
func (v *Var[V]) Get(ctx context.Context) (V, error) {
	if c, _ := ctx.Value(computationKey{}).(*varComputation); c != nil {
		v.addDependent(c)
	}

	reg := v.cond.Register(ctx)
	defer v.cond.Unregister(reg)

	for {
		v.mu.Lock()
		switch {
		case v.err != nil:
			err := v.err
			v.mu.Unlock()
			var zero V
			return zero, err
		case v.values.Len() != 0:
			value := v.values.At(v.values.Len() - 1).value
			v.mu.Unlock()
			return value, nil
		case v.closed:
			v.mu.Unlock()
			var zero V
			return zero, ErrVarClosed
		}
		v.mu.Unlock()

		if err := v.cond.Await(ctx, reg); err != nil {
			var zero V
			return zero, err
		}
	}
}

func (v *Var[V]) addDependent(c *varComputation) {
	v.mu.Lock()
	if _, ok := v.dependents[c]; !ok {
		v.dependents[c] = struct{}{}
		c.track(func() {
			v.mu.Lock()
			delete(v.dependents, c)
			v.mu.Unlock()
		})
	}
	v.mu.Unlock()
}

// Watch returns a new watcher, whose first [Watcher.Next] returns the oldest
// value still retained.
func (v *Var[V]) Watch() *Watcher[V] {
	return &Watcher[V]{v: v}
}

// Watcher iterates over the values of a [Var]. It is not safe for
// concurrent use.
type Watcher[V any] struct {
	v    *Var[V]
	seen uint64
}

// Next returns the next value not yet seen by this watcher, blocking until
// one is set. Values displaced from the Var's history before they were seen
// are skipped. Once the Var is closed and every retained value has been
// seen, Next returns the close error, or [ErrVarClosed].
func (w *Watcher[V]) Next(ctx context.Context) (V, error) {
	v := w.v
	reg := v.cond.Register(ctx)
	defer v.cond.Unregister(reg)

	for {
		v.mu.Lock()
		for i := 0; i < v.values.Len(); i++ {
			if e := v.values.At(i); e.seq > w.seen {
				w.seen = e.seq
				v.mu.Unlock()
				return e.value, nil
			}
		}
		if v.closed {
			err := v.err
			v.mu.Unlock()
			if err == nil {
				err = ErrVarClosed
			}
			var zero V
			return zero, err
		}
		v.mu.Unlock()

		if err := v.cond.Await(ctx, reg); err != nil {
			var zero V
			return zero, err
		}
	}
}

// varComputation is the fiber behind a [NewVarFunc] Var.
type varComputation struct {
	task    *Task
	detach  []func()
	mu      sync.Mutex
	dirty   bool
	stopped bool
}

func (c *varComputation) track(detach func()) {
	c.mu.Lock()
	c.detach = append(c.detach, detach)
	c.mu.Unlock()
}

func (c *varComputation) notify() {
	c.mu.Lock()
	c.dirty = true
	t := c.task
	if c.stopped {
		t = nil
	}
	c.mu.Unlock()
	if t != nil {
		t.Unpark(c)
	}
}

// await parks until a dependency changes, consuming the change.
func (c *varComputation) await(ctx context.Context) error {
	c.mu.Lock()
	s := fiberStrand{c.task}
	c.mu.Unlock()
	for {
		c.mu.Lock()
		if c.dirty {
			c.dirty = false
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		if err := s.Park(ctx, c, false); err != nil {
			return err
		}
	}
}

func (c *varComputation) close() {
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.stopped = true
	c.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
}

// NewVarFunc creates a Var whose value is computed by fn in a fiber on s,
// and recomputed whenever a Var read by fn (via [Var.Get]) changes. If fn
// fails, or ctx is done, the Var is closed with the error. Closing the Var
// stops the computation.
func NewVarFunc[V any](ctx context.Context, s *Scheduler, history int, fn func(ctx context.Context) (V, error)) (*Var[V], error) {
	v := NewVar[V](history)
	c := new(varComputation)
	v.source = c
	_, err := s.spawn(ctx, "", func(ctx context.Context) error {
		c.mu.Lock()
		c.task = Current(ctx)
		c.mu.Unlock()
		defer c.close()
		cctx := context.WithValue(ctx, computationKey{}, c)
		for {
			value, err := fn(cctx)
			if err != nil {
				v.closeWithError(err)
				return nil
			}
			if v.Set(value) != nil {
				return nil
			}
			if err := c.await(ctx); err != nil {
				v.closeWithError(err)
				return nil
			}
			if v.IsClosed() {
				return nil
			}
		}
	}, func(err error) {
		if err != nil {
			v.closeWithError(err)
		}
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
