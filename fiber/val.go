package fiber

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Val is a single-assignment dataflow cell. Readers block until it is set,
// failed, or cancelled; every later read observes the same outcome.
//
// Readers may be fibers or plain goroutines. Use [NewVal] to create one.
type Val[V any] struct {
	// sync is nil once the outcome is published
	sync    atomic.Pointer[Condition]
	setting atomic.Bool

	value V
	err   error
}

// NewVal creates an unset Val.
func NewVal[V any]() *Val[V] {
	v := new(Val[V])
	v.sync.Store(NewCondition(nil))
	return v
}

// Set assigns the value, waking all readers. It returns [ErrAlreadySet] if
// the Val already has an outcome.
func (v *Val[V]) Set(value V) error {
	return v.set0(value, nil)
}

// SetError fails the Val. Readers observe err wrapped in an
// [*ExecutionError]. A nil err is equivalent to setting the zero value.
func (v *Val[V]) SetError(err error) error {
	var zero V
	return v.set0(zero, err)
}

// Cancel completes the Val with [ErrCancelled], returning false if it
// already had an outcome.
func (v *Val[V]) Cancel() bool {
	var zero V
	return v.set0(zero, ErrCancelled) == nil
}

func (v *Val[V]) set0(value V, err error) error {
	if !v.setting.CompareAndSwap(false, true) {
		return ErrAlreadySet
	}
	v.value = value
	v.err = err
	c := v.sync.Swap(nil)
	c.SignalAll()
	return nil
}

// IsDone reports whether the Val has an outcome.
func (v *Val[V]) IsDone() bool {
	return v.sync.Load() == nil
}

// IsCancelled reports whether the Val was cancelled.
func (v *Val[V]) IsCancelled() bool {
	return v.IsDone() && errors.Is(v.err, ErrCancelled)
}

// TryGet returns the outcome without blocking. ok is false if the Val is
// not yet done.
func (v *Val[V]) TryGet() (value V, err error, ok bool) {
	if !v.IsDone() {
		return value, nil, false
	}
	value, err = v.result()
	return value, err, true
}

// Get blocks until the Val is done, or ctx is done, in which case ctx.Err()
// is returned.
func (v *Val[V]) Get(ctx context.Context) (V, error) {
	if c := v.sync.Load(); c != nil {
		reg := c.Register(ctx)
		defer c.Unregister(reg)
		for !v.IsDone() {
			if err := c.Await(ctx, reg); err != nil && !v.IsDone() {
				var zero V
				return zero, err
			}
		}
	}
	return v.result()
}

// GetTimeout is [Val.Get] bounded by d, returning a [*TimeoutError] on
// expiry.
func (v *Val[V]) GetTimeout(ctx context.Context, d time.Duration) (V, error) {
	if c := v.sync.Load(); c != nil {
		deadline := time.Now().Add(d)
		reg := c.Register(ctx)
		defer c.Unregister(reg)
		for !v.IsDone() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				if v.IsDone() {
					break
				}
				var zero V
				return zero, &TimeoutError{Op: "get", Timeout: d}
			}
			if err := c.AwaitTimeout(ctx, reg, remaining); err != nil && !v.IsDone() {
				var zero V
				return zero, err
			}
		}
	}
	return v.result()
}

func (v *Val[V]) result() (V, error) {
	switch {
	case v.err == nil:
		return v.value, nil
	case errors.Is(v.err, ErrCancelled):
		return v.value, v.err
	default:
		return v.value, &ExecutionError{Cause: v.err}
	}
}
