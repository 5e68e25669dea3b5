package fiber

import (
	"context"
	"runtime"
	"time"
)

type taskKey struct{}

// Current returns the fiber running on the calling goroutine, provided ctx
// belongs to it, or nil.
func Current(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	if t == nil || t.done.Load() || t.gid.Load() != getGoroutineID() {
		return nil
	}
	return t
}

// Fiber is a spawned task, with a typed result.
type Fiber[V any] struct {
	*Task
	result *Val[V]
}

// Spawn starts fn as a fiber on s. The fiber's context is derived from ctx,
// and must be passed to any blocking operation the fiber performs.
//
// If fn returns an error or panics, the failure is reported to the
// scheduler's uncaught handler, and observed by [Fiber.Join].
func Spawn[V any](ctx context.Context, s *Scheduler, fn func(ctx context.Context) (V, error), opts ...SpawnOption) (*Fiber[V], error) {
	if fn == nil {
		panic(`fiber: nil function`)
	}
	cfg := resolveSpawnOptions(opts)
	result := NewVal[V]()
	var out V
	t, err := s.spawn(ctx, cfg.name, func(ctx context.Context) (err error) {
		out, err = fn(ctx)
		return err
	}, func(err error) {
		if err != nil {
			_ = result.SetError(err)
		} else {
			_ = result.Set(out)
		}
	})
	if err != nil {
		return nil, err
	}
	return &Fiber[V]{Task: t, result: result}, nil
}

// Go starts fn as a fiber on s, without a typed result.
func (s *Scheduler) Go(ctx context.Context, fn func(ctx context.Context) error, opts ...SpawnOption) (*Fiber[struct{}], error) {
	if fn == nil {
		panic(`fiber: nil function`)
	}
	return Spawn(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
}

// Join waits for the fiber to complete. A failure is returned as an
// [*ExecutionError] wrapping the cause, e.g. a [*PanicError] or
// [ErrAborted].
func (f *Fiber[V]) Join(ctx context.Context) (V, error) {
	return f.result.Get(ctx)
}

// JoinTimeout is [Fiber.Join] bounded by d.
func (f *Fiber[V]) JoinTimeout(ctx context.Context, d time.Duration) (V, error) {
	return f.result.GetTimeout(ctx, d)
}

// Result returns the cell receiving the fiber's outcome.
func (f *Fiber[V]) Result() *Val[V] {
	return f.result
}

// Yield reschedules the calling fiber behind the runnable tasks of its
// worker. Called outside a fiber, it yields the goroutine.
func Yield(ctx context.Context) {
	if t := Current(ctx); t != nil {
		t.suspend(sigYield)
		return
	}
	runtime.Gosched()
}

type sleeper struct{ _ byte }

// Sleep pauses the calling strand for d, returning early with ctx.Err() if
// ctx is done. A sleeping fiber releases its worker.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if t := Current(ctx); t != nil {
		deadline := time.Now().Add(d)
		blocker := new(sleeper)
		s := fiberStrand{t}
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			if err := s.ParkTimeout(ctx, blocker, true, remaining); err != nil {
				return err
			}
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
