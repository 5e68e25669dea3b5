package fiber

import (
	"context"
	"time"
)

// Strand is a unit of sequential execution that can block: either a fiber,
// or a plain goroutine.
//
// Park and ParkTimeout may wake spuriously; callers re-check their condition
// in a loop. Both return ctx.Err() if they return because ctx is done.
type Strand interface {
	// Park blocks until the strand is unparked. See [Task.Park].
	Park(ctx context.Context, blocker any, exclusive bool) error
	// ParkTimeout is Park with a deadline. Expiry is not an error.
	ParkTimeout(ctx context.Context, blocker any, exclusive bool, d time.Duration) error
	// Unpark wakes the strand, or ensures its next park returns immediately.
	Unpark(unblocker any) bool
	// Fiber returns the backing task, or nil for a goroutine strand.
	Fiber() *Task
	// Key uniquely identifies the strand while it is alive.
	Key() any
}

// CurrentStrand returns the strand of the caller: a fiber strand if ctx
// belongs to the fiber running on the calling goroutine, otherwise a new
// goroutine strand.
//
// A goroutine strand holds a single wakeup permit, scoped to the returned
// value, so it must be shared between the goroutine that parks and the ones
// that unpark it.
func CurrentStrand(ctx context.Context) Strand {
	if t := Current(ctx); t != nil {
		return fiberStrand{t}
	}
	return &threadStrand{
		permit: make(chan struct{}, 1),
		gid:    getGoroutineID(),
	}
}

type fiberStrand struct{ t *Task }

func (s fiberStrand) Park(ctx context.Context, blocker any, exclusive bool) error {
	s.t.mustBeCurrent("Park")
	if err := ctx.Err(); err != nil {
		return err
	}
	var stop func() bool
	if ctx.Done() != nil {
		stop = context.AfterFunc(ctx, func() { s.t.Unpark(blocker) })
	}
	s.t.park(blocker, exclusive)
	if stop != nil {
		stop()
	}
	return ctx.Err()
}

func (s fiberStrand) ParkTimeout(ctx context.Context, blocker any, exclusive bool, d time.Duration) error {
	s.t.mustBeCurrent("ParkTimeout")
	if err := ctx.Err(); err != nil {
		return err
	}
	var stop func() bool
	if ctx.Done() != nil {
		stop = context.AfterFunc(ctx, func() { s.t.Unpark(blocker) })
	}
	s.t.parkTimeout(blocker, exclusive, d)
	if stop != nil {
		stop()
	}
	return ctx.Err()
}

func (s fiberStrand) Unpark(unblocker any) bool { return s.t.Unpark(unblocker) }

func (s fiberStrand) Fiber() *Task { return s.t }

func (s fiberStrand) Key() any { return s.t }

// threadStrand parks a goroutine on a single permit. Blockers are
// irrelevant: any unpark deposits the permit.
type threadStrand struct {
	permit chan struct{}
	gid    uint64
}

func (s *threadStrand) Park(ctx context.Context, _ any, _ bool) error {
	select {
	case <-s.permit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *threadStrand) ParkTimeout(ctx context.Context, _ any, _ bool, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.permit:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *threadStrand) Unpark(any) bool {
	select {
	case s.permit <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *threadStrand) Fiber() *Task { return nil }

func (s *threadStrand) Key() any { return s.gid }
