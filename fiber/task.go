package fiber

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// signal is handed from a suspending fiber body back to the worker that is
// driving it.
type signal uint8

const (
	sigPark signal = iota + 1
	sigYield
)

// abortSignal unwinds a fiber body whose coroutine was stopped by
// [Scheduler.Close].
type abortSignal struct{}

// inlineAttempts bounds how long TryExecNow waits for a task that is still
// finishing its suspension.
const inlineAttempts = 30

// EmergencyUnblocker wakes a task regardless of exclusive parking.
var EmergencyUnblocker any = &emergencyUnblocker{}

type emergencyUnblocker struct{ _ byte }

type parkRecord struct {
	blocker   any
	exclusive bool
}

// Task is one schedulable unit of suspendable work. Every fiber is backed by
// a task, see [Spawn].
//
// The task's body runs on a coroutine. Parking hands control back to the
// worker goroutine that resumed it, and the worker finalizes the suspension
// only after the body has stopped running, so a concurrent unpark can never
// resume a body that is still executing.
type Task struct { // betteralign:ignore
	state taskState

	sched *Scheduler
	ctx   context.Context
	name  string
	id    uint64

	// body runs the user computation, settle publishes its outcome.
	body   func(ctx context.Context) error
	settle func(err error)

	next  func() (signal, bool)
	stop  func()
	yield func(signal) bool

	parked   atomic.Pointer[parkRecord]
	unparker atomic.Pointer[any]

	// parkSeq is bumped around every timed park, invalidating stale timers.
	parkSeq atomic.Uint64

	// gid is the goroutine ID of the task's coroutine.
	gid atomic.Uint64

	// owned by whoever is executing the task
	enclosing *Task
	worker    *worker

	err     error
	started bool
	done    atomic.Bool
}

// ID returns the task's scheduler-unique identifier.
func (t *Task) ID() uint64 { return t.id }

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// Scheduler returns the scheduler running the task.
func (t *Task) Scheduler() *Scheduler { return t.sched }

// State returns the current scheduling state.
func (t *Task) State() TaskState { return t.state.Load() }

// IsDone reports whether the task's body has returned, failed, or been
// aborted.
func (t *Task) IsDone() bool { return t.done.Load() }

// Blocker returns the object the task is parked on, or nil if the task is
// not parked.
func (t *Task) Blocker() any {
	if t.state.Load() != StateParked {
		return nil
	}
	if r := t.parked.Load(); r != nil {
		return r.blocker
	}
	return nil
}

// Unparker returns the unblocker of the most recent effective unpark.
func (t *Task) Unparker() any {
	if p := t.unparker.Load(); p != nil {
		return *p
	}
	return nil
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{%d:%s %s}", t.id, t.name, t.state.Load())
}

// coroutine is the iter.Seq driving the task body.
func (t *Task) coroutine(yield func(signal) bool) {
	t.yield = yield
	t.started = true
	t.gid.Store(getGoroutineID())
	t.err = t.invoke()
}

func (t *Task) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch r := r.(type) {
			case abortSignal:
				err = ErrAborted
				return
			case *IllegalStateError:
				// fatal, recorded for the abort that follows termination
				t.err = r
				panic(r)
			}
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.body(t.ctx)
}

// exec runs the task on w until it completes or suspends.
func (t *Task) exec(w *worker) {
	if t.done.Load() {
		return
	}

	t.enclosing = w.current
	t.worker = w
	t.parked.Store(nil)
	w.setCurrent(t)

	sig, ok := t.next()

	// must restore before doPark, after which the task may be running elsewhere
	w.setCurrent(t.enclosing)

	if !ok {
		t.complete()
		return
	}

	switch sig {
	case sigPark:
		t.doPark(false, w)
	case sigYield:
		t.doPark(true, w)
	}
}

// doPark finalizes a suspension. It runs on the worker, after the body has
// handed back control.
func (t *Task) doPark(yield bool, w *worker) {
	if yield {
		w.fork(t)
		return
	}
	for {
		switch s := t.state.Load(); s {
		case StateParking:
			if t.state.TryTransition(StateParking, StateParked) {
				return
			}
		case StateRunnable:
			// an unpark raced the suspension
			w.fork(t)
			return
		case StateLeased:
			if t.state.TryTransition(StateLeased, StateRunnable) {
				w.fork(t)
				return
			}
		default:
			panic(&IllegalStateError{Op: "doPark", State: s, Task: t})
		}
	}
}

// complete publishes the outcome of a finished body.
func (t *Task) complete() {
	err := t.err
	if !t.started {
		err = ErrAborted
	}
	t.done.Store(true)
	t.parked.Store(nil)
	t.next, t.stop, t.yield = nil, nil, nil
	if err != nil && !errors.Is(err, ErrAborted) {
		t.sched.uncaught(t, err)
	}
	t.settle(err)
	t.sched.taskDone(t)
}

// abort unwinds a task that will never be resumed. The caller must have
// exclusive access, i.e. no worker may be executing the task.
func (t *Task) abort() {
	if t.done.Load() {
		return
	}
	t.stop()
	t.complete()
}

func (t *Task) suspend(sig signal) {
	if !t.yield(sig) {
		panic(abortSignal{})
	}
}

func (t *Task) mustBeCurrent(op string) {
	if t.done.Load() || t.gid.Load() != getGoroutineID() {
		panic(&IllegalStateError{Op: op, State: t.state.Load(), Task: t})
	}
}

// Park suspends the task until it is unparked, returning false without
// suspending if an unpark had already been deposited. If exclusive is set,
// only an unpark with the same blocker, or [EmergencyUnblocker], wakes the
// task.
//
// Park must be called from the task's own body. Callers must tolerate
// spurious wakeups.
func (t *Task) Park(blocker any, exclusive bool) bool {
	t.mustBeCurrent("Park")
	return t.park(blocker, exclusive)
}

// ParkTimeout is [Task.Park] with a deadline, after which the task is
// unparked using blocker.
func (t *Task) ParkTimeout(blocker any, exclusive bool, d time.Duration) bool {
	t.mustBeCurrent("ParkTimeout")
	return t.parkTimeout(blocker, exclusive, d)
}

// Yield suspends the task and immediately resubmits it.
func (t *Task) Yield() {
	t.mustBeCurrent("Yield")
	t.suspend(sigYield)
}

func (t *Task) park(blocker any, exclusive bool) bool {
	for {
		switch s := t.state.Load(); s {
		case StateLeased:
			if t.state.TryTransition(StateLeased, StateRunnable) {
				return false
			}
		case StateRunnable:
			if t.state.TryTransition(StateRunnable, StateParking) {
				t.parked.Store(&parkRecord{blocker: blocker, exclusive: exclusive})
				t.suspend(sigPark)
				return true
			}
		default:
			panic(&IllegalStateError{Op: "park", State: s, Task: t})
		}
	}
}

func (t *Task) parkTimeout(blocker any, exclusive bool, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	seq := t.parkSeq.Add(1)
	entry := t.sched.timer.schedule(t, blocker, seq, d)
	parked := t.park(blocker, exclusive)
	t.parkSeq.Add(1)
	t.sched.timer.cancel(entry)
	return parked
}

// Unpark makes the task runnable, resubmitting it if it was parked. If the
// task is running, the wakeup is deposited and its next park returns
// immediately. Returns true if a parked or parking task was woken.
//
// Unpark never blocks, and may be called from any goroutine.
func (t *Task) Unpark(unblocker any) bool {
	if t.done.Load() {
		return false
	}
	for {
		s := t.state.Load()
		var next TaskState
		switch s {
		case StateRunnable:
			next = StateLeased
		case StateParked:
			if r := t.parked.Load(); r != nil && r.exclusive && !sameBlocker(unblocker, r.blocker) && unblocker != EmergencyUnblocker {
				return false
			}
			next = StateRunnable
		case StateParking:
			// doPark will observe RUNNABLE and resubmit
			next = StateRunnable
		case StateLeased:
			return false
		default:
			panic(&IllegalStateError{Op: "unpark", State: s, Task: t})
		}
		if t.state.TryTransition(s, next) {
			if next == StateRunnable {
				t.unparker.Store(&unblocker)
				if s != StateParking {
					t.sched.submit(t)
				}
			}
			return s == StateParked || s == StateParking
		}
	}
}

// TryExecNow runs the task immediately, nested on the worker executing the
// calling fiber, provided it is parked on blocker. Returns false, without
// side effects, if the caller is not a fiber of the same scheduler, the
// nesting depth is exhausted, or the task is not parked on blocker.
func (t *Task) TryExecNow(ctx context.Context, blocker any) bool {
	caller := Current(ctx)
	if caller == nil || caller == t || caller.sched != t.sched {
		return false
	}
	w := caller.worker
	if w == nil || w.depth >= t.sched.inlineDepth {
		return false
	}
	for i := 0; i < inlineAttempts; i++ {
		switch t.state.Load() {
		case StateParked:
			r := t.parked.Load()
			if r == nil || !sameBlocker(r.blocker, blocker) {
				return false
			}
			if t.state.TryTransition(StateParked, StateRunnable) {
				t.unparker.Store(&blocker)
				w.depth++
				t.exec(w)
				w.depth--
				return true
			}
		case StateParking:
			runtime.Gosched()
		default:
			return false
		}
	}
	return false
}

// sameBlocker compares blockers, treating incomparable values as distinct.
func sameBlocker(a, b any) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// newTask prepares a task and its coroutine. The task is not yet submitted.
func newTask(ctx context.Context, s *Scheduler, name string, body func(ctx context.Context) error, settle func(err error)) *Task {
	t := &Task{
		sched:  s,
		id:     s.nextID.Add(1),
		name:   name,
		body:   body,
		settle: settle,
	}
	if t.name == "" {
		t.name = fmt.Sprintf("%s-%d", s.name, t.id)
	}
	t.ctx = context.WithValue(ctx, taskKey{}, t)
	t.next, t.stop = iter.Pull(iter.Seq[signal](t.coroutine))
	return t
}
