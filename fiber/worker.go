package fiber

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-fiber/internal/queue"
)

// globalPollInterval is how often (in tasks) a worker checks the global
// queue before its own, so external submissions cannot starve.
const globalPollInterval = 61

// worker is one goroutine of the pool, with a FIFO local queue.
type worker struct { // betteralign:ignore
	sched *Scheduler
	local *queue.Chunked[*Task]
	wake  chan struct{}

	// current is the task executing on this worker. It is only accessed by
	// the goroutine driving the worker, or by a fiber it is driving.
	current *Task
	// running mirrors current, for introspection from other goroutines.
	running atomic.Pointer[Task]

	gid      atomic.Uint64
	sleeping atomic.Bool

	mu sync.Mutex

	index int
	depth int
	ticks uint32
	seed  uint32
}

func newWorker(s *Scheduler, index int) *worker {
	return &worker{
		sched: s,
		index: index,
		local: queue.NewChunked[*Task](),
		wake:  make(chan struct{}, 1),
		seed:  uint32(index)*2654435761 + 1,
	}
}

func (w *worker) setCurrent(t *Task) {
	w.current = t
	w.running.Store(t)
}

// fork pushes t onto the local queue. Never blocks.
func (w *worker) fork(t *Task) {
	w.mu.Lock()
	w.local.Push(t)
	w.mu.Unlock()
	w.sched.queued.Add(1)
	w.sched.wakeIdle()
}

func (w *worker) popLocal() *Task {
	w.mu.Lock()
	t, ok := w.local.Pop()
	w.mu.Unlock()
	if !ok {
		return nil
	}
	w.sched.queued.Add(-1)
	return t
}

// steal takes the oldest task of another worker, visiting victims from a
// pseudo-random offset.
func (w *worker) steal() *Task {
	workers := w.sched.workers
	n := len(workers)
	if n < 2 {
		return nil
	}
	w.seed ^= w.seed << 13
	w.seed ^= w.seed >> 17
	w.seed ^= w.seed << 5
	start := int(w.seed % uint32(n))
	for i := 0; i < n; i++ {
		victim := workers[(start+i)%n]
		if victim == w {
			continue
		}
		if t := victim.popLocal(); t != nil {
			return t
		}
	}
	return nil
}

func (w *worker) find() *Task {
	w.ticks++
	if w.ticks%globalPollInterval == 0 {
		if t := w.sched.popGlobal(); t != nil {
			return t
		}
	}
	if t := w.popLocal(); t != nil {
		return t
	}
	if t := w.sched.popGlobal(); t != nil {
		return t
	}
	return w.steal()
}

// idle blocks until woken, returning false once the scheduler stops.
func (w *worker) idle() bool {
	s := w.sched
	w.sleeping.Store(true)
	s.idle.Add(1)

	if s.queued.Load() > 0 {
		if w.sleeping.CompareAndSwap(true, false) {
			s.idle.Add(-1)
		}
		// otherwise a waker claimed us, and its token is harmless
		return true
	}

	select {
	case <-w.wake:
		return true
	case <-s.stopped:
		return false
	}
}

func (w *worker) run() {
	defer w.sched.wg.Done()
	w.gid.Store(getGoroutineID())
	for {
		select {
		case <-w.sched.stopped:
			return
		default:
		}
		t := w.find()
		if t == nil {
			if !w.idle() {
				return
			}
			continue
		}
		w.safeExec(t)
	}
}

// safeExec executes a task, surviving a failure of the scheduling machinery.
// Failures of the task body never reach here.
func (w *worker) safeExec(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			w.setCurrent(nil)
			w.depth = 0
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			var ise *IllegalStateError
			if errors.As(err, &ise) {
				w.sched.logCritical("fiber: illegal task state, terminating scheduler", err)
				// Close waits for this worker to return
				go w.sched.Close()
				return
			}
			w.sched.logCritical("fiber: worker recovered from panic", err)
		}
	}()
	t.exec(w)
}
