package fiber

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-fiber/internal/queue"
	"github.com/joeycumines/logiface"
)

// ErrReentrant is returned when Shutdown or Close is called from a fiber, or
// a worker, of the scheduler being stopped.
var ErrReentrant = errors.New("fiber: cannot stop a scheduler from within itself")

// scavengeInterval is the number of spawns between registry scavenges.
const scavengeInterval = 64

// Scheduler runs fibers on a fixed pool of work-stealing worker goroutines.
//
// Each worker owns a FIFO queue. A task resubmitted from a worker (a yield,
// or an unpark issued by a running fiber) is forked onto that worker's
// queue; submissions from any other goroutine go to a global queue. Idle
// workers steal the oldest task of their peers.
//
// A companion timed scheduler implements timeouts, see [Task.ParkTimeout].
type Scheduler struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	logger         *logiface.Logger[logiface.Event]
	uncaughtFn     func(t *Task, err error)
	failureLimiter *catrate.Limiter

	registry *registry
	timer    *timedScheduler
	workers  []*worker

	globalMu sync.Mutex
	global   *queue.Chunked[*Task]

	// lifecycleMu orders spawns against Close, so every spawned task is
	// either registered before Close aborts the registry, or rejected
	lifecycleMu sync.RWMutex

	stopped   chan struct{}
	quiesce   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	name        string
	inlineDepth int

	state   atomic.Uint32
	nextID  atomic.Uint64
	live    atomic.Int64
	queued  atomic.Int64
	idle    atomic.Int32
	dropped atomic.Uint64
}

// NewScheduler creates a scheduler, starting its workers.
func NewScheduler(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}
	limiter, err := newFailureLimiter(cfg.failureLogRates)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		logger:         cfg.logger,
		uncaughtFn:     cfg.uncaught,
		failureLimiter: limiter,
		registry:       newRegistry(),
		global:         queue.NewChunked[*Task](),
		stopped:        make(chan struct{}),
		quiesce:        make(chan struct{}, 1),
		name:           cfg.name,
		inlineDepth:    cfg.inlineDepth,
	}

	s.workers = make([]*worker, cfg.parallelism)
	for i := range s.workers {
		s.workers[i] = newWorker(s, i)
	}

	s.timer = newTimedScheduler()

	s.wg.Add(len(s.workers))
	for _, w := range s.workers {
		go w.run()
	}

	s.logger.Debug().
		Str("scheduler", s.name).
		Int("parallelism", len(s.workers)).
		Log("fiber: scheduler started")

	return s, nil
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Parallelism returns the number of workers.
func (s *Scheduler) Parallelism() int { return len(s.workers) }

// RunningTasks returns the task currently executing on each busy worker,
// keyed by worker index. The result is a snapshot.
func (s *Scheduler) RunningTasks() map[int]*Task {
	m := make(map[int]*Task)
	for _, w := range s.workers {
		if t := w.running.Load(); t != nil {
			m[w.index] = t
		}
	}
	return m
}

// Tasks returns every task that has been spawned and is not yet done.
func (s *Scheduler) Tasks() []*Task {
	return s.registry.Live()
}

// spawn creates and submits a task.
func (s *Scheduler) spawn(ctx context.Context, name string, body func(ctx context.Context) error, settle func(err error)) (*Task, error) {
	if ctx == nil {
		panic(`fiber: nil context`)
	}

	s.lifecycleMu.RLock()
	defer s.lifecycleMu.RUnlock()

	// counted before the state check, so Shutdown cannot miss it
	s.live.Add(1)
	if schedulerState(s.state.Load()) != schedulerRunning {
		s.taskDone(nil)
		return nil, ErrTerminated
	}

	t := newTask(ctx, s, name, body, settle)
	s.registry.Add(t)
	if t.id%scavengeInterval == 0 {
		s.registry.Scavenge(scavengeInterval)
	}
	s.submit(t)
	return t, nil
}

// taskDone is called exactly once per counted spawn.
func (s *Scheduler) taskDone(*Task) {
	if s.live.Add(-1) == 0 && schedulerState(s.state.Load()) != schedulerRunning {
		select {
		case s.quiesce <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) uncaught(t *Task, err error) {
	if s.uncaughtFn != nil {
		s.uncaughtFn(t, err)
		return
	}
	s.logFailure(t, err)
}

// submit enqueues t. It forks onto the caller's worker when called from one
// of this scheduler's workers, or a fiber one of them is driving. Never
// blocks.
func (s *Scheduler) submit(t *Task) {
	if w := s.currentWorker(); w != nil {
		w.fork(t)
		return
	}
	s.globalMu.Lock()
	if schedulerState(s.state.Load()) == schedulerTerminated {
		// Close aborts every live task
		s.globalMu.Unlock()
		return
	}
	s.global.Push(t)
	s.globalMu.Unlock()
	s.queued.Add(1)
	s.wakeIdle()
}

func (s *Scheduler) popGlobal() *Task {
	s.globalMu.Lock()
	t, ok := s.global.Pop()
	s.globalMu.Unlock()
	if !ok {
		return nil
	}
	s.queued.Add(-1)
	return t
}

// currentWorker identifies the worker driving the calling goroutine.
func (s *Scheduler) currentWorker() *worker {
	gid := getGoroutineID()
	for _, w := range s.workers {
		if w.gid.Load() == gid {
			return w
		}
		if t := w.running.Load(); t != nil && t.gid.Load() == gid {
			return w
		}
	}
	return nil
}

// wakeIdle wakes one sleeping worker, if any.
func (s *Scheduler) wakeIdle() {
	if s.idle.Load() == 0 {
		return
	}
	for _, w := range s.workers {
		if w.sleeping.CompareAndSwap(true, false) {
			s.idle.Add(-1)
			select {
			case w.wake <- struct{}{}:
			default:
			}
			return
		}
	}
}

// Shutdown stops accepting new fibers, then waits for every live fiber to
// complete before closing the scheduler. If ctx is done first, the
// scheduler is closed immediately, aborting the remaining fibers, and the
// context's error is returned.
//
// Shutdown must not be called from a fiber of this scheduler.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.currentWorker() != nil {
		return ErrReentrant
	}

	s.state.CompareAndSwap(uint32(schedulerRunning), uint32(schedulerTerminating))

	for s.live.Load() > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warning().
				Str("scheduler", s.name).
				Int64("live", s.live.Load()).
				Log("fiber: shutdown deadline exceeded, aborting live fibers")
			_ = s.Close()
			return ctx.Err()
		case <-s.quiesce:
		case <-s.stopped:
			return nil
		}
	}

	return s.Close()
}

// Close immediately stops the workers, then aborts every fiber that has not
// completed. Aborted fibers unwind, running their deferred functions, and
// complete with [ErrAborted].
//
// Close blocks until every worker has finished its current task, and must
// not be called from a fiber of this scheduler.
func (s *Scheduler) Close() error {
	if s.currentWorker() != nil {
		return ErrReentrant
	}
	s.closeOnce.Do(func() {
		s.lifecycleMu.Lock()
		s.globalMu.Lock()
		s.state.Store(uint32(schedulerTerminated))
		s.globalMu.Unlock()
		s.lifecycleMu.Unlock()

		close(s.stopped)
		s.wg.Wait()
		s.timer.stop()

		for _, w := range s.workers {
			w.setCurrent(nil)
		}

		aborted := s.registry.AbortAll()
		if aborted != 0 {
			s.logger.Info().
				Str("scheduler", s.name).
				Int("aborted", aborted).
				Log("fiber: aborted live fibers")
		}
	})
	return nil
}
