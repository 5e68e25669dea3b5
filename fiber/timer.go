package fiber

import (
	"container/heap"
	"sync"
	"time"
)

// timedEntry is a pending timed unpark.
type timedEntry struct {
	when    time.Time
	task    *Task
	blocker any
	seq     uint64
	index   int // heap index, -1 once removed
}

// timerHeap is a min-heap of timed entries
type timerHeap []*timedEntry

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timedEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	x.index = -1
	*h = old[:n-1]
	return x
}

// timedScheduler unparks tasks whose timed park has expired. A single
// goroutine drives the heap.
type timedScheduler struct {
	mu      sync.Mutex
	timers  timerHeap
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
	stopped sync.Once
}

func newTimedScheduler() *timedScheduler {
	ts := &timedScheduler{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go ts.run()
	return ts
}

// schedule arranges for t to be unparked with blocker after d, provided t's
// park sequence still equals seq at that time.
func (ts *timedScheduler) schedule(t *Task, blocker any, seq uint64, d time.Duration) *timedEntry {
	e := &timedEntry{
		when:    time.Now().Add(d),
		task:    t,
		blocker: blocker,
		seq:     seq,
	}
	ts.mu.Lock()
	heap.Push(&ts.timers, e)
	earliest := ts.timers[0] == e
	ts.mu.Unlock()
	if earliest {
		select {
		case ts.wake <- struct{}{}:
		default:
		}
	}
	return e
}

// cancel removes e, if it has not yet fired.
func (ts *timedScheduler) cancel(e *timedEntry) {
	ts.mu.Lock()
	if e.index >= 0 && e.index < len(ts.timers) && ts.timers[e.index] == e {
		heap.Remove(&ts.timers, e.index)
	}
	ts.mu.Unlock()
}

func (ts *timedScheduler) stop() {
	ts.stopped.Do(func() {
		close(ts.done)
	})
	<-ts.exited
}

func (ts *timedScheduler) run() {
	defer close(ts.exited)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	var due []*timedEntry
	for {
		now := time.Now()
		wait := time.Hour

		ts.mu.Lock()
		for len(ts.timers) != 0 {
			e := ts.timers[0]
			if e.when.After(now) {
				wait = e.when.Sub(now)
				break
			}
			heap.Pop(&ts.timers)
			due = append(due, e)
		}
		ts.mu.Unlock()

		for i, e := range due {
			if e.task.parkSeq.Load() == e.seq {
				e.task.Unpark(e.blocker)
			}
			due[i] = nil
		}
		due = due[:0]

		timer.Reset(wait)
		select {
		case <-ts.done:
			return
		case <-ts.wake:
		case <-timer.C:
		}
	}
}
