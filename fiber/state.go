package fiber

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// TaskState represents the scheduling state of a [Task].
//
// State Machine:
//
//	StateRunnable → StateLeased    [Unpark() while running]
//	StateRunnable → StateParking   [Park()]
//	StateLeased   → StateRunnable  [Park() consumes the lease, no suspend]
//	StateParking  → StateParked    [doPark() after the body has suspended]
//	StateParking  → StateRunnable  [Unpark() races the suspend, doPark resubmits]
//	StateParked   → StateRunnable  [Unpark(), subject to exclusive parking]
//
// Every transition is a CAS, retried on contention. Store is only used to
// initialize a task.
type TaskState int32

const (
	// StateRunnable indicates the task is eligible to run, or is running.
	StateRunnable TaskState = 0
	// StateLeased indicates an unpark arrived while the task was runnable;
	// the next park returns immediately.
	StateLeased TaskState = 1
	// StateParked indicates the task is fully suspended, waiting for unpark.
	StateParked TaskState = -1
	// StateParking indicates the task decided to block, but has not yet
	// finished suspending.
	StateParking TaskState = -2
)

// String returns a human-readable representation of the state.
func (s TaskState) String() string {
	switch s {
	case StateRunnable:
		return "Runnable"
	case StateLeased:
		return "Leased"
	case StateParked:
		return "Parked"
	case StateParking:
		return "Parking"
	default:
		return "Unknown"
	}
}

// taskState is a lock-free state cell with cache-line padding.
//
// Unpark is called from arbitrary goroutines, so the padding keeps the hot
// state word off the cache lines holding the task's other fields.
type taskState struct { // betteralign:ignore
	_ cpu.CacheLinePad
	v atomic.Int32
	_ cpu.CacheLinePad
}

// Load returns the current state atomically.
func (s *taskState) Load() TaskState {
	return TaskState(s.v.Load())
}

// Store atomically stores a new state, without validation.
func (s *taskState) Store(state TaskState) {
	s.v.Store(int32(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *taskState) TryTransition(from, to TaskState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

// schedulerState is the lifecycle of a [Scheduler].
//
//	schedulerRunning → schedulerTerminating [Shutdown()]
//	schedulerRunning → schedulerTerminated  [Close()]
//	schedulerTerminating → schedulerTerminated
type schedulerState uint32

const (
	schedulerRunning schedulerState = iota
	schedulerTerminating
	schedulerTerminated
)

func (s schedulerState) String() string {
	switch s {
	case schedulerRunning:
		return "Running"
	case schedulerTerminating:
		return "Terminating"
	case schedulerTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}
