// Package fiber provides lightweight, suspendable tasks (fibers) multiplexed
// onto a pool of work-stealing worker goroutines, together with the
// synchronization primitives they block on.
//
// # Architecture
//
// A [Scheduler] owns a fixed set of workers, each with a FIFO local queue,
// plus a global queue for submissions from outside the pool. Every fiber is
// backed by a [Task], whose body runs as a coroutine: parking hands control
// back to the worker, which completes the suspension only once the body has
// stopped running. A timed scheduler implements [Task.ParkTimeout], [Sleep]
// and the timeout variants of the blocking operations.
//
// The scheduling state of a task is one of [StateRunnable], [StateLeased],
// [StateParking] and [StateParked]. An unpark that arrives while the task is
// running leaves a lease, consumed by its next park, so wakeups are never
// lost.
//
// # Strands
//
// Blocking primitives work from both fibers and plain goroutines. A
// [Strand] abstracts the two: a fiber strand parks its task, releasing the
// worker, while a goroutine strand blocks the goroutine on a single permit.
// The strand of the caller is found from its context, see [CurrentStrand],
// so fibers must pass the context they were started with.
//
// # Synchronization
//
//   - [Condition]: register, await and signal, shared by fibers and goroutines
//   - [Val]: single-assignment dataflow cell
//   - [Var]: multi-assignment dataflow variable, with history and derived
//     variables ([NewVarFunc])
//
// Channels are provided by the channel subpackage.
//
// # Failures
//
// A fiber that returns an error, or panics, completes its result with the
// failure, and the failure is passed to the scheduler's uncaught handler,
// which by default logs it, rate limited per fiber name. Fibers still
// suspended when the scheduler is closed are aborted: their deferred
// functions run, and their result is [ErrAborted].
//
// # Usage
//
//	s, err := fiber.NewScheduler(fiber.WithParallelism(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	f, err := fiber.Spawn(ctx, s, func(ctx context.Context) (int, error) {
//	    if err := fiber.Sleep(ctx, 10*time.Millisecond); err != nil {
//	        return 0, err
//	    }
//	    return 42, nil
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	v, err := f.Join(ctx)
package fiber
