package microbatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/joeycumines/go-fiber/channel"
	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/go-fiber/longpoll"
)

// errProcessorPanic is the result of jobs whose BatchProcessor panicked. The
// panic itself is reported by the scheduler.
var errProcessorPanic = errors.New(`microbatch: panic in BatchProcessor`)

type (
	// BatcherConfig models optional configuration, for NewBatcher.
	BatcherConfig struct {
		// MaxSize restricts the maximum number of jobs per batch, if positive.
		// **Defaults to 16, if 0, or BatcherConfig is nil.**
		//
		// WARNING: NewBatcher will panic if both MaxSize and FlushInterval are
		// disabled.
		MaxSize int

		// FlushInterval specifies the maximum duration before an "incomplete"
		// batch is passed to the BatchProcessor, if positive, starting from
		// the first job of the batch.
		// **Defaults to 50ms, if 0, or BatcherConfig is nil.**
		// If MaxSize is specified, time-based flushing can be disabled, by
		// setting this <= 0.
		//
		// WARNING: NewBatcher will panic if both MaxSize and FlushInterval are
		// disabled.
		FlushInterval time.Duration

		// MaxConcurrency specifies the maximum number of concurrent
		// BatchProcessor calls, able to be made by the Batcher, if positive.
		// **Defaults to 1, if 0, or BatcherConfig is nil.**
		MaxConcurrency int

		// QueueSize bounds the number of submitted jobs waiting to be
		// batched, if positive, in which case Submit blocks while the queue
		// is full. The queue is unbounded by default.
		QueueSize int
	}

	// BatchProcessor runs jobs, using arbitrary behavior. Individual job
	// results (etc) should be assigned to the jobs themselves. Any returned
	// error will be propagated via JobResult.Wait.
	//
	// Each call runs in its own fiber. Blocking on anything other than the
	// fiber-aware primitives occupies a scheduler worker for the duration.
	BatchProcessor[Job any] func(ctx context.Context, jobs []Job) error

	// Batcher accepts jobs, batching them into small groups.
	// Instances must be initialized using the NewBatcher factory.
	Batcher[Job any] struct {
		// betteralign:ignore

		processor      BatchProcessor[Job] // configurable
		maxSize        int                 // configurable
		flushInterval  time.Duration       // configurable
		maxConcurrency int                 // configurable
		sched          *fiber.Scheduler
		ctx            context.Context
		cancel         context.CancelFunc
		jobs           *channel.Channel[*pendingJob[Job]]
		collector      *fiber.Fiber[struct{}]
		slots          *fiber.Condition // signalled as batches finish
		mu             sync.Mutex
		running        int
	}

	// pendingJob is a submitted job, and its completion
	pendingJob[Job any] struct {
		result *fiber.Val[struct{}]
		job    Job
	}

	// JobResult models a scheduled job, providing a Wait method that should
	// be called prior to accessing any output/result, which the BatchProcessor
	// may set on the Job.
	//
	// WARNING: The actual value of the Job field will not be modified, meaning
	// any return values from BatchProcessor must be by references available
	// via the Job value.
	JobResult[Job any] struct {
		// Job is the pending job.
		//
		// WARNING: Consider that it may be accessed by the batch processor -
		// consider the implications, e.g. race conditions, if interacting with
		// internal state.
		Job Job

		result *fiber.Val[struct{}]
	}
)

// NewBatcher initializes a new Batcher, collecting and processing batches as
// fibers of s, using the provided BatcherConfig and BatchProcessor. The
// provided config may be nil. A panic will occur if s or processor is nil,
// or invalid config is provided. An error is returned if s has been
// terminated.
//
// The Batcher.Close method and/or Batcher.Shutdown method should be called
// when the Batcher is no longer needed, and before s is closed.
func NewBatcher[Job any](s *fiber.Scheduler, config *BatcherConfig, processor BatchProcessor[Job]) (*Batcher[Job], error) {
	if s == nil {
		panic(`microbatch: nil scheduler`)
	}
	if processor == nil {
		panic(`microbatch: nil processor`)
	}

	batcher := Batcher[Job]{
		processor:      processor,
		maxSize:        16,
		flushInterval:  time.Millisecond * 50,
		maxConcurrency: 1,
		sched:          s,
		slots:          fiber.NewCondition(nil),
	}

	queueSize := -1
	if config != nil {
		if config.MaxSize != 0 {
			batcher.maxSize = config.MaxSize
		}
		if config.FlushInterval != 0 {
			batcher.flushInterval = config.FlushInterval
		}
		if config.MaxConcurrency != 0 {
			batcher.maxConcurrency = config.MaxConcurrency
		}
		if config.QueueSize > 0 {
			queueSize = config.QueueSize
		}
	}

	if batcher.flushInterval <= 0 && batcher.maxSize <= 0 {
		panic(`microbatch: one of MaxSize or FlushInterval must be specified`)
	}

	batcher.jobs = channel.New[*pendingJob[Job]](queueSize, channel.PolicyBlock)
	batcher.ctx, batcher.cancel = context.WithCancel(context.Background())

	collector, err := fiber.Spawn(batcher.ctx, s, func(ctx context.Context) (struct{}, error) {
		batcher.collect(ctx)
		return struct{}{}, nil
	}, fiber.WithTaskName(`microbatch-collector`))
	if err != nil {
		batcher.cancel()
		return nil, err
	}
	batcher.collector = collector

	return &batcher, nil
}

// Shutdown will immediately prevent further jobs via Submit, then wait for
// all already running or scheduled jobs to complete. An error will be returned
// if ctx is canceled prior to this, causing a forced Close.
func (x *Batcher[Job]) Shutdown(ctx context.Context) error {
	x.jobs.Close()
	_, err := x.collector.Join(ctx)
	if err != nil && ctx.Err() != nil {
		forced := x.ctx.Err() == nil
		_ = x.Close()
		if forced {
			return ctx.Err() // indicating we forcibly closed
		}
		return nil
	}
	return err
}

// Close immediately cancels all jobs, and prevents further jobs via Submit,
// blocking until the Batcher has finished closing.
func (x *Batcher[Job]) Close() error {
	x.cancel()
	x.jobs.Close()
	_, err := x.collector.Join(context.Background())
	// a Submit racing the close may still have queued its job
	x.failQueued(context.Canceled)
	return err
}

// Submit schedules a job for processing, returning an error if ctx is
// canceled, or the Batcher is stopped.
//
// The JobResult.Wait method should be used to wait for the job's completion,
// after which any individual job result(s) may be accessed, on the job itself.
// The job is available via JobResult.Job, for convenience.
func (x *Batcher[Job]) Submit(ctx context.Context, job Job) (*JobResult[Job], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := x.ctx.Err(); err != nil {
		return nil, err
	}

	p := &pendingJob[Job]{job: job, result: fiber.NewVal[struct{}]()}
	if err := x.jobs.Send(ctx, p); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return nil, context.Canceled
		}
		return nil, err
	}

	return &JobResult[Job]{Job: job, result: p.result}, nil
}

// pollConfig maps the batching constraints onto a long-poll.
func (x *Batcher[Job]) pollConfig() *longpoll.ChannelConfig {
	cfg := longpoll.ChannelConfig{
		MaxSize:        x.maxSize,
		MinSize:        x.maxSize,
		PartialTimeout: x.flushInterval,
	}
	if x.maxSize <= 0 {
		// flush interval only
		cfg.MaxSize = -1
		cfg.MinSize = math.MaxInt
	}
	if x.flushInterval <= 0 {
		cfg.PartialTimeout = -1
	}
	return &cfg
}

// collect is the body of the collector fiber.
func (x *Batcher[Job]) collect(ctx context.Context) {
	// waits for running batches, even if closed
	defer x.awaitIdle(context.WithoutCancel(ctx))

	cfg := x.pollConfig()
	for {
		var batch []*pendingJob[Job]
		err := x.jobs.ReceiveBatch(ctx, cfg, func(p *pendingJob[Job]) error {
			batch = append(batch, p)
			return nil
		})

		if len(batch) != 0 {
			x.runBatch(ctx, batch)
		}

		if err != nil {
			// note: the channel is closed, so nothing more will be queued
			reason := ctx.Err()
			if reason == nil {
				reason = context.Canceled
			}
			x.failQueued(reason)
			return
		}
	}
}

func (x *Batcher[Job]) failQueued(err error) {
	for {
		p, ok := x.jobs.TryReceive()
		if !ok {
			return
		}
		_ = p.result.SetError(err)
	}
}

// runBatch starts a fiber for the batch, blocking on max concurrency
// limiting.
func (x *Batcher[Job]) runBatch(ctx context.Context, batch []*pendingJob[Job]) {
	x.acquire(ctx)

	jobs := make([]Job, len(batch))
	for i, p := range batch {
		jobs[i] = p.job
	}

	_, err := x.sched.Go(x.ctx, func(ctx context.Context) error {
		defer x.release()

		// nice to make sure the context is cancelled right after processor exists
		// (helps deal with accidental resource leaks in external impl.)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		result := errProcessorPanic
		defer func() { settle(batch, result) }()

		result = x.processor(ctx, jobs)

		// processor errors are delivered via JobResult.Wait
		return nil
	}, fiber.WithTaskName(`microbatch-processor`))
	if err != nil {
		x.release()
		settle(batch, err)
	}
}

func settle[Job any](batch []*pendingJob[Job], err error) {
	for _, p := range batch {
		if err != nil {
			_ = p.result.SetError(err)
		} else {
			_ = p.result.Set(struct{}{})
		}
	}
}

// acquire reserves a concurrency slot, if limited. It waits even if ctx is
// done, relying on the processor handling cancel.
func (x *Batcher[Job]) acquire(ctx context.Context) {
	_ = x.await(context.WithoutCancel(ctx), func() bool {
		if x.maxConcurrency > 0 && x.running >= x.maxConcurrency {
			return false
		}
		x.running++
		return true
	})
}

func (x *Batcher[Job]) release() {
	x.mu.Lock()
	x.running--
	x.mu.Unlock()
	x.slots.SignalAll()
}

func (x *Batcher[Job]) awaitIdle(ctx context.Context) {
	_ = x.await(ctx, func() bool { return x.running == 0 })
}

// await blocks until cond, evaluated under mu, is true.
func (x *Batcher[Job]) await(ctx context.Context, cond func() bool) error {
	reg := x.slots.Register(ctx)
	defer x.slots.Unregister(reg)
	for {
		x.mu.Lock()
		ok := cond()
		x.mu.Unlock()
		if ok {
			return nil
		}
		if err := x.slots.Await(ctx, reg); err != nil {
			return err
		}
	}
}

// Wait for the Job to be processed. If the BatchProcessor failed with an
// error, that error will be returned. Handling of any implementation-specific
// behavior is via the JobResult.Job field.
func (x *JobResult[Job]) Wait(ctx context.Context) error {
	_, err := x.result.Get(ctx)
	var ee *fiber.ExecutionError
	if errors.As(err, &ee) {
		return ee.Cause
	}
	return err
}
