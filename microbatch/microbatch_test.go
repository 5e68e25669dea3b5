package microbatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-fiber/fiber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func newTestScheduler(t *testing.T) *fiber.Scheduler {
	t.Helper()
	s, err := fiber.NewScheduler(fiber.WithParallelism(4))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewBatcher(t *testing.T) {
	t.Parallel()
	for _, tc := range [...]struct {
		name         string
		config       *BatcherConfig
		nilProcessor bool
		panic        string
	}{
		{name: `valid config`, config: &BatcherConfig{MaxSize: 10, FlushInterval: 50 * time.Millisecond, MaxConcurrency: 2, QueueSize: 4}},
		{name: `nil config`},
		{name: `max size disabled`, config: &BatcherConfig{MaxSize: -1}},
		{name: `flush interval disabled`, config: &BatcherConfig{FlushInterval: -1}},
		{name: `all flush options disabled`, config: &BatcherConfig{MaxSize: -1, FlushInterval: -1}, panic: `microbatch: one of MaxSize or FlushInterval must be specified`},
		{name: `nil processor`, nilProcessor: true, panic: `microbatch: nil processor`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestScheduler(t)
			processor := func(ctx context.Context, jobs []any) error {
				panic(`should not be called`)
			}
			if tc.nilProcessor {
				processor = nil
			}
			if tc.panic != `` {
				assert.PanicsWithValue(t, tc.panic, func() { _, _ = NewBatcher(s, tc.config, processor) })
				return
			}
			batcher, err := NewBatcher(s, tc.config, processor)
			require.NoError(t, err)
			assert.NoError(t, batcher.Close())
		})
	}

	t.Run(`nil scheduler`, func(t *testing.T) {
		t.Parallel()
		assert.PanicsWithValue(t, `microbatch: nil scheduler`, func() {
			_, _ = NewBatcher[any](nil, nil, func(context.Context, []any) error { return nil })
		})
	})

	t.Run(`terminated scheduler`, func(t *testing.T) {
		t.Parallel()
		s := newTestScheduler(t)
		require.NoError(t, s.Close())
		_, err := NewBatcher[any](s, nil, func(context.Context, []any) error { return nil })
		assert.ErrorIs(t, err, fiber.ErrTerminated)
	})
}

// should be checked first, for consistency of errors
func TestBatcher_Submit_ctxCancelGuarded(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := (*Batcher[any])(nil).Submit(ctx, nil)
	assert.Nil(t, result)
	assert.Equal(t, context.Canceled, err)
}

func TestBatcher_Submit_batcherClosedGuarded(t *testing.T) {
	t.Parallel()
	batcher, err := NewBatcher(newTestScheduler(t), nil, func(ctx context.Context, jobs []any) error {
		panic(`should not be called`)
	})
	require.NoError(t, err)
	require.NoError(t, batcher.Close())
	result, err := batcher.Submit(context.Background(), nil)
	assert.Nil(t, result)
	assert.Equal(t, context.Canceled, err)
}

type processorArgsAny struct {
	ctx  context.Context
	jobs []any
}

type blockedBatcher struct {
	batcher      *Batcher[any]
	processorIn  <-chan processorArgsAny
	processorOut chan<- error
	results      []*JobResult[any]
}

// setupBlockedSubmit runs job 1, blocks the collector on job 2 (max
// concurrency), and fills the queue with job 3.
func setupBlockedSubmit(t *testing.T) *blockedBatcher {
	processorIn := make(chan processorArgsAny) // called BatchProcessor
	processorOut := make(chan error)           // unblock BatchProcessor

	batcher, err := NewBatcher(
		newTestScheduler(t),
		&BatcherConfig{MaxSize: 1, FlushInterval: 1, MaxConcurrency: 1, QueueSize: 1},
		func(ctx context.Context, jobs []any) error {
			processorIn <- processorArgsAny{ctx, jobs}
			return <-processorOut
		},
	)
	require.NoError(t, err)

	x := &blockedBatcher{batcher: batcher, processorIn: processorIn, processorOut: processorOut}
	submit := func(job any) {
		result, err := batcher.Submit(context.Background(), job)
		require.NoError(t, err)
		require.NotNil(t, result)
		x.results = append(x.results, result)
	}

	// reach max concurrency
	submit(1)
	<-processorIn

	// taken by the collector, which waits for a slot
	submit(2)
	require.Eventually(t, func() bool { return batcher.jobs.Len() == 0 }, testTimeout, time.Millisecond)

	// fills the queue
	submit(3)

	time.Sleep(time.Millisecond * 20)
	select {
	case <-processorIn:
		t.Fatal(`expected no second job to be running`)
	default:
	}

	return x
}

// test cancellation of a job during Submit, before it is queued
func TestBatcher_Submit_ctxCancel(t *testing.T) {
	t.Parallel()
	x := setupBlockedSubmit(t)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		result, err := x.batcher.Submit(ctx, 4)
		assert.Nil(t, result)
		assert.Equal(t, context.Canceled, err)
	}()

	time.Sleep(time.Millisecond * 30)
	select {
	case <-done:
		t.Fatal(`expected fourth job to be blocked on Submit`)
	default:
	}

	cancel()
	<-done

	// clean up
	x.processorOut <- nil
	for _, job := range []any{2, 3} {
		args := <-x.processorIn
		assert.Equal(t, []any{job}, args.jobs)
		x.processorOut <- nil
	}
	assert.NoError(t, x.batcher.Shutdown(context.Background()))
}

// consolidated test logic for three variants of stopping (Shutdown, Shutdown canceled, Close)
func testShutdownCloseJobInProgress(t *testing.T, expectCanceled bool, expectedResult error, stopBatcher func(batcher *Batcher[any]) error) {
	t.Parallel()
	x := setupBlockedSubmit(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		result, err := x.batcher.Submit(context.Background(), 4)
		assert.Nil(t, result)
		assert.Equal(t, context.Canceled, err)
	}()

	time.Sleep(time.Millisecond * 30)
	select {
	case <-done:
		t.Fatal(`expected fourth job to be blocked on Submit`)
	default:
	}

	out := make(chan error, 1)
	go func() {
		out <- stopBatcher(x.batcher)
	}()

	// closing unblocks the fourth job, which was never queued
	<-done
	if expectCanceled {
		require.Eventually(t, func() bool { return x.batcher.ctx.Err() != nil }, testTimeout, time.Millisecond)
	}

	// finish up with the first job, with an error just because
	err1 := errors.New(`some error`)
	x.processorOut <- err1

	// the context the second job receives should match the expected state
	args := <-x.processorIn
	assert.Equal(t, expectCanceled, args.ctx.Err() != nil)
	assert.Equal(t, []any{2}, args.jobs)

	time.Sleep(time.Millisecond * 30)
	select {
	case <-out:
		t.Fatal(`expected shutdown to still be in progress`)
	default:
	}

	err2 := errors.New(`some other error`)
	x.processorOut <- err2

	if !expectCanceled {
		// a graceful shutdown processes the queued job
		args := <-x.processorIn
		assert.Equal(t, []any{3}, args.jobs)
		x.processorOut <- nil
	}

	assert.Equal(t, expectedResult, <-out)

	assert.Equal(t, err1, x.results[0].Wait(context.Background()))
	assert.Equal(t, err2, x.results[1].Wait(context.Background()))
	if expectCanceled {
		assert.Equal(t, context.Canceled, x.results[2].Wait(context.Background()))
	} else {
		assert.NoError(t, x.results[2].Wait(context.Background()))
	}
}

func TestBatcher_Shutdown_jobInProgress(t *testing.T) {
	testShutdownCloseJobInProgress(t, false, nil, func(batcher *Batcher[any]) error {
		return batcher.Shutdown(context.Background())
	})
}

func TestBatcher_Shutdown_jobInProgressCanceled(t *testing.T) {
	testShutdownCloseJobInProgress(t, true, context.Canceled, func(batcher *Batcher[any]) error {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return batcher.Shutdown(ctx)
	})
}

// effectively identical to calling Shutdown with a canceled context
func TestBatcher_Close_jobInProgress(t *testing.T) {
	testShutdownCloseJobInProgress(t, true, nil, func(batcher *Batcher[any]) error {
		return batcher.Close()
	})
}

func TestJobResult_Wait_contextCancel(t *testing.T) {
	t.Parallel()
	result := JobResult[any]{result: fiber.NewVal[struct{}]()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, result.Wait(ctx))
}

func TestBatcher_flushInterval(t *testing.T) {
	t.Parallel()
	processorIn := make(chan processorArgsAny)
	processorOut := make(chan error)

	const flushInterval = 100 * time.Millisecond

	batcher, err := NewBatcher(
		newTestScheduler(t),
		&BatcherConfig{MaxSize: -1, FlushInterval: flushInterval, MaxConcurrency: -1},
		func(ctx context.Context, jobs []any) error {
			processorIn <- processorArgsAny{ctx, jobs}
			return <-processorOut
		},
	)
	require.NoError(t, err)

	firstSubmitTime := time.Now()

	var jobs []*JobResult[any]
	for i := range 5 {
		result, err := batcher.Submit(context.Background(), i)
		require.NoError(t, err)
		require.Equal(t, i, result.Job)
		jobs = append(jobs, result)
		time.Sleep(time.Millisecond * 5)
	}

	args := <-processorIn
	assert.Len(t, args.jobs, 5)

	elapsed := time.Since(firstSubmitTime)
	assert.GreaterOrEqual(t, elapsed, time.Millisecond*90)
	assert.Less(t, elapsed, time.Second)

	expected := errors.New(`expected error`)
	processorOut <- expected

	for _, job := range jobs {
		assert.Equal(t, expected, job.Wait(context.Background()))
	}

	assert.NoError(t, batcher.Close())
}

func TestBatcher_processorPanic(t *testing.T) {
	t.Parallel()
	var uncaught atomic.Int32
	s, err := fiber.NewScheduler(fiber.WithUncaughtHandler(func(*fiber.Task, error) {
		uncaught.Add(1)
	}))
	require.NoError(t, err)
	defer s.Close()

	batcher, err := NewBatcher(s, &BatcherConfig{MaxSize: 1}, func(ctx context.Context, jobs []int) error {
		if jobs[0] == 0 {
			panic(`boom`)
		}
		return nil
	})
	require.NoError(t, err)
	defer batcher.Close()

	panicked, err := batcher.Submit(context.Background(), 0)
	require.NoError(t, err)
	ok, err := batcher.Submit(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, errProcessorPanic, panicked.Wait(context.Background()))
	assert.NoError(t, ok.Wait(context.Background()))
	assert.NoError(t, batcher.Shutdown(context.Background()))
	assert.Equal(t, int32(1), uncaught.Load())
}

// batches are collected on a fiber, and submitted from fibers
func TestBatcher_fiberProducers(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	var total atomic.Int64
	var batches atomic.Int64
	batcher, err := NewBatcher(s, &BatcherConfig{MaxSize: 8, FlushInterval: 5 * time.Millisecond, MaxConcurrency: 2}, func(ctx context.Context, jobs []int) error {
		batches.Add(1)
		for _, job := range jobs {
			total.Add(int64(job))
		}
		return nil
	})
	require.NoError(t, err)

	producers := make([]*fiber.Fiber[struct{}], 4)
	for p := range producers {
		producers[p], err = s.Go(context.Background(), func(ctx context.Context) error {
			for i := 1; i <= 25; i++ {
				result, err := batcher.Submit(ctx, i)
				if err != nil {
					return err
				}
				if err := result.Wait(ctx); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
	}
	for _, f := range producers {
		_, err := f.JoinTimeout(context.Background(), testTimeout)
		require.NoError(t, err)
	}
	require.NoError(t, batcher.Shutdown(context.Background()))

	assert.Equal(t, int64(4*325), total.Load())
	assert.Positive(t, batches.Load())
}
