package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/go-fiber/longpoll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testTimeout = 5 * time.Second

func newTestScheduler(t *testing.T, opts ...fiber.Option) *fiber.Scheduler {
	t.Helper()
	s, err := fiber.NewScheduler(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitParked(t *testing.T, task *fiber.Task) {
	t.Helper()
	require.Eventually(t, func() bool {
		return task.State() == fiber.StateParked
	}, testTimeout, time.Millisecond)
}

func drain[M any](c *Channel[M]) []M {
	var out []M
	for {
		m, ok := c.TryReceive()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	assert.PanicsWithValue(t, "channel: zero capacity", func() { New[int](0, PolicyBlock) })

	bounded := New[int](3, PolicyDrop)
	assert.Equal(t, 3, bounded.Cap())
	assert.Equal(t, PolicyDrop, bounded.Policy())
	assert.Zero(t, bounded.Len())

	unbounded := New[int](-1, PolicyBlock, nil)
	assert.Equal(t, -1, unbounded.Cap())
	for i := range 100 {
		assert.True(t, unbounded.TrySend(i))
	}
	assert.Equal(t, 100, unbounded.Len())
}

func TestOverflowPolicy_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Block", PolicyBlock.String())
	assert.Equal(t, "Displace", PolicyDisplace.String())
	assert.Equal(t, "OverflowPolicy(42)", OverflowPolicy(42).String())
}

func TestChannel_FIFO(t *testing.T) {
	t.Parallel()
	for _, capacity := range []int{-1, 3} {
		c := New[int](capacity, PolicyBlock)
		ctx := context.Background()
		for _, m := range []int{1, 2, 3} {
			require.NoError(t, c.Send(ctx, m))
		}
		for _, want := range []int{1, 2, 3} {
			m, err := c.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, m, "capacity %d", capacity)
		}
	}
}

func TestChannel_OverflowPolicies(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		policy OverflowPolicy
		opts   []Option
		err    error
		want   []int
	}{
		{policy: PolicyThrow, err: ErrQueueFull, want: []int{1, 2}},
		{policy: PolicyDrop, want: []int{1, 2}},
		{policy: PolicyDisplace, want: []int{2, 3}},
		{policy: PolicyBackoff, opts: []Option{WithMaxSendRetries(7)}, err: ErrQueueFull, want: []int{1, 2}},
		{policy: PolicyBlock, err: context.DeadlineExceeded, want: []int{1, 2}},
	} {
		t.Run(tt.policy.String(), func(t *testing.T) {
			t.Parallel()
			c := New[int](2, tt.policy, tt.opts...)
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			require.NoError(t, c.Send(ctx, 1))
			require.NoError(t, c.Send(ctx, 2))

			err := c.Send(ctx, 3)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, drain(c))
		})
	}
}

func TestChannel_TrySend(t *testing.T) {
	t.Parallel()
	c := New[string](1, PolicyBlock)
	assert.True(t, c.TrySend("a"))
	assert.False(t, c.TrySend("b"))

	d := New[string](1, PolicyDisplace)
	assert.True(t, d.TrySend("a"))
	assert.True(t, d.TrySend("b"))
	assert.Equal(t, []string{"b"}, drain(d))

	c.Close()
	assert.False(t, c.TrySend("c"))
}

// A sends 5 then 7 over a single slot. The second send blocks until B has
// taken the 5, and on a single worker it returns only once B's second
// receive has begun.
func TestChannel_BlockingHandoff(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, fiber.WithParallelism(1))
	c := New[int](1, PolicyBlock)

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(event string) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}

	a, err := s.Go(context.Background(), func(ctx context.Context) error {
		for _, m := range []int{5, 7} {
			if err := c.Send(ctx, m); err != nil {
				return err
			}
			record(fmt.Sprintf("A sent %d", m))
		}
		return nil
	})
	require.NoError(t, err)
	waitParked(t, a.Task)
	assert.Equal(t, 1, c.Len())

	b, err := fiber.Spawn(context.Background(), s, func(ctx context.Context) ([]int, error) {
		var out []int
		for i := range 2 {
			record(fmt.Sprintf("B receive %d", i+1))
			m, err := c.Receive(ctx)
			if err != nil {
				return out, err
			}
			record(fmt.Sprintf("B got %d", m))
			out = append(out, m)
		}
		return out, nil
	})
	require.NoError(t, err)

	got, err := b.JoinTimeout(context.Background(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 7}, got)
	_, err = a.JoinTimeout(context.Background(), testTimeout)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"A sent 5",
		"B receive 1",
		"B got 5",
		"B receive 2",
		"A sent 7",
		"B got 7",
	}, events)
}

func TestChannel_ManyProducers(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, fiber.WithParallelism(4))
	const producers, each = 8, 200

	for _, capacity := range []int{-1, 4} {
		c := New[[2]int](capacity, PolicyBlock)

		consumer, err := fiber.Spawn(context.Background(), s, func(ctx context.Context) (map[int][]int, error) {
			out := make(map[int][]int)
			for {
				m, err := c.Receive(ctx)
				if errors.Is(err, ErrClosed) {
					return out, nil
				}
				if err != nil {
					return nil, err
				}
				out[m[0]] = append(out[m[0]], m[1])
			}
		})
		require.NoError(t, err)

		// fibers and goroutines produce concurrently
		var g errgroup.Group
		for p := range producers {
			send := func(ctx context.Context) error {
				for i := range each {
					if err := c.Send(ctx, [2]int{p, i}); err != nil {
						return err
					}
				}
				return nil
			}
			if p%2 == 0 {
				g.Go(func() error { return send(context.Background()) })
				continue
			}
			f, err := s.Go(context.Background(), send)
			require.NoError(t, err)
			g.Go(func() error {
				_, err := f.JoinTimeout(context.Background(), testTimeout)
				return err
			})
		}
		require.NoError(t, g.Wait())
		c.Close()

		got, err := consumer.JoinTimeout(context.Background(), testTimeout)
		require.NoError(t, err)
		require.Len(t, got, producers)
		for p, values := range got {
			require.Len(t, values, each, "producer %d", p)
			for i, v := range values {
				assert.Equal(t, i, v, "producer %d order", p)
			}
		}
	}
}

func TestChannel_Close(t *testing.T) {
	t.Parallel()

	t.Run("drain then closed", func(t *testing.T) {
		t.Parallel()
		c := New[int](-1, PolicyBlock)
		ctx := context.Background()
		require.NoError(t, c.Send(ctx, 1))
		c.Close()
		c.Close()
		assert.True(t, c.IsClosed())
		assert.ErrorIs(t, c.Send(ctx, 2), ErrClosed)

		m, err := c.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, m)
		_, err = c.Receive(ctx)
		assert.ErrorIs(t, err, ErrClosed)
		_, ok := c.TryReceive()
		assert.False(t, ok)
		_, err = c.ReceiveTimeout(ctx, time.Second)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("with error", func(t *testing.T) {
		t.Parallel()
		c := New[int](2, PolicyBlock)
		boom := errors.New("boom")
		c.CloseWithError(boom)
		c.Close()
		_, err := c.Receive(context.Background())
		var pe *ProducerError
		require.ErrorAs(t, err, &pe)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "channel: producer failed: boom", err.Error())
	})

	t.Run("wakes receiver", func(t *testing.T) {
		t.Parallel()
		s := newTestScheduler(t)
		c := New[int](-1, PolicyBlock)
		f, err := s.Go(context.Background(), func(ctx context.Context) error {
			_, err := c.Receive(ctx)
			return err
		})
		require.NoError(t, err)
		waitParked(t, f.Task)
		c.Close()
		_, err = f.JoinTimeout(context.Background(), testTimeout)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("wakes sender", func(t *testing.T) {
		t.Parallel()
		c := New[int](1, PolicyBlock)
		require.True(t, c.TrySend(1))
		errs := make(chan error, 1)
		go func() { errs <- c.Send(context.Background(), 2) }()
		time.Sleep(20 * time.Millisecond)
		c.Close()
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(testTimeout):
			t.Fatal("sender not woken")
		}
		assert.Equal(t, []int{1}, drain(c))
	})

	// the consumer may drain the channel before a woken sender retries, at
	// which point there is room, but the message could never be received
	t.Run("drained before sender retries", func(t *testing.T) {
		t.Parallel()
		for range 500 {
			c := New[int](1, PolicyBlock)
			require.True(t, c.TrySend(0))
			errs := make(chan error, 1)
			go func() { errs <- c.Send(context.Background(), 1) }()
			require.Eventually(t, func() bool {
				return c.senders.Waiters() == 1
			}, testTimeout, time.Millisecond/10)

			c.Close()
			var received []int
			for {
				m, err := c.Receive(context.Background())
				if err != nil {
					require.ErrorIs(t, err, ErrClosed)
					break
				}
				received = append(received, m)
			}

			select {
			case err := <-errs:
				require.ErrorIs(t, err, ErrClosed)
			case <-time.After(testTimeout):
				t.Fatal("sender not woken")
			}
			require.Equal(t, []int{0}, received)
			require.Zero(t, c.Len())
			require.False(t, c.TrySend(2))
		}
	})
}

func TestChannel_SingleConsumer(t *testing.T) {
	t.Parallel()
	c := New[int](-1, PolicyBlock)
	c.TrySend(1)
	m, err := c.ReceiveTimeout(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m)

	errs := make(chan error, 1)
	go func() {
		_, err := c.ReceiveTimeout(context.Background(), 0)
		errs <- err
	}()
	assert.ErrorIs(t, <-errs, ErrNotConsumer)

	// the consumer is unaffected
	_, err = c.ReceiveTimeout(context.Background(), 0)
	var te *fiber.TimeoutError
	assert.ErrorAs(t, err, &te)
}

func TestChannel_ReceiveTimeout(t *testing.T) {
	t.Parallel()

	t.Run("goroutine", func(t *testing.T) {
		t.Parallel()
		c := New[int](1, PolicyBlock)
		start := time.Now()
		_, err := c.ReceiveTimeout(context.Background(), 30*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("fiber", func(t *testing.T) {
		t.Parallel()
		s := newTestScheduler(t)
		c := New[int](1, PolicyBlock)
		f, err := fiber.Spawn(context.Background(), s, func(ctx context.Context) (int, error) {
			if _, err := c.ReceiveTimeout(ctx, 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
				return 0, errors.New("expected a timeout")
			}
			return c.ReceiveTimeout(ctx, testTimeout)
		})
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, c.Send(context.Background(), 9))
		m, err := f.JoinTimeout(context.Background(), testTimeout)
		require.NoError(t, err)
		assert.Equal(t, 9, m)
	})

	t.Run("context", func(t *testing.T) {
		t.Parallel()
		c := New[int](1, PolicyBlock)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)
		_, err := c.ReceiveTimeout(ctx, testTimeout)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestChannel_SendSync(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, fiber.WithParallelism(1))
	c := New[int](-1, PolicyBlock)

	var received atomic.Int64
	consumer, err := s.Go(context.Background(), func(ctx context.Context) error {
		m, err := c.Receive(ctx)
		received.Store(int64(m))
		return err
	})
	require.NoError(t, err)
	waitParked(t, consumer.Task)

	producer, err := fiber.Spawn(context.Background(), s, func(ctx context.Context) (int64, error) {
		if err := c.SendSync(ctx, 11); err != nil {
			return 0, err
		}
		// only one worker, so the consumer ran inline
		return received.Load(), nil
	})
	require.NoError(t, err)
	got, err := producer.JoinTimeout(context.Background(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, int64(11), got)
	assert.True(t, consumer.IsDone())
}

func TestChannel_ReceiveBatch(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	c := New[int](-1, PolicyBlock)
	for i := range 5 {
		require.True(t, c.TrySend(i))
	}

	f, err := fiber.Spawn(context.Background(), s, func(ctx context.Context) ([][]int, error) {
		var batches [][]int
		for {
			var batch []int
			err := c.ReceiveBatch(ctx, &longpoll.ChannelConfig{MaxSize: 3, MinSize: 2, PartialTimeout: 20 * time.Millisecond}, func(m int) error {
				batch = append(batch, m)
				return nil
			})
			if len(batch) != 0 {
				batches = append(batches, batch)
			}
			if errors.Is(err, ErrClosed) {
				return batches, nil
			}
			if err != nil {
				return nil, err
			}
		}
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.True(t, c.TrySend(5))
	c.Close()

	batches, err := f.JoinTimeout(context.Background(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4}, {5}}, batches)
}
