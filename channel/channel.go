package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/go-fiber/internal/queue"
)

// Channel is a multi-producer, single-consumer queue of messages, usable
// from both fibers and goroutines. The first strand to receive becomes the
// consumer.
type Channel[M any] struct { // betteralign:ignore
	mu        sync.Mutex
	bounded   *queue.Ring[M]
	unbounded *queue.Chunked[M]

	receivers *fiber.Condition
	// signalled when room is made, nil if unbounded
	senders *fiber.Condition

	consumer atomic.Pointer[any]

	closeErr      error
	sendClosed    atomic.Bool
	receiveClosed atomic.Bool

	policy         OverflowPolicy
	maxSendRetries int
}

// New creates a channel. A negative capacity creates an unbounded channel,
// for which policy is irrelevant. New panics if capacity is zero.
func New[M any](capacity int, policy OverflowPolicy, opts ...Option) *Channel[M] {
	if capacity == 0 {
		panic(`channel: zero capacity`)
	}
	cfg := resolveChannelOptions(opts)
	c := &Channel[M]{
		policy:         policy,
		maxSendRetries: cfg.maxSendRetries,
	}
	c.receivers = fiber.NewCondition(c)
	if capacity < 0 {
		c.unbounded = queue.NewChunked[M]()
	} else {
		c.bounded = queue.NewRing[M](capacity)
		c.senders = fiber.NewCondition(nil)
	}
	return c
}

// Policy returns the overflow policy.
func (c *Channel[M]) Policy() OverflowPolicy { return c.policy }

// Cap returns the capacity, or -1 if unbounded.
func (c *Channel[M]) Cap() int {
	if c.bounded == nil {
		return -1
	}
	return c.bounded.Cap()
}

// Len returns the number of buffered messages.
func (c *Channel[M]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bounded != nil {
		return c.bounded.Len()
	}
	return c.unbounded.Len()
}

// IsClosed reports whether the channel has been closed. Buffered messages
// may still be received.
func (c *Channel[M]) IsClosed() bool { return c.sendClosed.Load() }

// enq reports whether m was enqueued, failing with [ErrClosed] if the
// channel is closed. The check shares the lock with close, so nothing is
// enqueued after the consumer could have observed the close.
func (c *Channel[M]) enq(m M) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.sendClosed.Load():
		return false, ErrClosed
	case c.unbounded != nil:
		c.unbounded.Push(m)
		return true, nil
	case c.policy == PolicyDisplace:
		c.bounded.PushDisplace(m)
		return true, nil
	default:
		return c.bounded.Push(m), nil
	}
}

func (c *Channel[M]) poll() (m M, ok bool) {
	c.mu.Lock()
	if c.bounded != nil {
		m, ok = c.bounded.Pop()
	} else {
		m, ok = c.unbounded.Pop()
	}
	c.mu.Unlock()
	if ok && c.senders != nil {
		c.senders.SignalAll()
	}
	return m, ok
}

// Send enqueues m, applying the overflow policy if the channel is full.
// Only [PolicyBlock] and [PolicyBackoff] sends may suspend the caller.
func (c *Channel[M]) Send(ctx context.Context, m M) error {
	return c.send0(ctx, m, false)
}

// SendSync is [Channel.Send], but if the consumer is a fiber parked on this
// channel, it is run immediately on the calling fiber's worker, which
// shortens request/response round trips.
func (c *Channel[M]) SendSync(ctx context.Context, m M) error {
	return c.send0(ctx, m, true)
}

// TrySend enqueues m if there is room, without applying the overflow
// policy, except [PolicyDisplace], which always succeeds.
func (c *Channel[M]) TrySend(m M) bool {
	if ok, err := c.enq(m); err != nil || !ok {
		return false
	}
	c.receivers.SignalAll()
	return true
}

func (c *Channel[M]) send0(ctx context.Context, m M, sync bool) error {
	if c.sendClosed.Load() {
		return ErrClosed
	}

	var reg *fiber.Registration
	if c.policy == PolicyBlock && c.senders != nil {
		reg = c.senders.Register(ctx)
		defer c.senders.Unregister(reg)
	}

	for i := 0; ; i++ {
		ok, err := c.enq(m)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		switch c.policy {
		case PolicyDrop:
			return nil
		case PolicyThrow:
			return ErrQueueFull
		case PolicyBlock:
			if err := c.senders.Await(ctx, reg); err != nil {
				return err
			}
		case PolicyBackoff:
			switch {
			case i >= c.maxSendRetries:
				return ErrQueueFull
			case i > 5:
				if err := fiber.Sleep(ctx, time.Duration(i-5)*5*time.Millisecond); err != nil {
					return err
				}
			case i > 4:
				fiber.Yield(ctx)
			}
		}
	}

	if sync {
		c.receivers.SignalAndTryToExecNow(ctx)
	} else {
		c.receivers.SignalAll()
	}
	return nil
}

// Close closes the channel. Buffered messages remain receivable. Blocked
// senders fail with [ErrClosed].
func (c *Channel[M]) Close() {
	c.close(nil)
}

// CloseWithError closes the channel, reporting err to the consumer as a
// [*ProducerError] once the buffered messages are drained. A nil err is
// equivalent to [Channel.Close].
func (c *Channel[M]) CloseWithError(err error) {
	c.close(err)
}

func (c *Channel[M]) close(err error) {
	c.mu.Lock()
	if c.sendClosed.Load() {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	c.sendClosed.Store(true)
	c.mu.Unlock()
	c.receivers.SignalAll()
	if c.senders != nil {
		c.senders.SignalAll()
	}
}

func (c *Channel[M]) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return &ProducerError{Cause: c.closeErr}
	}
	return ErrClosed
}

// checkConsumer binds the channel to the calling strand on first use.
func (c *Channel[M]) checkConsumer(ctx context.Context) error {
	key := fiber.CurrentStrand(ctx).Key()
	for {
		if p := c.consumer.Load(); p != nil {
			if *p != key {
				return ErrNotConsumer
			}
			return nil
		}
		if c.consumer.CompareAndSwap(nil, &key) {
			return nil
		}
	}
}

// drained reports the terminal state, re-polling once after observing the
// close, so that a message enqueued just before it is not lost.
func (c *Channel[M]) drained() (m M, ok bool, closed bool) {
	if !c.sendClosed.Load() {
		return m, false, false
	}
	if m, ok = c.poll(); ok {
		return m, true, false
	}
	c.receiveClosed.Store(true)
	return m, false, true
}

// Receive returns the next message, suspending the caller until one is
// available. Once the channel is closed and drained, it returns [ErrClosed]
// or a [*ProducerError].
func (c *Channel[M]) Receive(ctx context.Context) (m M, err error) {
	if err = c.checkConsumer(ctx); err != nil {
		return m, err
	}
	if c.receiveClosed.Load() {
		return m, c.closedErr()
	}
	if m, ok := c.poll(); ok {
		return m, nil
	}

	reg := c.receivers.Register(ctx)
	defer c.receivers.Unregister(reg)
	for {
		if m, ok := c.poll(); ok {
			return m, nil
		}
		if m, ok, closed := c.drained(); ok {
			return m, nil
		} else if closed {
			return m, c.closedErr()
		}
		if err = c.receivers.Await(ctx, reg); err != nil {
			return m, err
		}
	}
}

// ReceiveTimeout is [Channel.Receive] bounded by d, returning a
// [*fiber.TimeoutError] if no message arrives in time. A non-positive d
// only checks for a buffered message.
func (c *Channel[M]) ReceiveTimeout(ctx context.Context, d time.Duration) (m M, err error) {
	if err = c.checkConsumer(ctx); err != nil {
		return m, err
	}
	if c.receiveClosed.Load() {
		return m, c.closedErr()
	}
	if m, ok := c.poll(); ok {
		return m, nil
	}
	timeout := &fiber.TimeoutError{Op: "receive", Timeout: d}
	if d <= 0 {
		if m, ok, closed := c.drained(); ok {
			return m, nil
		} else if closed {
			return m, c.closedErr()
		}
		return m, timeout
	}

	deadline := time.Now().Add(d)
	reg := c.receivers.Register(ctx)
	defer c.receivers.Unregister(reg)
	for {
		if m, ok := c.poll(); ok {
			return m, nil
		}
		if m, ok, closed := c.drained(); ok {
			return m, nil
		} else if closed {
			return m, c.closedErr()
		}
		left := time.Until(deadline)
		if left <= 0 {
			return m, timeout
		}
		if err = c.receivers.AwaitTimeout(ctx, reg, left); err != nil {
			return m, err
		}
	}
}

// TryReceive returns a buffered message, if any, without suspending. It
// does not bind or check the consumer.
func (c *Channel[M]) TryReceive() (m M, ok bool) {
	if c.receiveClosed.Load() {
		return m, false
	}
	if m, ok = c.poll(); ok {
		return m, true
	}
	m, ok, _ = c.drained()
	return m, ok
}
