package channel

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/joeycumines/go-fiber/fiber"
)

// Case is one alternative of a [Select], see [RecvCase] and [SendCase].
type Case interface {
	// try completes the case if it is ready, without suspending. A case
	// that completes by failing reports done with a non-nil error.
	try(ctx context.Context) (done bool, err error)
	// cond is signalled when the case may have become ready, or nil if the
	// case is always ready.
	cond() *fiber.Condition
}

type recvCase[M any] struct {
	c  *Channel[M]
	fn func(m M)
}

// RecvCase receives from c, passing the message to fn, which may be nil.
// Trying the case binds the selecting strand as the consumer of c. Once c is
// closed and drained, the case completes with its close error.
func RecvCase[M any](c *Channel[M], fn func(m M)) Case {
	return recvCase[M]{c: c, fn: fn}
}

func (x recvCase[M]) try(ctx context.Context) (bool, error) {
	c := x.c
	if err := c.checkConsumer(ctx); err != nil {
		return true, err
	}
	if c.receiveClosed.Load() {
		return true, c.closedErr()
	}
	m, ok := c.poll()
	if !ok {
		var closed bool
		if m, ok, closed = c.drained(); closed {
			return true, c.closedErr()
		}
	}
	if !ok {
		return false, nil
	}
	if x.fn != nil {
		x.fn(m)
	}
	return true, nil
}

func (x recvCase[M]) cond() *fiber.Condition { return x.c.receivers }

type sendCase[M any] struct {
	c *Channel[M]
	m M
}

// SendCase sends m to c once there is room. The overflow policy of c is not
// applied, except [PolicyDisplace], which is always ready. Sending to a
// closed channel completes the case with [ErrClosed].
func SendCase[M any](c *Channel[M], m M) Case {
	return sendCase[M]{c: c, m: m}
}

func (x sendCase[M]) try(context.Context) (bool, error) {
	ok, err := x.c.enq(x.m)
	if err != nil {
		return true, err
	}
	if ok {
		x.c.receivers.SignalAll()
	}
	return ok, nil
}

func (x sendCase[M]) cond() *fiber.Condition { return x.c.senders }

type selectBlocker struct{}

// Select waits until one of cases completes, returning its index, and the
// error it completed with, if any. Ready cases are tried from a random
// offset, so that no case is starved. Select panics if cases is empty.
func Select(ctx context.Context, cases ...Case) (int, error) {
	return selectCases(ctx, cases, 0, false)
}

// SelectTimeout is [Select] bounded by d, returning -1 and a
// [*fiber.TimeoutError] if no case completes in time.
func SelectTimeout(ctx context.Context, d time.Duration, cases ...Case) (int, error) {
	return selectCases(ctx, cases, d, true)
}

// TrySelect completes a ready case without suspending, returning -1 and a
// nil error if none is ready.
func TrySelect(ctx context.Context, cases ...Case) (int, error) {
	if len(cases) == 0 {
		panic(`channel: select with no cases`)
	}
	if i, ok, err := tryCases(ctx, cases, rand.IntN(len(cases))); ok {
		return i, err
	}
	return -1, nil
}

func tryCases(ctx context.Context, cases []Case, start int) (int, bool, error) {
	for n := range cases {
		i := (start + n) % len(cases)
		if done, err := cases[i].try(ctx); done {
			return i, true, err
		}
	}
	return -1, false, nil
}

func selectCases(ctx context.Context, cases []Case, d time.Duration, timed bool) (int, error) {
	if len(cases) == 0 {
		panic(`channel: select with no cases`)
	}
	start := rand.IntN(len(cases))
	if i, ok, err := tryCases(ctx, cases, start); ok {
		return i, err
	}
	timeout := &fiber.TimeoutError{Op: "select", Timeout: d}
	if timed && d <= 0 {
		return -1, timeout
	}

	// a single strand, so that a signal from any case wakes the same permit
	st := fiber.CurrentStrand(ctx)
	for _, c := range cases {
		if cond := c.cond(); cond != nil {
			reg := cond.RegisterStrand(st)
			defer cond.Unregister(reg)
		}
	}

	deadline := time.Now().Add(d)
	for {
		if i, ok, err := tryCases(ctx, cases, start); ok {
			return i, err
		}
		if !timed {
			if err := st.Park(ctx, selectBlocker{}, false); err != nil {
				return -1, err
			}
			continue
		}
		left := time.Until(deadline)
		if left <= 0 {
			return -1, timeout
		}
		if err := st.ParkTimeout(ctx, selectBlocker{}, false, left); err != nil {
			return -1, err
		}
	}
}
