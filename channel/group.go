package channel

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/joeycumines/go-fiber/fiber"
)

// Receiver is the receiving side of a [Channel], a [Group], or a
// transformation of one, see [Map] and [Filter].
type Receiver[M any] interface {
	Receive(ctx context.Context) (M, error)
	ReceiveTimeout(ctx context.Context, d time.Duration) (M, error)
	TryReceive() (M, bool)
}

var (
	_ Receiver[int] = (*Channel[int])(nil)
	_ Receiver[int] = (*Group[int])(nil)
)

// Group receives from whichever of several channels has a message. The
// receiving strand becomes the consumer of every member. A member closed
// without an error is skipped once drained, and the group reports
// [ErrClosed] when all members are. A [*ProducerError] is returned as is.
type Group[M any] struct {
	chans []*Channel[M]
}

// NewGroup groups chans, panicking if there are none.
func NewGroup[M any](chans ...*Channel[M]) *Group[M] {
	if len(chans) == 0 {
		panic(`channel: empty group`)
	}
	return &Group[M]{chans: slices.Clone(chans)}
}

// open returns a receive case per member not yet drained after close.
func (g *Group[M]) open(dst *M) []Case {
	cases := make([]Case, 0, len(g.chans))
	for _, c := range g.chans {
		if !c.receiveClosed.Load() || !errors.Is(c.closedErr(), ErrClosed) {
			cases = append(cases, RecvCase(c, func(m M) { *dst = m }))
		}
	}
	return cases
}

// Receive returns the next message from any member.
func (g *Group[M]) Receive(ctx context.Context) (m M, err error) {
	for {
		cases := g.open(&m)
		if len(cases) == 0 {
			return m, ErrClosed
		}
		if _, err = Select(ctx, cases...); !errors.Is(err, ErrClosed) {
			return m, err
		}
	}
}

// ReceiveTimeout is [Group.Receive] bounded by d.
func (g *Group[M]) ReceiveTimeout(ctx context.Context, d time.Duration) (m M, err error) {
	deadline := time.Now().Add(d)
	for {
		cases := g.open(&m)
		if len(cases) == 0 {
			return m, ErrClosed
		}
		if _, err = SelectTimeout(ctx, time.Until(deadline), cases...); !errors.Is(err, ErrClosed) {
			if isTimeout(err) {
				err = &fiber.TimeoutError{Op: "receive", Timeout: d}
			}
			return m, err
		}
	}
}

// TryReceive returns a buffered message from any member, without suspending
// or binding the consumer.
func (g *Group[M]) TryReceive() (m M, ok bool) {
	start := rand.IntN(len(g.chans))
	for n := range g.chans {
		if m, ok = g.chans[(start+n)%len(g.chans)].TryReceive(); ok {
			return m, true
		}
	}
	return m, false
}

func isTimeout(err error) bool {
	var te *fiber.TimeoutError
	return errors.As(err, &te)
}

type mapped[M, N any] struct {
	r  Receiver[M]
	fn func(M) N
}

// Map transforms each message received from r with fn.
func Map[M, N any](r Receiver[M], fn func(M) N) Receiver[N] {
	return mapped[M, N]{r: r, fn: fn}
}

func (x mapped[M, N]) Receive(ctx context.Context) (n N, err error) {
	m, err := x.r.Receive(ctx)
	if err != nil {
		return n, err
	}
	return x.fn(m), nil
}

func (x mapped[M, N]) ReceiveTimeout(ctx context.Context, d time.Duration) (n N, err error) {
	m, err := x.r.ReceiveTimeout(ctx, d)
	if err != nil {
		return n, err
	}
	return x.fn(m), nil
}

func (x mapped[M, N]) TryReceive() (n N, ok bool) {
	m, ok := x.r.TryReceive()
	if !ok {
		return n, false
	}
	return x.fn(m), true
}

type filtered[M any] struct {
	r    Receiver[M]
	keep func(M) bool
}

// Filter discards messages received from r for which keep returns false.
func Filter[M any](r Receiver[M], keep func(M) bool) Receiver[M] {
	return filtered[M]{r: r, keep: keep}
}

func (x filtered[M]) Receive(ctx context.Context) (m M, err error) {
	for {
		if m, err = x.r.Receive(ctx); err != nil || x.keep(m) {
			return m, err
		}
	}
}

func (x filtered[M]) ReceiveTimeout(ctx context.Context, d time.Duration) (m M, err error) {
	deadline := time.Now().Add(d)
	for {
		left := time.Until(deadline)
		if m, err = x.r.ReceiveTimeout(ctx, left); err != nil {
			if isTimeout(err) {
				err = &fiber.TimeoutError{Op: "receive", Timeout: d}
			}
			return m, err
		}
		if x.keep(m) {
			return m, nil
		}
	}
}

func (x filtered[M]) TryReceive() (m M, ok bool) {
	for {
		if m, ok = x.r.TryReceive(); !ok || x.keep(m) {
			return m, ok
		}
	}
}
