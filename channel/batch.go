package channel

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/go-fiber/longpoll"
)

// ReceiveBatch receives as many messages as possible, passing each to
// handler, constrained by cfg, see [longpoll.ChannelConfig]. Once the
// channel is closed and drained it returns [ErrClosed] or a
// [*ProducerError], possibly after handling a partial batch.
func (c *Channel[M]) ReceiveBatch(ctx context.Context, cfg *longpoll.ChannelConfig, handler func(m M) error) error {
	return longpoll.Receive[M](ctx, cfg, c.Source(), handler)
}

// Source adapts the channel to [longpoll.Source].
func (c *Channel[M]) Source() longpoll.Source[M] {
	return channelSource[M]{c}
}

type channelSource[M any] struct{ c *Channel[M] }

func (s channelSource[M]) Poll(ctx context.Context, d time.Duration) (m M, ok bool, err error) {
	switch {
	case d < 0:
		m, err = s.c.Receive(ctx)
	case d == 0:
		if err = s.c.checkConsumer(ctx); err != nil {
			return m, false, err
		}
		if m, ok = s.c.TryReceive(); ok {
			return m, true, nil
		}
		if s.c.receiveClosed.Load() {
			return m, false, s.c.closedErr()
		}
		return m, false, nil
	default:
		m, err = s.c.ReceiveTimeout(ctx, d)
		var timeout *fiber.TimeoutError
		if errors.As(err, &timeout) {
			return m, false, nil
		}
	}
	if err != nil {
		return m, false, err
	}
	return m, true, nil
}
