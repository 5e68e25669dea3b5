package longpoll

import (
	"context"
	"io"
	"time"
)

// ChannelConfig models optional configuration for the Channel and Receive
// functions.
type ChannelConfig struct {
	// MaxSize is the absolute maximum number of values to receive. Setting
	// this to a value < 0 will disable the maximum size constraint.
	//
	// Defaults to 16, if 0.
	MaxSize int

	// MinSize is the (target) minimum number of values to receive. If
	// PartialTimeout is configured, the effective minimum size will be 1, if
	// the PartialTimeout is reached.
	//
	// Setting this to a value < 0 will cause the PartialTimeout to start from
	// the call, and will allow returning without receiving any values. In
	// this scenario, PartialTimeout will apply to the first value.
	//
	// Defaults to 4, if 0.
	MinSize int

	// PartialTimeout is the maximum time to wait for a partial response,
	// defined as a number of received values less than the MinSize. After/if
	// this timeout is reached, the effective minimum size will be reduced, see
	// MinSize for details.
	//
	// Defaults to 50ms, if 0.
	PartialTimeout time.Duration
}

// Source is the receive side of a queue, e.g. a fiber channel.
type Source[T any] interface {
	// Poll receives the next value, waiting at most d, or indefinitely if d
	// is negative. A zero d never blocks. If no value arrives in time, ok is
	// false, and err is nil. Poll returns an error, e.g. io.EOF, once the
	// source is closed and drained, or if ctx is done.
	Poll(ctx context.Context, d time.Duration) (value T, ok bool, err error)
}

// Channel performs a blocking receive on the channel, returning as many values
// as possible, given the constraints. If ctx cancels, the error will be
// returned. The cfg parameter is optional, and may be nil, in which case the
// documented defaults will be used. Values will be received from ch, and
// passed to handler. Errors from handler will be returned, and cause the call
// to Channel to return.
//
// If the channel is closed, and all buffered values are received, Channel will
// return io.EOF. In this scenario, the minimum size may not be reached.
//
// Providing a nil ctx, ch, or handler will cause a panic.
func Channel[T any](ctx context.Context, cfg *ChannelConfig, ch <-chan T, handler func(value T) error) error {
	if ch == nil {
		panic(`longpoll: nil channel`)
	}
	return Receive[T](ctx, cfg, chanSource[T](ch), handler)
}

// Receive is [Channel], generalized to any [Source]. Once src is closed and
// drained, its error is returned.
//
// Providing a nil ctx, src, or handler will cause a panic.
func Receive[T any](ctx context.Context, cfg *ChannelConfig, src Source[T], handler func(value T) error) error {
	if ctx == nil {
		panic(`longpoll: nil context`)
	}
	if src == nil {
		panic(`longpoll: nil source`)
	}
	if handler == nil {
		panic(`longpoll: nil handler`)
	}

	// guard context cancel - nice to have consistent behavior (avoid receive if canceled)
	if err := ctx.Err(); err != nil {
		return err
	}

	maxSize := 16
	minSize := 4
	partialTimeout := 50 * time.Millisecond
	if cfg != nil {
		if cfg.MaxSize != 0 {
			maxSize = cfg.MaxSize
		}
		if cfg.MinSize != 0 {
			minSize = cfg.MinSize
		}
		if cfg.PartialTimeout != 0 {
			partialTimeout = cfg.PartialTimeout
		}
	}

	// zero while no partial timeout is running
	var deadline time.Time
	if partialTimeout > 0 && minSize < 0 {
		// we have a partial timeout, but no minimum size - special case, starts the timeout immediately
		deadline = time.Now().Add(partialTimeout)
	}

	var size int

	// receive the minimum number of values (or first value) OR partial timeout OR context cancel
	for (maxSize < 0 || size < maxSize) && (size < minSize || (size == 0 && !deadline.IsZero())) {
		wait := time.Duration(-1)
		if !deadline.IsZero() {
			if wait = time.Until(deadline); wait <= 0 {
				break
			}
		}

		value, ok, err := src.Poll(ctx, wait)
		if err != nil {
			return err
		}
		if !ok {
			// partial timeout
			if err := ctx.Err(); err != nil {
				return err
			}
			break
		}

		size++

		if size == 1 && partialTimeout > 0 && deadline.IsZero() {
			// first value received, start the partial timeout
			deadline = time.Now().Add(partialTimeout)
		}

		if err := handler(value); err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	// receive what additional values we can, up to the maximum size OR context cancel
	for maxSize < 0 || size < maxSize {
		value, ok, err := src.Poll(ctx, 0)
		if err != nil {
			return err
		}
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			break
		}

		size++

		if err := handler(value); err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

// chanSource adapts a Go channel, reporting closure as io.EOF.
type chanSource[T any] <-chan T

func (ch chanSource[T]) Poll(ctx context.Context, d time.Duration) (value T, ok bool, err error) {
	var timeout <-chan time.Time
	switch {
	case d == 0:
		select {
		case <-ctx.Done():
			return value, false, ctx.Err()
		case value, ok = <-ch:
			if !ok {
				return value, false, io.EOF
			}
			return value, true, nil
		default:
			return value, false, nil
		}
	case d > 0:
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return value, false, ctx.Err()
	case <-timeout:
		return value, false, nil
	case value, ok = <-ch:
		if !ok {
			return value, false, io.EOF
		}
		return value, true, nil
	}
}
