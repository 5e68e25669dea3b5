// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package channel

import (
	"fmt"
)

// OverflowPolicy determines what a send does when a bounded channel is full.
type OverflowPolicy int

const (
	// PolicyBlock suspends the sender until there is room. It is the
	// default.
	PolicyBlock OverflowPolicy = iota
	// PolicyThrow fails the send with [ErrQueueFull].
	PolicyThrow
	// PolicyDrop silently discards the message being sent.
	PolicyDrop
	// PolicyBackoff retries, first spinning, then yielding, then sleeping
	// for progressively longer, failing with [ErrQueueFull] once the retries
	// are exhausted.
	PolicyBackoff
	// PolicyDisplace evicts the oldest buffered message.
	PolicyDisplace
)

// String returns a human-readable representation of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case PolicyBlock:
		return "Block"
	case PolicyThrow:
		return "Throw"
	case PolicyDrop:
		return "Drop"
	case PolicyBackoff:
		return "Backoff"
	case PolicyDisplace:
		return "Displace"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// defaultMaxSendRetries bounds [PolicyBackoff].
const defaultMaxSendRetries = 10

// channelOptions holds configuration resolved from [Option] values.
type channelOptions struct {
	maxSendRetries int
}

// Option configures a [Channel].
type Option interface {
	applyChannel(*channelOptions)
}

type channelOptionImpl struct {
	applyChannelFunc func(*channelOptions)
}

func (c *channelOptionImpl) applyChannel(opts *channelOptions) {
	c.applyChannelFunc(opts)
}

// WithMaxSendRetries sets the number of retries a [PolicyBackoff] send
// makes before failing. Values < 1 are ignored.
func WithMaxSendRetries(n int) Option {
	return &channelOptionImpl{func(opts *channelOptions) {
		if n >= 1 {
			opts.maxSendRetries = n
		}
	}}
}

func resolveChannelOptions(opts []Option) *channelOptions {
	cfg := &channelOptions{maxSendRetries: defaultMaxSendRetries}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyChannel(cfg)
	}
	return cfg
}
