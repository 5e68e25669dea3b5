package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by sends on a closed channel, and by receives
	// once a channel closed without an error has been drained.
	ErrClosed = errors.New("channel: closed")

	// ErrQueueFull is returned by [PolicyThrow] sends, and by [PolicyBackoff]
	// sends that ran out of retries.
	ErrQueueFull = errors.New("channel: queue capacity exceeded")

	// ErrNotConsumer is returned when a strand other than the channel's
	// consumer attempts to receive.
	ErrNotConsumer = errors.New("channel: receive from a strand other than the consumer")
)

// ProducerError is returned by receives on a drained channel that was closed
// via [Channel.CloseWithError].
type ProducerError struct {
	Cause error
}

// Error implements the error interface.
func (e *ProducerError) Error() string {
	return fmt.Sprintf("channel: producer failed: %v", e.Cause)
}

// Unwrap returns the producer's error.
func (e *ProducerError) Unwrap() error {
	return e.Cause
}
