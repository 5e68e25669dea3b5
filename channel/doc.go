// Package channel implements multi-producer, single-consumer message queues
// shared by fibers and goroutines.
//
// A [Channel] is either bounded, backed by a ring buffer with an
// [OverflowPolicy] applied when full, or unbounded, backed by a chunked
// queue. Receivers and blocked senders wait on [fiber.Condition] values, so
// a fiber that waits releases its worker, while a goroutine blocks natively.
//
// Messages from a single producer are received in send order. Only one
// strand may receive: the first to do so becomes the consumer, and other
// strands get [ErrNotConsumer].
//
// # Closing
//
// [Channel.Close] stops further sends. The consumer continues to receive
// buffered messages, then [ErrClosed]. [Channel.CloseWithError] reports the
// producer's failure to the consumer, as a [*ProducerError].
//
// # Selecting
//
// [Select] waits on several channels at once, completing exactly one
// [RecvCase] or [SendCase]. A [Group] receives from whichever of several
// channels of the same type is ready, and [Map] and [Filter] transform any
// [Receiver].
//
// # Batching
//
// [Channel.ReceiveBatch] long-polls the channel using the
// [github.com/joeycumines/go-fiber/longpoll] algorithm.
package channel
