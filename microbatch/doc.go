// Package microbatch groups tasks into small batches, e.g. to reduce the
// number of round trips.
//
// Jobs are queued on a [github.com/joeycumines/go-fiber/channel.Channel],
// collected by a fiber using long-polling, and each batch is processed by
// its own fiber, so waiting for a batch never occupies a scheduler worker.
//
// See also [github.com/joeycumines/go-fiber/longpoll], for a similar,
// lower-level implementation, e.g. if you require more control over the
// batching or concurrency behavior.
package microbatch
