// Package longpoll supports batching e.g. receiving as many values as possible
// from a channel, either a Go channel, or any [Source], such as a fiber
// channel.
//
// See also [github.com/joeycumines/go-fiber/microbatch], for a higher-level
// implementation, with built-in concurrency control, and support for batched
// request/response patterns.
package longpoll
