// Package asyncetcd is an asynchronous client for an etcd v2 key-value
// store. Verbs are fire-and-forget: they construct a request, enqueue it,
// and wake a dedicated worker goroutine, which multiplexes all in-flight
// transfers over a shared batch HTTP engine and delivers each parsed
// response through a user-supplied processor callback.
//
// The worker is a reactor (see the reactor subpackage) driving the engine's
// socket-readiness and timeout callbacks; httpmulti provides the built-in
// engine, and any implementation of the engine subpackage's contract may be
// substituted via Config.Engine.
//
// See also [github.com/joeycumines/go-eventloop], a general-purpose event
// loop sharing this module's reactor design.
package asyncetcd
