// Package reactor implements a single-threaded event loop multiplexing file
// descriptor readiness and a min-heap timer wheel.
//
// A Pool owns a platform polling backend (epoll on Linux, kqueue on Darwin,
// select elsewhere), a fixed-size table of file events indexed by descriptor,
// and a heap of one-shot timers ordered by due time. All Pool methods other
// than Stop must be called from the goroutine running Dispatch; Stop is safe
// to call from any goroutine, though observing it promptly requires waking
// the poller (e.g. via a registered self-pipe).
package reactor
