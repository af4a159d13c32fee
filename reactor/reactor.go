package reactor

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Events is a bit set of readiness directions.
type Events uint8

const (
	// None is the empty flag set; a file event whose flags reach None is
	// logically free.
	None Events = 0
	// Readable requests or reports read readiness.
	Readable Events = 1 << 0
	// Writable requests or reports write readiness.
	Writable Events = 1 << 1
)

// Standard errors.
var (
	ErrFDOutOfRange  = errors.New(`reactor: fd out of range`)
	ErrPoolClosed    = errors.New(`reactor: pool closed`)
	ErrTimerHeapFull = errors.New(`reactor: timer heap at capacity`)
	ErrTimerNotFound = errors.New(`reactor: no such timer`)
)

type (
	// FileProc handles readiness on a registered file descriptor. It runs on
	// the dispatch goroutine. The events argument carries the ready set
	// reported by the backend, which may be a superset of the direction the
	// handler was registered for.
	FileProc func(p *Pool, fd int, data any, events Events)

	// CronProc runs once per dispatch iteration, before timers and polling.
	CronProc func(p *Pool)
)

// fileEvent is one slot of the fd-indexed event table.
type fileEvent struct {
	flags  Events
	read   FileProc
	write  FileProc
	shared bool // read and write were installed by a single AddFD call
	data   any
}

// readyEvent is one entry of the scratch ready array, populated by the
// polling backend.
type readyEvent struct {
	fd    int
	flags Events
}

// Pool is the event pool. See the package documentation for the threading
// model. Instances must be created with New.
type Pool struct {
	impl   *poller
	events []fileEvent
	ready  []readyEvent
	timers timerHeap
	cron   CronProc
	log    *logiface.Logger[logiface.Event]
	maxfd  int
	size   int
	done   atomic.Bool
	closed bool
}

// New creates a Pool able to track file descriptors in [0, size).
func New(size int) (*Pool, error) {
	p := &Pool{
		events: make([]fileEvent, size),
		ready:  make([]readyEvent, size),
		size:   size,
		maxfd:  -1,
	}
	p.timers.init()
	impl, err := newPoller(size)
	if err != nil {
		return nil, err
	}
	p.impl = impl
	return p, nil
}

// SetLogger configures structured logging for poll-level diagnostics. A nil
// logger disables logging. Must be called before Dispatch.
func (p *Pool) SetLogger(log *logiface.Logger[logiface.Event]) { p.log = log }

// SetCron installs a hook invoked once per dispatch iteration. A nil hook
// clears it.
func (p *Pool) SetCron(proc CronProc) { p.cron = proc }

// Close releases the polling backend. The pool must not be used afterwards.
func (p *Pool) Close() error {
	if p.closed {
		return ErrPoolClosed
	}
	p.closed = true
	return p.impl.close()
}

// AddFD registers proc for the directions in flags on fd. Flags accumulate
// across calls; the handler for every direction named in flags is replaced,
// and data is replaced for the whole slot.
func (p *Pool) AddFD(fd int, flags Events, proc FileProc, data any) error {
	if fd < 0 || fd >= p.size {
		return ErrFDOutOfRange
	}
	ev := &p.events[fd]
	if err := p.impl.add(fd, ev.flags, ev.flags|flags); err != nil {
		return err
	}
	ev.flags |= flags
	if flags&Readable != 0 {
		ev.read = proc
	}
	if flags&Writable != 0 {
		ev.write = proc
	}
	switch {
	case flags&Readable != 0 && flags&Writable != 0:
		ev.shared = true
	case ev.flags&Readable != 0 && ev.flags&Writable != 0:
		// One direction was re-registered on its own; the pair may now
		// differ.
		ev.shared = false
	}
	ev.data = data
	if fd > p.maxfd {
		p.maxfd = fd
	}
	return nil
}

// DelFD clears the directions in flags from fd. When the flag set becomes
// empty the slot is freed and the max-fd hint is recomputed.
func (p *Pool) DelFD(fd int, flags Events) {
	if fd < 0 || fd >= p.size {
		return
	}
	ev := &p.events[fd]
	if ev.flags == None {
		return
	}
	p.impl.del(fd, ev.flags, ev.flags&^flags)
	ev.flags &^= flags
	if ev.flags == None {
		*ev = fileEvent{}
		if fd == p.maxfd {
			for p.maxfd > 0 && p.events[p.maxfd].flags == None {
				p.maxfd--
			}
			if p.maxfd == 0 && p.events[0].flags == None {
				p.maxfd = -1
			}
		}
	}
}

// Stop requests that Dispatch return after the current iteration. It is
// one-way and safe to call from any goroutine, even before Dispatch starts.
func (p *Pool) Stop() { p.done.Store(true) }

// Stopped reports whether Stop has been called.
func (p *Pool) Stopped() bool { return p.done.Load() }

// Dispatch runs the loop until Stop: cron hook, due timers, then one poll of
// at most pollTimeout (bounded further by the next timer's due time; negative
// means block until readiness or the next timer). While no file descriptor
// is registered the poll is skipped, so the loop does not wait between
// iterations.
func (p *Pool) Dispatch(pollTimeout time.Duration) {
	for !p.done.Load() {
		if p.cron != nil {
			p.cron(p)
		}
		p.processTimers()
		p.processEvents(pollTimeout)
	}
}

// processEvents performs one poll and dispatches the ready handlers,
// readable first. The writable handler is skipped when the readable one
// already ran and both directions were registered by a single AddFD call;
// handlers are not compared, so one handler registered for each direction
// in separate calls runs once per ready direction.
func (p *Pool) processEvents(timeout time.Duration) int {
	if p.maxfd == -1 {
		return 0
	}
	if due, ok := p.timers.next(); ok {
		if wait := time.Until(due); wait < 0 {
			timeout = 0
		} else if timeout < 0 || wait < timeout {
			timeout = wait
		}
	}
	n, err := p.impl.poll(p, timeout)
	if err != nil {
		if p.log != nil {
			p.log.Warning().Err(err).Log(`reactor: poll failed`)
		}
		return 0
	}
	for i := 0; i < n; i++ {
		ready := p.ready[i]
		ev := &p.events[ready.fd]
		var read bool
		if ready.flags&ev.flags&Readable != 0 && ev.read != nil {
			read = true
			ev.read(p, ready.fd, ev.data, ready.flags)
		}
		if ready.flags&ev.flags&Writable != 0 && ev.write != nil {
			if !read || !ev.shared {
				ev.write(p, ready.fd, ev.data, ready.flags)
			}
		}
	}
	return n
}
