//go:build unix && !linux && !darwin

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// poller is the select fallback backend. It keeps no kernel-side state of
// its own; the pool's event table and max-fd hint bound the scan.
type poller struct{}

func newPoller(size int) (*poller, error) {
	return &poller{}, nil
}

func (i *poller) close() error { return nil }

func (i *poller) add(fd int, old, merged Events) error { return nil }

func (i *poller) del(fd int, old, remaining Events) {}

func (i *poller) poll(p *Pool, timeout time.Duration) (int, error) {
	var rfds, wfds unix.FdSet
	for fd := 0; fd <= p.maxfd; fd++ {
		flags := p.events[fd].flags
		if flags&Readable != 0 {
			rfds.Set(fd)
		}
		if flags&Writable != 0 {
			wfds.Set(fd)
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(int64(timeout))
		tv = &t
	}
	n, err := unix.Select(p.maxfd+1, &rfds, &wfds, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}

	num := 0
	for fd := 0; fd <= p.maxfd; fd++ {
		ev := &p.events[fd]
		if ev.flags == None {
			continue
		}
		var flags Events
		if ev.flags&Readable != 0 && rfds.IsSet(fd) {
			flags |= Readable
		}
		if ev.flags&Writable != 0 && wfds.IsSet(fd) {
			flags |= Writable
		}
		if flags != None {
			p.ready[num] = readyEvent{fd: fd, flags: flags}
			num++
		}
	}
	return num, nil
}
