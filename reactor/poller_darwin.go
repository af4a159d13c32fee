//go:build darwin

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// poller is the kqueue backend.
type poller struct {
	kq       int
	eventBuf []unix.Kevent_t
}

func newPoller(size int) (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &poller{
		kq:       kq,
		eventBuf: make([]unix.Kevent_t, size),
	}, nil
}

func (i *poller) close() error {
	return unix.Close(i.kq)
}

func kqueueChanges(fd int, flags Events, op uint16) []unix.Kevent_t {
	changes := make([]unix.Kevent_t, 0, 2)
	if flags&Readable != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  op,
		})
	}
	if flags&Writable != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  op,
		})
	}
	return changes
}

func (i *poller) add(fd int, old, merged Events) error {
	added := merged &^ old
	if added == None {
		return nil
	}
	_, err := unix.Kevent(i.kq, kqueueChanges(fd, added, unix.EV_ADD|unix.EV_ENABLE), nil, nil)
	return err
}

func (i *poller) del(fd int, old, remaining Events) {
	removed := old &^ remaining
	if removed == None {
		return
	}
	_, _ = unix.Kevent(i.kq, kqueueChanges(fd, removed, unix.EV_DELETE), nil, nil)
}

func (i *poller) poll(p *Pool, timeout time.Duration) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(i.kq, nil, i.eventBuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	// Read and write readiness for one fd arrive as separate kevents; merge
	// them so the dispatch loop sees a single ready entry per fd.
	num := 0
	for j := 0; j < n; j++ {
		ev := &i.eventBuf[j]
		fd := int(ev.Ident)
		var flags Events
		switch ev.Filter {
		case unix.EVFILT_READ:
			flags = Readable
		case unix.EVFILT_WRITE:
			flags = Writable
		default:
			continue
		}
		if ev.Flags&unix.EV_EOF != 0 {
			flags |= Readable
		}
		merged := false
		for k := 0; k < num; k++ {
			if p.ready[k].fd == fd {
				p.ready[k].flags |= flags
				merged = true
				break
			}
		}
		if !merged {
			p.ready[num] = readyEvent{fd: fd, flags: flags}
			num++
		}
	}
	return num, nil
}
