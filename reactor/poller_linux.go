//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// poller is the epoll backend.
type poller struct {
	epfd     int
	eventBuf []unix.EpollEvent
}

func newPoller(size int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		epfd:     epfd,
		eventBuf: make([]unix.EpollEvent, size),
	}, nil
}

func (i *poller) close() error {
	return unix.Close(i.epfd)
}

func epollMask(flags Events) uint32 {
	var mask uint32
	if flags&Readable != 0 {
		mask |= unix.EPOLLIN
	}
	if flags&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (i *poller) add(fd int, old, merged Events) error {
	op := unix.EPOLL_CTL_ADD
	if old != None {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{
		Events: epollMask(merged),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(i.epfd, op, fd, &ev)
}

func (i *poller) del(fd int, old, remaining Events) {
	if remaining == None {
		_ = unix.EpollCtl(i.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	ev := unix.EpollEvent{
		Events: epollMask(remaining),
		Fd:     int32(fd),
	}
	_ = unix.EpollCtl(i.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (i *poller) poll(p *Pool, timeout time.Duration) (int, error) {
	n, err := unix.EpollWait(i.epfd, i.eventBuf, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for j := 0; j < n; j++ {
		ev := &i.eventBuf[j]
		var flags Events
		if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			flags |= Readable
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			flags |= Writable
		}
		p.ready[j] = readyEvent{fd: int(ev.Fd), flags: flags}
	}
	return n, nil
}
