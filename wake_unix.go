//go:build unix && !linux

package asyncetcd

import "golang.org/x/sys/unix"

// newWakePipe creates the wake channel: a non-blocking pipe pair whose read
// end is registered with the reactor. Platforms without pipe2 set the flags
// in a second step.
func newWakePipe() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	cleanup := func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			cleanup()
			return -1, -1, err
		}
	}
	return fds[0], fds[1], nil
}
