//go:build linux

package asyncetcd

import "golang.org/x/sys/unix"

// newWakePipe creates the wake channel: a non-blocking pipe pair whose read
// end is registered with the reactor.
func newWakePipe() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
