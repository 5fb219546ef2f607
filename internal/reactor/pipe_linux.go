//go:build linux

package reactor

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SignalPipe is the self-pipe pair. W is written by the Bridge only, R is
// read by the event loop only.
type SignalPipe struct {
	R int
	W int
}

// NewSignalPipe creates a unix stream socketpair with both ends
// close-on-exec and the write end non-blocking. The read end becomes
// non-blocking when it is registered with a Poller.
func NewSignalPipe() (SignalPipe, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return SignalPipe{R: -1, W: -1}, errors.Wrap(err, "socketpair")
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return SignalPipe{R: -1, W: -1}, errors.Wrap(err, "set non-blocking signal pipe")
	}
	return SignalPipe{R: fds[0], W: fds[1]}, nil
}
