//go:build linux

package reactor

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// registerMask is the interest set for every descriptor: readable, edge-triggered.
const registerMask = unix.EPOLLIN | unix.EPOLLET

// Poller owns one epoll instance and the set of descriptors registered with it.
type Poller struct {
	epfd int

	mu         sync.Mutex
	registered map[int]uint32
	closed     bool

	raw []unix.EpollEvent
}

func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}
	return &Poller{
		epfd:       epfd,
		registered: make(map[int]uint32),
	}, nil
}

// Add makes fd non-blocking and registers it for edge-triggered input.
// Registering the same descriptor twice without an intervening Remove
// returns ErrAlreadyRegistered.
func (p *Poller) Add(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.registered[fd]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "fd %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return errors.Wrapf(err, "set non-blocking fd %d", fd)
	}
	ev := unix.EpollEvent{Events: registerMask, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrapf(err, "epoll ctl add fd %d", fd)
	}
	p.registered[fd] = registerMask
	return nil
}

func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.registered[fd]; !ok {
		return errors.Wrapf(ErrNotRegistered, "fd %d", fd)
	}
	delete(p.registered, fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrapf(err, "epoll ctl del fd %d", fd)
	}
	return nil
}

// SetWriteInterest adds or removes EPOLLOUT for a registered descriptor.
// Re-arming with EPOLLOUT on a writable socket queues a fresh edge, so a
// consumer with work left over is reported again on the next wait.
func (p *Poller) SetWriteInterest(fd int, on bool) error {
	mask := uint32(registerMask)
	if on {
		mask |= unix.EPOLLOUT
	}
	return p.modify(fd, mask)
}

// Rearm re-applies the current interest set. If fd is ready at that moment
// the kernel queues a new edge for it.
func (p *Poller) Rearm(fd int) error {
	p.mu.Lock()
	mask, ok := p.registered[fd]
	p.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotRegistered, "fd %d", fd)
	}
	return p.modify(fd, mask)
}

func (p *Poller) modify(fd int, mask uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.registered[fd]; !ok {
		return errors.Wrapf(ErrNotRegistered, "fd %d", fd)
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.Wrapf(err, "epoll ctl mod fd %d", fd)
	}
	p.registered[fd] = mask
	return nil
}

// Registered reports whether fd is in the interest set and the mask it was
// registered with.
func (p *Poller) Registered(fd int) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mask, ok := p.registered[fd]
	return mask, ok
}

// Wait blocks without a timeout until at least one registered descriptor is
// ready and fills events in the order the kernel reported them. EINTR is
// retried.
func (p *Poller) Wait(events []Event) (int, error) {
	if len(events) == 0 {
		return 0, errors.New("epoll wait: empty event buffer")
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	var n int
	for {
		var err error
		n, err = unix.EpollWait(p.epfd, raw, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "epoll wait")
		}
		break
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if _, ok := p.registered[fd]; !ok {
			continue
		}
		events[out] = Event{FD: fd, Flags: translate(raw[i].Events)}
		out++
	}
	return out, nil
}

func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.registered = nil
	return errors.Wrap(unix.Close(p.epfd), "close epoll")
}

func translate(mask uint32) EventFlag {
	var f EventFlag
	if mask&unix.EPOLLIN != 0 {
		f |= EventRead
	}
	if mask&unix.EPOLLOUT != 0 {
		f |= EventWrite
	}
	if mask&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		f |= EventHangup
	}
	if mask&unix.EPOLLERR != 0 {
		f |= EventError
	}
	return f
}
