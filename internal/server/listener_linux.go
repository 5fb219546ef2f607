//go:build linux

package server

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// listen opens a TCP socket bound to ip:port. The socket is left blocking;
// registration with the poller switches it to non-blocking.
func listen(ip net.IP, port, backlog int) (fd int, addr *net.TCPAddr, err error) {
	family, sa := sockaddr(ip, port)

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, errors.Wrap(err, "socket")
	}
	defer func() {
		if err != nil {
			unix.Close(fd)
			fd = -1
		}
	}()

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fd, nil, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	if err = unix.Bind(fd, sa); err != nil {
		return fd, nil, errors.Wrapf(err, "bind %s", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	if err = unix.Listen(fd, backlog); err != nil {
		return fd, nil, errors.Wrap(err, "listen")
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fd, nil, errors.Wrap(err, "getsockname")
	}
	return fd, tcpAddr(bound), nil
}

func sockaddr(ip net.IP, port int) (int, unix.Sockaddr) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	default:
		return &net.TCPAddr{}
	}
}

// acceptAll drains the listen queue. Edge-triggered readiness does not fire
// again for connections that were already queued, so only EAGAIN ends the
// drain; any other early exit re-arms the listener first.
func (s *Server) acceptAll() {
	for {
		nfd, sa, err := s.accept(s.listenFD, unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EAGAIN:
			return
		case unix.EINTR:
			continue
		case unix.ECONNABORTED, unix.EPROTO, unix.EPERM:
			AcceptErrors.WithLabelValues("accept").Inc()
			s.logger.Warn("accept failed", "error", err)
			continue
		case unix.EMFILE, unix.ENFILE:
			if s.shed(err) {
				continue
			}
			return
		default:
			// ENOBUFS, ENOMEM: give the rest of the loop a turn and retry on
			// the next cycle.
			AcceptErrors.WithLabelValues("accept").Inc()
			s.logger.Error("accept failed", "error", err)
			s.rearmListener()
			return
		}

		peer := tcpAddr(sa).String()
		if err := s.poller.Add(nfd); err != nil {
			AcceptErrors.WithLabelValues("register").Inc()
			s.logger.Error("register connection failed", "peer", peer, "error", err)
			s.closeFD(nfd)
			continue
		}

		ConnectionsAccepted.Inc()
		s.logger.Info("connection accepted", "fd", nfd, "peer", peer)

		fd := nfd
		s.handler.Open(NewConn(fd, peer,
			func() error { return s.poller.Remove(fd) },
			func(pending bool) error { return s.poller.SetWriteInterest(fd, pending) },
		))
	}
}

// shed frees the reserve descriptor to accept one pending connection at the
// descriptor limit and closes it at once. It reports whether the drain
// should go on.
func (s *Server) shed(cause error) bool {
	if s.spare < 0 {
		AcceptErrors.WithLabelValues("accept").Inc()
		s.logger.Error("accept failed", "error", cause)
		s.rearmListener()
		return false
	}

	s.closeFD(s.spare)
	s.spare = -1
	nfd, sa, err := s.accept(s.listenFD, unix.SOCK_CLOEXEC)
	if err == nil {
		s.closeFD(nfd)
	}
	s.reserve()

	switch err {
	case nil:
		AcceptErrors.WithLabelValues("limit").Inc()
		s.logger.Warn("connection rejected at descriptor limit", "peer", tcpAddr(sa).String(), "error", cause)
		return true
	case unix.EAGAIN:
		return false
	case unix.EINTR, unix.ECONNABORTED, unix.EPROTO, unix.EPERM:
		return true
	default:
		AcceptErrors.WithLabelValues("accept").Inc()
		s.logger.Error("accept failed", "error", err)
		s.rearmListener()
		return false
	}
}

// reserve opens the spare descriptor kept back for shed.
func (s *Server) reserve() {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		s.logger.Warn("reserve descriptor unavailable", "error", err)
		s.spare = -1
		return
	}
	s.spare = fd
}

func (s *Server) rearmListener() {
	if err := s.poller.Rearm(s.listenFD); err != nil {
		s.logger.Error("rearm listener failed", "error", err)
	}
}
