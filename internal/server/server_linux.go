//go:build linux

// Package server runs the single-goroutine readiness loop: it accepts TCP
// connections, hands them to a ConnHandler, and stops when a terminating
// signal arrives through the self-pipe.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/andy6609/selfpipe-server/internal/logger"
	"github.com/andy6609/selfpipe-server/internal/reactor"
)

const (
	DefaultBacklog   = 5
	DefaultMaxEvents = 1024
)

var ErrAlreadyRun = errors.New("server: Run called more than once")

type Config struct {
	IP        string
	Port      int
	Backlog   int
	MaxEvents int

	Handler ConnHandler
	Logger  *slog.Logger

	// OnSignal, if set, is called from the loop for every decoded signal.
	OnSignal func(syscall.Signal, Disposition)
}

type Server struct {
	logger  *slog.Logger
	handler ConnHandler

	poller   *reactor.Poller
	listenFD int
	addr     *net.TCPAddr
	pipe     reactor.SignalPipe
	spare    int
	bridge   *reactor.Bridge
	ctl      *controller
	events   []reactor.Event

	accept  func(fd, flags int) (int, unix.Sockaddr, error)
	closeFD func(fd int) error
	started atomic.Bool
}

// New performs all setup: multiplexer, listening socket, signal pipe and
// signal installation, in that order. A reserve descriptor for accepting at
// the descriptor limit is opened after the pipe. Any failure closes what was
// already opened.
func New(cfg Config) (_ *Server, err error) {
	ip := net.ParseIP(cfg.IP)
	if ip == nil {
		return nil, errors.Errorf("invalid ip address %q", cfg.IP)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.Handler == nil {
		return nil, errors.New("server: nil connection handler")
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		logger:   log,
		handler:  cfg.Handler,
		listenFD: -1,
		pipe:     reactor.SignalPipe{R: -1, W: -1},
		spare:    -1,
		ctl:      newController(log, cfg.OnSignal),
		events:   make([]reactor.Event, cfg.MaxEvents),
		accept:   unix.Accept4,
		closeFD:  unix.Close,
	}
	defer func() {
		if err != nil {
			s.abort()
		}
	}()

	if s.poller, err = reactor.NewPoller(); err != nil {
		return nil, err
	}
	if s.listenFD, s.addr, err = listen(ip, cfg.Port, cfg.Backlog); err != nil {
		return nil, err
	}
	if err = s.poller.Add(s.listenFD); err != nil {
		return nil, errors.Wrap(err, "register listener")
	}
	if s.pipe, err = reactor.NewSignalPipe(); err != nil {
		return nil, err
	}
	if err = s.poller.Add(s.pipe.R); err != nil {
		return nil, errors.Wrap(err, "register signal pipe")
	}

	s.reserve()

	s.bridge = reactor.NewBridge(s.pipe.W, s.signalDropped)
	s.bridge.Install(ignorableSignals...)
	s.bridge.Install(terminatingSignals...)
	return s, nil
}

// Addr is the bound listening address.
func (s *Server) Addr() *net.TCPAddr { return s.addr }

func (s *Server) State() State { return s.ctl.State() }

// Stop requests shutdown through the same path as a delivered SIGTERM. It
// waits for room in the signal queue and returns false only if the loop has
// already torn down.
func (s *Server) Stop() bool {
	return s.bridge.Send(syscall.SIGTERM)
}

func (s *Server) signalDropped(sig syscall.Signal) {
	SignalsDropped.WithLabelValues(signalLabel(sig)).Inc()
	s.logger.Error("signal dropped, pipe full", "signal", sig.String())
}

// Run blocks in the event loop until a terminating signal is decoded or the
// multiplexer fails, then closes the listener and the signal pipe. A wait
// failure is returned after teardown.
func (s *Server) Run() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	s.logger.Info("server started", "addr", s.addr.String())

	var runErr error
	for s.ctl.running() {
		if err := s.cycle(); err != nil {
			s.logger.Error("epoll wait failed", "error", err)
			runErr = err
			break
		}
	}

	if err := s.teardown(); err != nil {
		s.logger.Error("teardown failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// cycle is one wait call and the dispatch of everything it reported.
func (s *Server) cycle() error {
	n, err := s.poller.Wait(s.events)
	if err != nil {
		return err
	}
	LoopWakeups.Inc()
	s.logger.Log(context.Background(), logger.LevelTrace, "loop wakeup", "events", n)
	for _, ev := range s.events[:n] {
		s.dispatch(ev)
	}
	return nil
}

func (s *Server) dispatch(ev reactor.Event) {
	start := time.Now()
	source := "conn"

	switch ev.FD {
	case s.listenFD:
		source = "listener"
		s.acceptAll()
	case s.pipe.R:
		source = "signal"
		if ev.Readable() {
			s.ctl.drain(s.pipe.R)
		}
	default:
		s.handler.Ready(ev)
	}

	elapsed := time.Since(start)
	EventDispatchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	s.logger.Log(context.Background(), logger.LevelTrace, "event dispatched",
		"fd", ev.FD, "source", source, "flags", int(ev.Flags), "elapsed", elapsed)
}

// teardown closes the listener, the pipe write end and the pipe read end,
// exactly once and in that order, then the reserve descriptor, the handler
// and the poller.
func (s *Server) teardown() error {
	s.logger.Info("close fds")
	s.bridge.Stop()

	var result error
	for _, fd := range []int{s.listenFD, s.pipe.W, s.pipe.R} {
		if err := s.release(fd); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.listenFD = -1
	s.pipe = reactor.SignalPipe{R: -1, W: -1}

	if s.spare >= 0 {
		if err := s.closeFD(s.spare); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close reserve descriptor"))
		}
		s.spare = -1
	}

	if err := s.handler.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close handler"))
	}
	if err := s.poller.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	s.ctl.setState(Closed)
	s.logger.Info("shutdown complete")
	return result
}

// release unregisters fd if needed and closes it.
func (s *Server) release(fd int) error {
	if _, ok := s.poller.Registered(fd); ok {
		if err := s.poller.Remove(fd); err != nil {
			s.logger.Warn("unregister failed", "fd", fd, "error", err)
		}
	}
	return errors.Wrapf(s.closeFD(fd), "close fd %d", fd)
}

// abort undoes a partially completed New.
func (s *Server) abort() {
	if s.bridge != nil {
		s.bridge.Stop()
	}
	for _, fd := range []int{s.listenFD, s.pipe.W, s.pipe.R, s.spare} {
		if fd >= 0 {
			s.closeFD(fd)
		}
	}
	if s.poller != nil {
		s.poller.Close()
	}
}
