//go:build linux

package server

import (
	"log/slog"
	"strconv"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

type State int32

const (
	Running State = iota
	Stopping
	Closed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Disposition is what the loop does with a decoded signal.
type Disposition int

const (
	Ignore Disposition = iota
	Terminate
)

func (d Disposition) String() string {
	if d == Terminate {
		return "terminate"
	}
	return "ignore"
}

var (
	ignorableSignals   = []syscall.Signal{syscall.SIGHUP, syscall.SIGCHLD}
	terminatingSignals = []syscall.Signal{syscall.SIGINT, syscall.SIGTERM}
)

// Classify maps a signal number to its disposition. Anything that is not a
// terminating signal is ignored.
func Classify(sig syscall.Signal) Disposition {
	for _, s := range terminatingSignals {
		if s == sig {
			return Terminate
		}
	}
	return Ignore
}

// controller decodes bytes from the signal pipe and owns the loop's
// continuation state. It is only driven from the loop goroutine; state is
// atomic so other goroutines may observe it.
type controller struct {
	state    atomic.Int32
	logger   *slog.Logger
	onSignal func(syscall.Signal, Disposition)
	read     func(fd int, p []byte) (int, error)
	buf      [1024]byte
}

func newController(logger *slog.Logger, onSignal func(syscall.Signal, Disposition)) *controller {
	c := &controller{logger: logger, onSignal: onSignal, read: unix.Read}
	c.setState(Running)
	return c
}

func (c *controller) State() State { return State(c.state.Load()) }

func (c *controller) running() bool { return c.State() == Running }

func (c *controller) setState(s State) {
	c.state.Store(int32(s))
	LoopState.Set(float64(s))
}

// drain reads every byte currently in the pipe. Each byte is one signal.
func (c *controller) drain(fd int) {
	for {
		n, err := c.read(fd, c.buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err != nil:
			SignalPipeErrors.Inc()
			c.logger.Error("signal pipe read failed", "error", err)
			return
		case n == 0:
			return
		}
		for _, b := range c.buf[:n] {
			c.decode(syscall.Signal(b))
		}
	}
}

func (c *controller) decode(sig syscall.Signal) {
	d := Classify(sig)
	SignalsReceived.WithLabelValues(signalLabel(sig), d.String()).Inc()
	c.logger.Info("signal received", "signal", sig.String(), "disposition", d.String())
	if c.onSignal != nil {
		c.onSignal(sig, d)
	}
	if d == Terminate && c.State() == Running {
		c.setState(Stopping)
		c.logger.Info("stopping", "signal", sig.String())
	}
}

func signalLabel(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return strconv.Itoa(int(sig))
}
