// Package reactor wraps the Linux readiness multiplexer (epoll) and the
// self-pipe used to turn asynchronous signal delivery into an ordinary
// readable descriptor.
//
// Every descriptor handed to Poller.Add is switched to non-blocking mode and
// registered edge-triggered, so consumers must drain it until EAGAIN on each
// notification.
package reactor

// EventFlag describes the readiness reported for a descriptor.
type EventFlag uint8

const (
	EventRead EventFlag = 1 << iota
	EventHangup
	EventError
	EventWrite
)

// Event is one readiness notification returned by Poller.Wait.
type Event struct {
	FD    int
	Flags EventFlag
}

func (e Event) Readable() bool { return e.Flags&EventRead != 0 }

func (e Event) Hangup() bool { return e.Flags&(EventHangup|EventError) != 0 }

var (
	ErrAlreadyRegistered = errorString("descriptor already registered")
	ErrNotRegistered     = errorString("descriptor not registered")
	ErrClosed            = errorString("poller closed")
)

type errorString string

func (e errorString) Error() string { return string(e) }
