package server

import "github.com/andy6609/selfpipe-server/internal/reactor"

// Conn is an accepted, registered, non-blocking connection handed to a
// ConnHandler. The loop never closes it; the handler must Detach before
// closing FD.
type Conn struct {
	FD   int
	Peer string

	detach  func() error
	requeue func(bool) error
}

// NewConn builds a Conn whose Detach runs detach and whose Requeue runs
// requeue. The loop uses it for every accepted descriptor; handlers may use
// it in tests.
func NewConn(fd int, peer string, detach func() error, requeue func(pending bool) error) Conn {
	return Conn{FD: fd, Peer: peer, detach: detach, requeue: requeue}
}

// Detach removes the descriptor from the event loop.
func (c Conn) Detach() error {
	if c.detach == nil {
		return nil
	}
	return c.detach()
}

// Requeue with pending set asks the loop to report the connection again on
// its next cycle even if no new input arrives. It must be repeated on every
// Ready call while work is left, and called with false once it is done.
func (c Conn) Requeue(pending bool) error {
	if c.requeue == nil {
		return nil
	}
	return c.requeue(pending)
}

// ConnHandler is the per-connection collaborator. All methods are called
// from the loop goroutine. Ready is edge-triggered: the handler must read
// until EAGAIN, or keep the connection requeued, or it will not be notified
// again for data already queued.
type ConnHandler interface {
	Open(c Conn)
	Ready(ev reactor.Event)
	Close() error
}
