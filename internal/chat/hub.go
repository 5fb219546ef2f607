//go:build linux

// Package chat is the default per-connection collaborator of the event loop.
// It drains each ready connection, splits the input into lines and hands
// them to a Sink. Connections are closed when the peer hangs up or a read
// fails.
package chat

import (
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/andy6609/selfpipe-server/internal/reactor"
	"github.com/andy6609/selfpipe-server/internal/server"
)

// Hub implements server.ConnHandler. It is only used from the loop
// goroutine, so the session table needs no lock.
type Hub struct {
	logger   *slog.Logger
	sink     Sink
	sessions map[int]*session

	read    func(int, []byte) (int, error)
	closeFD func(int) error
	buf     []byte
}

var _ server.ConnHandler = (*Hub)(nil)

// NewHub returns a hub delivering to sink; a nil sink logs each message.
func NewHub(logger *slog.Logger, sink Sink) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:   logger,
		sink:     sink,
		sessions: make(map[int]*session),
		read:     unix.Read,
		closeFD:  unix.Close,
		buf:      make([]byte, readBufSize),
	}
	if h.sink == nil {
		h.sink = h.logMessage
	}
	return h
}

func (h *Hub) Len() int { return len(h.sessions) }

func (h *Hub) Open(c server.Conn) {
	if old, exists := h.sessions[c.FD]; exists {
		// The descriptor number was reused; the stale session can no longer be
		// registered, so only forget it.
		h.logger.Warn("replacing stale session", "fd", c.FD, "peer", old.conn.Peer)
	}
	h.sessions[c.FD] = newSession(c)
	OpenSessions.Set(float64(len(h.sessions)))
	h.logger.Debug("session opened", "fd", c.FD, "peer", c.Peer)
}

func (h *Hub) Ready(ev reactor.Event) {
	s, ok := h.sessions[ev.FD]
	if !ok {
		h.logger.Warn("readiness for unknown descriptor", "fd", ev.FD)
		return
	}

	// Backlog first. The socket is only read again once it is cleared, and
	// then always until EAGAIN.
	n := s.flush(h.deliver, maxBatch)
	var (
		eof bool
		err error
	)
	if !s.pending() {
		eof, err = s.fill(h.read, h.buf)
		s.flush(h.deliver, maxBatch-n)
	}

	switch {
	case err != nil:
		ReadErrors.Inc()
		h.logger.Warn("read failed", "fd", ev.FD, "peer", s.conn.Peer, "error", err)
		s.flush(h.deliver, -1)
		h.drop(s, "read error")
	case eof:
		s.flush(h.deliver, -1)
		h.drop(s, "peer closed")
	default:
		h.requeue(s)
	}
}

// requeue keeps a session with undelivered lines on the loop's next cycle
// and clears the request once its backlog is gone.
func (h *Hub) requeue(s *session) {
	pending := s.pending()
	if !pending && !s.requeued {
		return
	}
	if pending {
		BacklogRequeues.Inc()
	}
	if err := s.conn.Requeue(pending); err != nil {
		h.logger.Warn("requeue failed", "fd", s.conn.FD, "error", err)
	}
	s.requeued = pending
}

// Close delivers any backlog, then detaches and closes every remaining
// session.
func (h *Hub) Close() error {
	var result error
	for _, s := range h.sessions {
		s.flush(h.deliver, -1)
		if err := h.drop(s, "shutdown"); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (h *Hub) deliver(m Message) {
	MessagesTotal.Inc()
	h.sink(m)
}

func (h *Hub) logMessage(m Message) {
	h.logger.Info("message received", "fd", m.FD, "peer", m.Peer, "text", m.Text)
}

// drop unregisters the descriptor before closing it so the loop never sees
// readiness for a closed or reused number.
func (h *Hub) drop(s *session, reason string) error {
	fd := s.conn.FD
	delete(h.sessions, fd)
	OpenSessions.Set(float64(len(h.sessions)))

	if err := s.conn.Detach(); err != nil {
		h.logger.Warn("detach failed", "fd", fd, "error", err)
	}
	err := h.closeFD(fd)
	h.logger.Info("connection closed", "fd", fd, "peer", s.conn.Peer, "reason", reason)
	return errors.Wrapf(err, "close fd %d", fd)
}
