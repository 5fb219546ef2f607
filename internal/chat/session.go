//go:build linux

package chat

import (
	"bytes"
	"strings"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/andy6609/selfpipe-server/internal/server"
)

type session struct {
	conn    server.Conn
	partial []byte
	// inbox holds complete lines not yet delivered. It outlives a single
	// Ready call when a burst exceeds maxBatch.
	inbox    *queue.Queue
	requeued bool
}

func newSession(c server.Conn) *session {
	return &session{conn: c, inbox: queue.New()}
}

// fill reads until the descriptor would block. eof is true once the peer has
// closed its side; any unterminated input is queued as a final line.
func (s *session) fill(read func(int, []byte) (int, error), buf []byte) (eof bool, err error) {
	for {
		n, err := read(s.conn.FD, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false, nil
		case err != nil:
			return false, err
		case n == 0:
			s.finish()
			return true, nil
		}
		s.feed(buf[:n])
	}
}

func (s *session) feed(p []byte) {
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.push(s.partial[:i])
		s.partial = s.partial[i+1:]
	}
	if len(s.partial) > maxPending {
		s.push(s.partial)
		s.partial = nil
	}
	if len(s.partial) == 0 {
		s.partial = nil
	}
}

func (s *session) finish() {
	if len(s.partial) > 0 {
		s.push(s.partial)
	}
	s.partial = nil
}

func (s *session) push(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if text == "" {
		return
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	s.inbox.Add(text)
}

// flush hands up to limit queued lines to deliver in arrival order; a
// negative limit delivers everything. It returns how many were delivered.
func (s *session) flush(deliver func(Message), limit int) int {
	n := 0
	for s.inbox.Length() > 0 && (limit < 0 || n < limit) {
		text := s.inbox.Remove().(string)
		deliver(Message{FD: s.conn.FD, Peer: s.conn.Peer, Text: text})
		n++
	}
	return n
}

func (s *session) pending() bool { return s.inbox.Length() > 0 }
