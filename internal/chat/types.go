package chat

// Message is one complete line read from a connection.
type Message struct {
	FD   int
	Peer string
	Text string
}

// Sink receives messages in the order they were read. It runs on the event
// loop goroutine and must not block.
type Sink func(Message)

const (
	// maxMessageLen caps a delivered line.
	maxMessageLen = 512

	// maxPending is how much unterminated input a session buffers before it
	// is delivered as a line on its own.
	maxPending = 4096

	readBufSize = 4096

	// maxBatch is how many lines one session delivers per notification.
	// Whatever is left stays queued and the connection is requeued.
	maxBatch = 64
)
