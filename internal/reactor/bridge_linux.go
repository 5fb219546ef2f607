//go:build linux

package reactor

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Bridge forwards delivered signals into the write end of a SignalPipe, one
// byte (the signal number) per signal. The Go runtime's own handler queues
// the signal; the forwarder goroutine performs a single non-blocking write
// and touches nothing else.
type Bridge struct {
	fd   int
	sigs chan os.Signal
	stop chan struct{}
	done chan struct{}
	once sync.Once

	dropped atomic.Uint64
	onDrop  func(syscall.Signal)
}

// NewBridge starts forwarding to fd, which must be non-blocking. onDrop, if
// set, is called from the forwarder for every signal the pipe could not take.
func NewBridge(fd int, onDrop func(syscall.Signal)) *Bridge {
	b := &Bridge{
		fd:     fd,
		sigs:   make(chan os.Signal, 32),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
	go b.forward()
	return b
}

// Install routes sigs through the pipe instead of their default disposition.
func (b *Bridge) Install(sigs ...syscall.Signal) {
	for _, s := range sigs {
		signal.Notify(b.sigs, s)
	}
}

// Raise queues sig as if it had been delivered by the OS. It never blocks and
// reports false when the queue is full.
func (b *Bridge) Raise(sig syscall.Signal) bool {
	select {
	case b.sigs <- sig:
		return true
	default:
		return false
	}
}

// Send queues sig like Raise but waits for room in the queue. It returns
// false once the bridge has stopped.
func (b *Bridge) Send(sig syscall.Signal) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.sigs <- sig:
		return true
	case <-b.done:
		return false
	}
}

// Stop restores default dispositions and waits for the forwarder to exit.
// The pipe descriptors stay open; closing them is the owner's job.
func (b *Bridge) Stop() {
	b.once.Do(func() {
		signal.Stop(b.sigs)
		close(b.stop)
		<-b.done
	})
}

// Dropped counts signals lost because the pipe was full.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

func (b *Bridge) forward() {
	defer close(b.done)
	var msg [1]byte
	for {
		select {
		case <-b.stop:
			return
		case s := <-b.sigs:
			sig, ok := s.(syscall.Signal)
			if !ok {
				continue
			}
			msg[0] = byte(sig)
			for {
				_, err := unix.Write(b.fd, msg[:])
				if err == unix.EINTR {
					continue
				}
				if err != nil {
					b.dropped.Add(1)
					if b.onDrop != nil {
						b.onDrop(sig)
					}
				}
				break
			}
		}
	}
}
