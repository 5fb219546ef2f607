//go:build linux

package reactor

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newSignalPipe(t *testing.T) SignalPipe {
	t.Helper()
	sp, err := NewSignalPipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(sp.W)
		unix.Close(sp.R)
	})
	return sp
}

// readByte waits up to two seconds for one byte on fd.
func readByte(t *testing.T, fd int) byte {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 2000)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		require.Equal(t, 1, n, "timed out waiting for signal byte")
		break
	}
	var b [1]byte
	n, err := unix.Read(fd, b[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return b[0]
}

func TestSignalPipe_WriteEndNonBlocking(t *testing.T) {
	sp := newSignalPipe(t)

	flags, err := unix.FcntlInt(uintptr(sp.W), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestBridge_RaiseWritesSignalNumber(t *testing.T) {
	sp := newSignalPipe(t)
	b := NewBridge(sp.W, nil)
	t.Cleanup(b.Stop)

	require.True(t, b.Raise(syscall.SIGTERM))
	assert.Equal(t, byte(syscall.SIGTERM), readByte(t, sp.R))
}

func TestBridge_ForwardsDeliveredSignal(t *testing.T) {
	sp := newSignalPipe(t)
	b := NewBridge(sp.W, nil)
	t.Cleanup(b.Stop)
	b.Install(syscall.SIGHUP)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	assert.Equal(t, byte(syscall.SIGHUP), readByte(t, sp.R))
}

func TestBridge_OneBytePerSignal(t *testing.T) {
	sp := newSignalPipe(t)
	b := NewBridge(sp.W, nil)
	t.Cleanup(b.Stop)

	sent := []syscall.Signal{syscall.SIGHUP, syscall.SIGCHLD, syscall.SIGINT}
	for _, s := range sent {
		require.True(t, b.Raise(s))
	}
	for _, s := range sent {
		assert.Equal(t, byte(s), readByte(t, sp.R))
	}
	assert.Zero(t, b.Dropped())
}

func TestBridge_StopIsIdempotent(t *testing.T) {
	sp := newSignalPipe(t)
	b := NewBridge(sp.W, nil)
	b.Stop()
	b.Stop()
	// Raising after Stop must not block or write.
	b.Raise(syscall.SIGTERM)
}

func TestBridge_FullPipeReportsDrop(t *testing.T) {
	sp := newSignalPipe(t)
	var filler [4096]byte
	for {
		_, err := unix.Write(sp.W, filler[:])
		if err == unix.EAGAIN {
			break
		}
		require.NoError(t, err)
	}
	// A stream socket may still take a single byte after refusing a page.
	for {
		_, err := unix.Write(sp.W, filler[:1])
		if err == unix.EAGAIN {
			break
		}
		require.NoError(t, err)
	}

	dropped := make(chan syscall.Signal, 1)
	b := NewBridge(sp.W, func(sig syscall.Signal) { dropped <- sig })
	t.Cleanup(b.Stop)

	require.True(t, b.Raise(syscall.SIGTERM))
	select {
	case sig := <-dropped:
		assert.Equal(t, syscall.SIGTERM, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for drop report")
	}
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBridge_SendWaitsForRoom(t *testing.T) {
	b := &Bridge{sigs: make(chan os.Signal, 1), done: make(chan struct{})}
	require.True(t, b.Raise(syscall.SIGHUP))
	assert.False(t, b.Raise(syscall.SIGTERM))

	sent := make(chan bool, 1)
	go func() { sent <- b.Send(syscall.SIGTERM) }()

	assert.Equal(t, syscall.SIGHUP, <-b.sigs)
	select {
	case ok := <-sent:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not complete once the queue had room")
	}
	assert.Equal(t, syscall.SIGTERM, <-b.sigs)
}

func TestBridge_SendAfterStopReturnsFalse(t *testing.T) {
	sp := newSignalPipe(t)
	b := NewBridge(sp.W, nil)
	b.Stop()
	assert.False(t, b.Send(syscall.SIGTERM))
}
