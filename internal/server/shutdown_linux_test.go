//go:build linux

package server

import (
	"io"
	"log/slog"
	"syscall"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

type readStep struct {
	data []byte
	err  error
}

// scriptedRead replays steps, then reports EAGAIN.
func scriptedRead(steps ...readStep) func(int, []byte) (int, error) {
	return func(_ int, p []byte) (int, error) {
		if len(steps) == 0 {
			return 0, unix.EAGAIN
		}
		s := steps[0]
		steps = steps[1:]
		if s.err != nil {
			return 0, s.err
		}
		return copy(p, s.data), nil
	}
}

func newTestController(seen *[]syscall.Signal) *controller {
	c := newController(slog.New(slog.NewTextHandler(io.Discard, nil)), func(sig syscall.Signal, _ Disposition) {
		*seen = append(*seen, sig)
	})
	return c
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Terminate, Classify(syscall.SIGINT))
	assert.Equal(t, Terminate, Classify(syscall.SIGTERM))
	assert.Equal(t, Ignore, Classify(syscall.SIGHUP))
	assert.Equal(t, Ignore, Classify(syscall.SIGCHLD))
	assert.Equal(t, Ignore, Classify(syscall.Signal(63)))
}

func TestController_TerminatingBatchIsIdempotent(t *testing.T) {
	var seen []syscall.Signal
	c := newTestController(&seen)
	c.read = scriptedRead(readStep{data: []byte{
		byte(syscall.SIGHUP), byte(syscall.SIGTERM), byte(syscall.SIGINT), byte(syscall.SIGTERM),
	}})

	c.drain(0)

	assert.Equal(t, Stopping, c.State())
	assert.Equal(t, []syscall.Signal{syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGTERM}, seen)
}

func TestController_IgnorableSignalsNeverStop(t *testing.T) {
	var seen []syscall.Signal
	c := newTestController(&seen)
	batch := make([]byte, 0, 300)
	for i := 0; i < 150; i++ {
		batch = append(batch, byte(syscall.SIGCHLD), byte(syscall.SIGHUP))
	}
	c.read = scriptedRead(readStep{data: batch[:100]}, readStep{data: batch[100:]})

	c.drain(0)

	assert.Equal(t, Running, c.State())
	assert.Len(t, seen, 300)
}

func TestController_ReadsUntilWouldBlock(t *testing.T) {
	var seen []syscall.Signal
	c := newTestController(&seen)
	c.read = scriptedRead(
		readStep{data: []byte{byte(syscall.SIGHUP)}},
		readStep{err: unix.EINTR},
		readStep{data: []byte{byte(syscall.SIGTERM)}},
	)

	c.drain(0)

	assert.Equal(t, []syscall.Signal{syscall.SIGHUP, syscall.SIGTERM}, seen)
	assert.Equal(t, Stopping, c.State())
}

func TestController_ReadErrorIsNoOp(t *testing.T) {
	var seen []syscall.Signal
	c := newTestController(&seen)
	c.read = scriptedRead(readStep{err: unix.EIO}, readStep{data: []byte{byte(syscall.SIGTERM)}})
	before := testutil.ToFloat64(SignalPipeErrors)

	c.drain(0)

	assert.Equal(t, Running, c.State())
	assert.Empty(t, seen)
	assert.Equal(t, before+1, testutil.ToFloat64(SignalPipeErrors))
}

func TestController_EOFEndsDrain(t *testing.T) {
	var seen []syscall.Signal
	c := newTestController(&seen)
	c.read = scriptedRead(readStep{data: []byte{}}, readStep{data: []byte{byte(syscall.SIGTERM)}})

	c.drain(0)

	assert.Equal(t, Running, c.State())
	assert.Empty(t, seen)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "terminate", Terminate.String())
	assert.Equal(t, "ignore", Ignore.String())
}
