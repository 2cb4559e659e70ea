//go:build linux

package reactor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func boundPort(t *testing.T, fd int) int {
	t.Helper()
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	in4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return in4.Port
}

// echoHandler accepts connections and echoes back whatever it reads, byte
// for byte, closing once the peer shuts down its write side.
type echoHandler struct {
	mu sync.Mutex
	r  *Reactor
}

func (h *echoHandler) OnAccept(fd int) error {
	h.mu.Lock()
	r := h.r
	h.mu.Unlock()
	return r.Register(fd, InterestRead)
}

func (h *echoHandler) OnReady(fd int, readable, writable bool) error {
	if !readable {
		return nil
	}
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("peer closed")
		}
		if _, err := unix.Write(fd, buf[:n]); err != nil {
			return err
		}
	}
}

func TestReactor_EchoRoundTrip(t *testing.T) {
	t.Parallel()

	listenFD, err := ListenTCP4("127.0.0.1:0")
	require.NoError(t, err)
	port := boundPort(t, listenFD)

	h := &echoHandler{}
	r, err := New(listenFD, h, WithCapacity(4))
	require.NoError(t, err)
	h.mu.Lock()
	h.r = r
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	clientFD, err := DialTCP4(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer unix.Close(clientFD)

	// Give the connect + accept a moment to complete — this is a real
	// kernel round trip, not something we can synchronize on directly
	// without also wiring the client through the reactor.
	deadline := time.Now().Add(2 * time.Second)
	msg := []byte("hello, reactor\n")
	var sent bool
	for time.Now().Before(deadline) {
		if _, err := unix.Write(clientFD, msg); err == nil {
			sent = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, sent, "connect never completed")

	buf := make([]byte, len(msg))
	var got int
	for got < len(buf) && time.Now().Before(deadline) {
		n, err := unix.Read(clientFD, buf[got:])
		if err != nil {
			if err == unix.EAGAIN {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			require.NoError(t, err)
		}
		got += n
	}
	require.Equal(t, msg, buf)

	cancel()
	require.NoError(t, <-done)
}

func TestReactor_CapacityRejectsExtraConnections(t *testing.T) {
	t.Parallel()

	listenFD, err := ListenTCP4("127.0.0.1:0")
	require.NoError(t, err)
	port := boundPort(t, listenFD)

	h := &echoHandler{}
	r, err := New(listenFD, h, WithCapacity(1))
	require.NoError(t, err)
	h.mu.Lock()
	h.r = r
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	fd1, err := DialTCP4(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer unix.Close(fd1)
	fd2, err := DialTCP4(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer unix.Close(fd2)

	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, len(r.fds), 1)
}
