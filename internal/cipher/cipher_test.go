//go:build linux

package cipher

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ddwkim/netkit/internal/reactor"
)

func TestTransform_RoundTrip(t *testing.T) {
	t.Parallel()
	for shift := uint16(0); shift <= 25; shift++ {
		in := []byte("Hello, World! 123")
		enc := append([]byte(nil), in...)
		Transform(enc, OpEncrypt, shift)
		dec := append([]byte(nil), enc...)
		Transform(dec, OpDecrypt, shift)

		want := make([]byte, len(in))
		for i, c := range in {
			switch {
			case c >= 'A' && c <= 'Z':
				want[i] = c - 'A' + 'a'
			case c >= 'a' && c <= 'z':
				want[i] = c
			default:
				want[i] = c
			}
		}
		require.Equal(t, string(want), string(dec), "shift=%d", shift)
	}
}

func TestTransform_KnownVector(t *testing.T) {
	t.Parallel()
	msg := []byte("Hello\n")
	Transform(msg, OpEncrypt, 3)
	require.Equal(t, "khoor\n", string(msg))
}

func TestParseHeader_RejectsBadOp(t *testing.T) {
	t.Parallel()
	b := make([]byte, HeaderSize)
	PutHeader(b, Header{Op: 7, Shift: 3, TotalLength: HeaderSize})
	_, err := ParseHeader(b)
	require.ErrorIs(t, err, ErrBadOp)
}

func TestParseHeader_RejectsOversize(t *testing.T) {
	t.Parallel()
	b := make([]byte, HeaderSize)
	PutHeader(b, Header{Op: OpEncrypt, Shift: 3, TotalLength: MaxTotalLength + 1})
	_, err := ParseHeader(b)
	require.ErrorIs(t, err, ErrOversize)
}

// newTestReactor builds a Reactor around a throwaway listening fd purely so
// Register/Modify have a real epoll instance to talk to; tests drive
// sessions directly rather than through Reactor.Run.
func newTestReactor(t *testing.T, h *Handler) *reactor.Reactor {
	t.Helper()
	listenFD, err := reactor.ListenTCP4("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(listenFD) })
	r, err := reactor.New(listenFD, h, reactor.WithCapacity(50))
	require.NoError(t, err)
	return r
}

func TestHandler_EncryptRoundTrip(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil)
	r := newTestReactor(t, h)
	h.SetReactor(r)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	serverFD, clientFD := fds[0], fds[1]
	require.NoError(t, unix.SetNonblock(serverFD, true))
	defer unix.Close(clientFD)

	require.NoError(t, h.OnAccept(serverFD))

	payload := []byte("Hello\n")
	req := make([]byte, HeaderSize+len(payload))
	PutHeader(req, Header{Op: OpEncrypt, Shift: 3, TotalLength: uint32(len(req))})
	copy(req[HeaderSize:], payload)

	_, err = unix.Write(clientFD, req)
	require.NoError(t, err)
	require.NoError(t, h.OnReady(serverFD, true, false))

	reply := make([]byte, len(req))
	n, err := unix.Read(clientFD, reply)
	require.NoError(t, err)
	require.Equal(t, len(req), n)
	require.Equal(t, "khoor\n", string(reply[HeaderSize:]))
}

func TestHandler_RejectsBadOp(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil)
	r := newTestReactor(t, h)
	h.SetReactor(r)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	serverFD, clientFD := fds[0], fds[1]
	require.NoError(t, unix.SetNonblock(serverFD, true))
	defer unix.Close(clientFD)
	require.NoError(t, h.OnAccept(serverFD))

	req := make([]byte, HeaderSize)
	PutHeader(req, Header{Op: 9, Shift: 0, TotalLength: HeaderSize})
	_, err = unix.Write(clientFD, req)
	require.NoError(t, err)

	err = h.OnReady(serverFD, true, false)
	require.Error(t, err)
}
