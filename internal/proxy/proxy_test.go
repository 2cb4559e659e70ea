//go:build linux

package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ddwkim/netkit/internal/reactor"
)

func TestParseRequest_ValidGET(t *testing.T) {
	t.Parallel()
	req := []byte("GET / HTTP/1.0\r\nHost: example.com\r\n\r\n")
	pr, err := parseRequest(req)
	require.NoError(t, err)
	require.Equal(t, "example.com", pr.host)
	require.Equal(t, defaultHTTPPort, pr.port)
}

func TestParseRequest_HostPort(t *testing.T) {
	t.Parallel()
	req := []byte("GET / HTTP/1.0\r\nHost: example.com:8080\r\n\r\n")
	pr, err := parseRequest(req)
	require.NoError(t, err)
	require.Equal(t, "example.com", pr.host)
	require.Equal(t, 8080, pr.port)
}

func TestParseRequest_AbsoluteURIMustMatchHost(t *testing.T) {
	t.Parallel()
	req := []byte("GET http://evil.com/ HTTP/1.0\r\nHost: example.com\r\n\r\n")
	_, err := parseRequest(req)
	require.ErrorIs(t, err, ErrHostMismatch)
}

func TestParseRequest_RejectsNonGET(t *testing.T) {
	t.Parallel()
	req := []byte("POST / HTTP/1.0\r\nHost: example.com\r\n\r\n")
	_, err := parseRequest(req)
	require.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestParseRequest_RejectsNonHTTP10(t *testing.T) {
	t.Parallel()
	req := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	_, err := parseRequest(req)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParseRequest_RequiresHost(t *testing.T) {
	t.Parallel()
	req := []byte("GET / HTTP/1.0\r\n\r\n")
	_, err := parseRequest(req)
	require.ErrorIs(t, err, ErrMissingHost)
}

func TestResponseComplete_ContentLength(t *testing.T) {
	t.Parallel()
	buf := []byte("HTTP/1.0 200 OK\r\nContent-Length: 5\r\n\r\nhel")
	f, ok := parseResponseHeader(buf)
	require.True(t, ok)
	require.False(t, responseComplete(f, len(buf), buf))

	buf = append(buf, "lo"...)
	require.True(t, responseComplete(f, len(buf), buf))
}

func TestResponseComplete_Chunked(t *testing.T) {
	t.Parallel()
	buf := []byte("HTTP/1.0 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nabcd\r\n")
	f, ok := parseResponseHeader(buf)
	require.True(t, ok)
	require.False(t, responseComplete(f, len(buf), buf))

	buf = append(buf, "0\r\n\r\n"...)
	require.True(t, responseComplete(f, len(buf), buf))
}

func TestBlacklist_MatchesAndRewrites(t *testing.T) {
	t.Parallel()
	bl := NewBlacklist([]string{"badsite.com"})
	require.True(t, bl.Matches("http://badsite.com/path"))
	require.False(t, bl.Matches("http://goodsite.com/path"))
	require.Contains(t, string(rewriteRequest()), warningHost)
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

// harness wires a Handler whose upstream dial is redirected to a socketpair
// so the test can play the role of the origin server without real DNS/TCP.
type harness struct {
	h         *Handler
	clientFD  int // test-owned end of the client socketpair
	upstreamFD int // test-owned end of the upstream socketpair
}

func newHarness(t *testing.T, bl *Blacklist) *harness {
	t.Helper()
	h := NewHandler(bl, nil)
	r := newTestReactor(t, h)
	h.SetReactor(r)

	clientFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	handlerClientFD, testClientFD := clientFDs[0], clientFDs[1]
	require.NoError(t, unix.SetNonblock(handlerClientFD, true))
	t.Cleanup(func() { unix.Close(testClientFD) })

	upstreamFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	handlerUpstreamFD, testUpstreamFD := upstreamFDs[0], upstreamFDs[1]
	require.NoError(t, unix.SetNonblock(handlerUpstreamFD, true))
	t.Cleanup(func() { unix.Close(testUpstreamFD) })

	h.resolve = func(host string) (string, error) { return "127.0.0.1", nil }
	h.dial = func(addr string) (int, error) { return handlerUpstreamFD, nil }

	require.NoError(t, h.OnAccept(handlerClientFD))

	return &harness{h: h, clientFD: testClientFD, upstreamFD: testUpstreamFD}
}

func (hn *harness) handlerClientFD() int {
	for fd, s := range hn.h.byFD {
		if s.clientFD == fd {
			return fd
		}
	}
	return -1
}

func TestHandler_ForwardsGETAndContentLengthResponse(t *testing.T) {
	t.Parallel()
	hn := newHarness(t, nil)

	req := "GET / HTTP/1.0\r\nHost: example.com\r\n\r\n"
	_, err := unix.Write(hn.clientFD, []byte(req))
	require.NoError(t, err)

	clientSideFD := hn.handlerClientFD()
	require.NoError(t, hn.h.OnReady(clientSideFD, true, false))

	upstreamSideFD := hn.h.byFD[clientSideFD].serverFD
	require.NoError(t, hn.h.OnReady(upstreamSideFD, false, true))

	got := make([]byte, len(req))
	n, err := unix.Read(hn.upstreamFD, got)
	require.NoError(t, err)
	require.Equal(t, req, string(got[:n]))

	resp := "HTTP/1.0 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	_, err = unix.Write(hn.upstreamFD, []byte(resp))
	require.NoError(t, err)
	require.NoError(t, hn.h.OnReady(upstreamSideFD, true, false))

	require.NoError(t, hn.h.OnReady(clientSideFD, false, true))

	gotResp := make([]byte, len(resp))
	n, err = unix.Read(hn.clientFD, gotResp)
	require.NoError(t, err)
	require.Equal(t, resp, string(gotResp[:n]))
}

func TestHandler_BlacklistRewritesRequest(t *testing.T) {
	t.Parallel()
	hn := newHarness(t, NewBlacklist([]string{"badsite.com"}))

	req := "GET http://badsite.com/ HTTP/1.0\r\nHost: badsite.com\r\n\r\n"
	_, err := unix.Write(hn.clientFD, []byte(req))
	require.NoError(t, err)

	clientSideFD := hn.handlerClientFD()
	require.NoError(t, hn.h.OnReady(clientSideFD, true, false))

	upstreamSideFD := hn.h.byFD[clientSideFD].serverFD
	require.NoError(t, hn.h.OnReady(upstreamSideFD, false, true))

	got := make([]byte, 256)
	n, err := unix.Read(hn.upstreamFD, got)
	require.NoError(t, err)
	require.Contains(t, string(got[:n]), warningHost)
}

func TestHandler_MissingHostYields400(t *testing.T) {
	t.Parallel()
	hn := newHarness(t, nil)

	req := "GET / HTTP/1.0\r\n\r\n"
	_, err := unix.Write(hn.clientFD, []byte(req))
	require.NoError(t, err)

	clientSideFD := hn.handlerClientFD()
	require.NoError(t, hn.h.OnReady(clientSideFD, true, false))
	require.NoError(t, hn.h.OnReady(clientSideFD, false, true))

	got := make([]byte, 256)
	n, err := unix.Read(hn.clientFD, got)
	require.NoError(t, err)
	require.Contains(t, string(got[:n]), "400")
}
