//go:build linux

package proxy

import (
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"github.com/ddwkim/netkit/internal/reactor"
)

const sessionCapacity = 100

// Handler adapts the PROXY state machine to reactor.Handler. Unlike
// CIPHER, a PROXY session spans two descriptors (client, upstream); both
// map to the same *session in byFD, and driveClient/driveServer dispatch
// on which one fired — the Go equivalent of the {fd, session*} tag shim
// noted in §9.
type Handler struct {
	r         *reactor.Reactor
	byFD      map[int]*session
	blacklist *Blacklist
	log       *slog.Logger
	count     int

	dial    func(addr string) (int, error)
	resolve func(host string) (string, error)
}

func NewHandler(blacklist *Blacklist, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		byFD:      make(map[int]*session),
		blacklist: blacklist,
		log:       log,
		dial:      reactor.DialTCP4,
		resolve:   resolveIP,
	}
}

func (h *Handler) SetReactor(r *reactor.Reactor) { h.r = r }

func resolveIP(host string) (string, error) {
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return "", err
	}
	return addr.IP.String(), nil
}

func (h *Handler) OnAccept(fd int) error {
	if h.count >= sessionCapacity {
		return fmt.Errorf("proxy: at session capacity (%d)", sessionCapacity)
	}
	if err := h.r.Register(fd, reactor.InterestRead); err != nil {
		return err
	}
	s := newSession(fd)
	h.byFD[fd] = s
	h.count++
	metricSessionsActive.Set(float64(h.count))
	return nil
}

func (h *Handler) OnReady(fd int, readable, writable bool) error {
	s, ok := h.byFD[fd]
	if !ok {
		return fmt.Errorf("proxy: no session for fd %d", fd)
	}
	if fd == s.clientFD {
		h.driveClient(s, readable, writable)
	} else {
		h.driveServer(s, readable, writable)
	}
	return nil
}

// setPhase advances s through the total transition function in phase.go;
// an illegal transition is a bug, not a recoverable protocol error, so it
// tears the session down rather than propagating further.
func (h *Handler) setPhase(s *session, e event) bool {
	next, err := transition(s.phase, e)
	if err != nil {
		h.log.Error("proxy: illegal phase transition", "error", err)
		h.teardown(s)
		return false
	}
	s.phase = next
	return true
}

func (h *Handler) teardown(s *session) {
	if !s.clientOpen && !s.serverOpen {
		return
	}
	s.phase = PhaseDone
	if s.clientOpen {
		_ = h.r.Close(s.clientFD)
		delete(h.byFD, s.clientFD)
		s.clientOpen = false
	}
	if s.serverOpen {
		_ = h.r.Close(s.serverFD)
		delete(h.byFD, s.serverFD)
		s.serverOpen = false
	}
	h.count--
	metricSessionsActive.Set(float64(h.count))
}

// driveClient handles readiness on the client-facing descriptor.
func (h *Handler) driveClient(s *session, readable, writable bool) {
	switch s.phase {
	case PhaseAwaitingRequest:
		if !readable {
			return
		}
		for {
			s.reqBuf = grow(s.reqBuf, s.reqUsed)
			n, err := unix.Read(s.clientFD, s.reqBuf[s.reqUsed:])
			if err != nil {
				if err == unix.EAGAIN {
					return
				}
				h.teardown(s)
				return
			}
			if n == 0 {
				h.teardown(s)
				return
			}
			s.reqUsed += n
			if end := requestHeaderEnd(s.reqBuf[:s.reqUsed]); end >= 0 {
				h.onRequestComplete(s, end)
				return
			}
		}

	case PhaseForwardingResponse:
		if !writable {
			return
		}
		h.writeResponse(s)

	default:
		if !readable {
			return
		}
		var b [1]byte
		n, err := unix.Read(s.clientFD, b[:])
		if err != nil && err != unix.EAGAIN {
			h.teardown(s)
			return
		}
		if n == 0 {
			h.teardown(s)
		}
	}
}

// onRequestComplete validates the request, applies the blacklist, and
// kicks off the upstream connect (§4.3 steps 2-4). req is the full
// request-line+headers block including the terminating "\r\n\r\n".
func (h *Handler) onRequestComplete(s *session, headerEnd int) {
	req := append([]byte(nil), s.reqBuf[:headerEnd]...)
	pr, err := parseRequest(req)
	if err != nil {
		h.log.Debug("proxy: bad request", "error", err)
		h.sendBadRequest(s)
		return
	}

	host, port := pr.host, pr.port
	if h.blacklist.Matches(pr.requestURI) {
		req = rewriteRequest()
		host, port = warningHost, defaultHTTPPort
		metricBlacklistHits.Inc()
	}
	s.reqBuf = req
	s.reqUsed = len(req)
	s.host, s.port = host, port

	ip, err := h.resolve(host)
	if err != nil {
		h.log.Debug("proxy: dns failure", "host", host, "error", err)
		h.sendBadRequest(s)
		return
	}

	fd, err := h.dial(fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		h.log.Debug("proxy: connect failed", "host", host, "error", err)
		h.teardown(s)
		return
	}
	s.serverFD = fd
	s.serverOpen = true
	h.byFD[fd] = s
	if err := h.r.Register(fd, reactor.InterestWrite); err != nil {
		h.teardown(s)
		return
	}
	h.setPhase(s, eventRequestComplete)
}

func (h *Handler) sendBadRequest(s *session) {
	s.resBuf = badRequestResponse()
	s.resUsed = len(s.resBuf)
	s.bytesSent = 0
	if !h.setPhase(s, eventParseFailed) {
		return
	}
	if err := h.r.Modify(s.clientFD, reactor.InterestWrite); err != nil {
		h.teardown(s)
	}
}

// driveServer handles readiness on the upstream-facing descriptor.
func (h *Handler) driveServer(s *session, readable, writable bool) {
	switch s.phase {
	case PhaseConnecting:
		if !writable {
			return
		}
		if errno, err := unix.GetsockoptInt(s.serverFD, unix.SOL_SOCKET, unix.SO_ERROR); err != nil || errno != 0 {
			h.setPhase(s, eventConnectFailed)
			h.teardown(s)
			return
		}
		if !h.setPhase(s, eventConnected) {
			return
		}
		s.bytesSent = 0
		h.writeRequest(s)

	case PhaseForwardingRequest:
		if !writable {
			return
		}
		h.writeRequest(s)

	case PhaseAwaitingResponse:
		if !readable {
			return
		}
		h.readResponse(s)

	default:
		// Stray readiness after the response phase has moved on; ignore —
		// this GET proxy never reads from upstream again.
	}
}

func (h *Handler) writeRequest(s *session) {
	for {
		n, err := unix.Write(s.serverFD, s.reqBuf[s.bytesSent:s.reqUsed])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			h.teardown(s)
			return
		}
		s.bytesSent += n
		if s.bytesSent >= s.reqUsed {
			if err := h.r.Modify(s.serverFD, reactor.InterestRead); err != nil {
				h.teardown(s)
				return
			}
			if !h.setPhase(s, eventRequestSent) {
				return
			}
			s.bytesSent = 0
			return
		}
	}
}

func (h *Handler) readResponse(s *session) {
	for {
		s.resBuf = grow(s.resBuf, s.resUsed)
		n, err := unix.Read(s.serverFD, s.resBuf[s.resUsed:])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			h.teardown(s)
			return
		}
		if n == 0 {
			if s.haveFraming && (s.framing.contentLength >= 0 || s.framing.chunked) {
				// Upstream closed before the declared/expected length arrived.
				h.teardown(s)
				return
			}
			h.beginForwardingResponse(s)
			return
		}
		s.resUsed += n
		if !s.haveFraming {
			if f, ok := parseResponseHeader(s.resBuf[:s.resUsed]); ok {
				s.framing = f
				s.haveFraming = true
			}
		}
		if s.haveFraming && responseComplete(s.framing, s.resUsed, s.resBuf) {
			h.beginForwardingResponse(s)
			return
		}
	}
}

func (h *Handler) beginForwardingResponse(s *session) {
	s.bytesSent = 0
	if !h.setPhase(s, eventResponseComplete) {
		return
	}
	if err := h.r.Modify(s.clientFD, reactor.InterestWrite); err != nil {
		h.teardown(s)
	}
}

func (h *Handler) writeResponse(s *session) {
	for {
		n, err := unix.Write(s.clientFD, s.resBuf[s.bytesSent:s.resUsed])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			h.teardown(s)
			return
		}
		s.bytesSent += n
		if s.bytesSent >= s.resUsed {
			metricRequestsCompleted.Inc()
			h.setPhase(s, eventResponseSent)
			h.teardown(s)
			return
		}
	}
}
