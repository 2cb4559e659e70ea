//go:build linux

package cipher

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/ddwkim/netkit/internal/reactor"
)

type phase int

const (
	phaseHeader phase = iota
	phasePayload
	phaseWriting
)

// session is the per-connection record described in spec §3: the wire
// buffer is sized at the protocol maximum and reused across messages on
// the same connection.
type session struct {
	fd    int
	phase phase

	header       Header
	headerFilled int

	buf     []byte // buf[0:HeaderSize] header, buf[HeaderSize:TotalLength] payload
	filled  uint32 // bytes of payload received so far
	applied bool

	sent uint32 // bytes of the reply sent so far
}

func newSession(fd int) *session {
	return &session{fd: fd, buf: make([]byte, MaxTotalLength)}
}

func (s *session) reset() {
	s.phase = phaseHeader
	s.headerFilled = 0
	s.filled = 0
	s.applied = false
	s.sent = 0
}

// Handler adapts the CIPHER state machine to reactor.Handler. It owns the
// fd->session table; the session capacity limit is enforced by the Reactor
// (reactor.WithCapacity), not here.
type Handler struct {
	r        *reactor.Reactor
	sessions map[int]*session
	log      *slog.Logger
}

// NewHandler constructs a Handler. SetReactor must be called once the
// Reactor wrapping the same listening fd exists, since Reactor.New itself
// requires a Handler.
func NewHandler(log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{sessions: make(map[int]*session), log: log}
}

func (h *Handler) SetReactor(r *reactor.Reactor) { h.r = r }

func (h *Handler) OnAccept(fd int) error {
	if err := h.r.Register(fd, reactor.InterestRead); err != nil {
		return err
	}
	h.sessions[fd] = newSession(fd)
	metricSessionsActive.Inc()
	return nil
}

func (h *Handler) OnReady(fd int, readable, writable bool) error {
	s, ok := h.sessions[fd]
	if !ok {
		return fmt.Errorf("cipher: no session for fd %d", fd)
	}
	if err := h.drive(s); err != nil {
		delete(h.sessions, fd)
		metricSessionsActive.Dec()
		return err
	}
	return nil
}

// drive runs the per-message state machine (§4.2) until the connection
// would block on I/O, a full message round-trips (at which point it loops
// back to await the next one), or an unrecoverable error/violation occurs.
func (h *Handler) drive(s *session) error {
	for {
		switch s.phase {
		case phaseHeader:
			n, err := unix.Read(s.fd, s.buf[s.headerFilled:HeaderSize])
			if err != nil {
				if err == unix.EAGAIN {
					return nil
				}
				return fmt.Errorf("cipher: read header: %w", err)
			}
			if n == 0 {
				if s.headerFilled == 0 {
					return fmt.Errorf("cipher: peer closed")
				}
				return fmt.Errorf("cipher: peer closed mid-header")
			}
			s.headerFilled += n
			if s.headerFilled < HeaderSize {
				continue
			}
			hdr, err := ParseHeader(s.buf[:HeaderSize])
			if err != nil {
				return fmt.Errorf("cipher: protocol violation: %w", err)
			}
			s.header = hdr
			s.filled = 0
			if hdr.TotalLength == HeaderSize {
				s.phase = phaseWriting
				if err := h.r.Modify(s.fd, reactor.InterestWrite); err != nil {
					return err
				}
				continue
			}
			s.phase = phasePayload

		case phasePayload:
			payloadLen := s.header.TotalLength - HeaderSize
			n, err := unix.Read(s.fd, s.buf[HeaderSize+s.filled:HeaderSize+payloadLen])
			if err != nil {
				if err == unix.EAGAIN {
					return nil
				}
				return fmt.Errorf("cipher: read payload: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("cipher: peer closed mid-message")
			}
			s.filled += uint32(n)
			if s.filled < payloadLen {
				continue
			}
			if !s.applied {
				Transform(s.buf[HeaderSize:s.header.TotalLength], s.header.Op, s.header.Shift)
				s.applied = true
			}
			s.phase = phaseWriting
			if err := h.r.Modify(s.fd, reactor.InterestWrite); err != nil {
				return err
			}

		case phaseWriting:
			n, err := unix.Write(s.fd, s.buf[s.sent:s.header.TotalLength])
			if err != nil {
				if err == unix.EAGAIN {
					return nil
				}
				return fmt.Errorf("cipher: write reply: %w", err)
			}
			s.sent += uint32(n)
			if s.sent < s.header.TotalLength {
				continue
			}
			metricMessagesServed.Inc()
			s.reset()
			if err := h.r.Modify(s.fd, reactor.InterestRead); err != nil {
				return err
			}
			return nil
		}
	}
}
