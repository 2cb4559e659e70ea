package stcp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// pollInterval bounds how long WaitForEvent sleeps between polls when
// nothing is ready. It is not a retransmission timer — STCP's control
// loop has none, per spec §5 — just the cadence at which this substrate
// re-checks its queues and the context.
const pollInterval = 2 * time.Millisecond

// UDPSubstrate is a concrete Substrate over a bound (unconnected)
// net.UDPConn that sends every segment to one fixed peer address. It
// exists purely to give internal/stcp and cmd/stcp-echo something real to
// run against (loopback-oriented, point-to-point); it is new code needed
// to exercise the Substrate interface, not a widening of STCP's scope —
// it does not retransmit, reorder, or drop, matching the non-goals in
// spec.md §1/§9.
type UDPSubstrate struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	mss  int

	netRecvCh chan []byte

	appWrites chan []byte // bytes the application wrote, awaiting AppRecv
	appReads  chan []byte // bytes delivered from the network, awaiting application Read

	closeRequested chan struct{}
	closeOnce      sync.Once

	unblocked   chan struct{}
	unblockOnce sync.Once

	finCh   chan struct{}
	finOnce sync.Once
}

// NewUDPSubstrate wires conn (already bound) to peer. mss bounds the
// application payload carried by a single segment. seed, if non-nil, is a
// datagram already consumed from conn (e.g. the SYN a passive side had to
// read to learn peer's address before this substrate existed) that must
// be replayed as the first thing NetworkRecv/WaitForEvent observe; it is
// queued before the background read loop starts so ordering is
// guaranteed. Pass nil for an active open, which has no such packet.
func NewUDPSubstrate(conn *net.UDPConn, peer *net.UDPAddr, mss int, seed []byte) *UDPSubstrate {
	u := &UDPSubstrate{
		conn:           conn,
		peer:           peer,
		mss:            mss,
		netRecvCh:      make(chan []byte, 64),
		appWrites:      make(chan []byte, 64),
		appReads:       make(chan []byte, 64),
		closeRequested: make(chan struct{}),
		unblocked:      make(chan struct{}),
		finCh:          make(chan struct{}),
	}
	if seed != nil {
		u.netRecvCh <- append([]byte(nil), seed...)
	}
	go u.readLoop()
	return u
}

func (u *UDPSubstrate) readLoop() {
	buf := make([]byte, u.mss+HeaderSize)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			close(u.netRecvCh)
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		u.netRecvCh <- pkt
	}
}

func (u *UDPSubstrate) MSS() int { return u.mss }

func (u *UDPSubstrate) NetworkSend(b []byte) (int, error) {
	return u.conn.WriteToUDP(b, u.peer)
}

// NetworkRecv blocks until a segment arrives or the read loop ends. This
// is the blocking network_recv the handshake is permitted to use (§5);
// during Run, it is only called once WaitForEvent has already reported
// EventNetworkData, so it returns immediately.
func (u *UDPSubstrate) NetworkRecv(b []byte) (int, error) {
	pkt, ok := <-u.netRecvCh
	if !ok {
		return 0, io.EOF
	}
	return copy(b, pkt), nil
}

// AppRecv pulls bytes the application wrote via Write, returning (0, nil)
// if none are queued — it never blocks, matching spec §6's description.
func (u *UDPSubstrate) AppRecv(b []byte) (int, error) {
	select {
	case data := <-u.appWrites:
		return copy(b, data), nil
	default:
		return 0, nil
	}
}

// AppSend delivers payload to the application's read side.
func (u *UDPSubstrate) AppSend(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	select {
	case u.appReads <- cp:
		return len(b), nil
	default:
		return 0, ErrAppBufferFull
	}
}

func (u *UDPSubstrate) UnblockApplication() {
	u.unblockOnce.Do(func() { close(u.unblocked) })
}

func (u *UDPSubstrate) FinReceived() {
	u.finOnce.Do(func() { close(u.finCh) })
}

// WaitForEvent polls its queues and the close request at pollInterval; it
// never consumes from netRecvCh/appWrites itself (len() peeks without
// draining), so NetworkRecv/AppRecv still see whatever it reported.
func (u *UDPSubstrate) WaitForEvent(ctx context.Context, mask Event) (Event, error) {
	for {
		var ev Event
		if mask.Has(EventNetworkData) && len(u.netRecvCh) > 0 {
			ev |= EventNetworkData
		}
		if mask.Has(EventAppData) && len(u.appWrites) > 0 {
			ev |= EventAppData
		}
		if mask.Has(EventAppClose) {
			select {
			case <-u.closeRequested:
				ev |= EventAppClose
			default:
			}
		}
		if ev != 0 {
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
			if mask.Has(EventTimeout) {
				return EventTimeout, nil
			}
		}
	}
}

// Unblocked reports when the handshake has completed.
func (u *UDPSubstrate) Unblocked() <-chan struct{} { return u.unblocked }

// Write queues application payload for the next AppRecv. It is the
// application-facing counterpart of AppRecv.
func (u *UDPSubstrate) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	select {
	case u.appWrites <- cp:
		return len(b), nil
	default:
		return 0, ErrAppBufferFull
	}
}

// Read blocks until AppSend has delivered data or FinReceived has fired
// with nothing left queued, in which case it returns io.EOF.
func (u *UDPSubstrate) Read(b []byte) (int, error) {
	select {
	case data := <-u.appReads:
		return copy(b, data), nil
	case <-u.finCh:
		select {
		case data := <-u.appReads:
			return copy(b, data), nil
		default:
			return 0, io.EOF
		}
	}
}

// RequestClose signals the application's intent to close, observed by
// Conn.Run as EventAppClose.
func (u *UDPSubstrate) RequestClose() {
	u.closeOnce.Do(func() { close(u.closeRequested) })
}
