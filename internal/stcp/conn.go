package stcp

import (
	"context"
	"errors"
	"log/slog"
)

// WinSize is the fixed advertised window, per spec §4.4.
const WinSize = 3072

// Conn drives the STCP state machine described in spec §4.4 against a
// Substrate. It never reads or writes a socket or an application buffer
// directly; every external effect goes through sub.
type Conn struct {
	sub Substrate
	log *slog.Logger

	state State
	isn   uint32

	mySeq      uint32 // next sequence number this side will send
	myAcked    uint32 // highest seq number acknowledged by the peer so far
	peerAcked  uint32 // next sequence number expected from the peer
	peerWindow uint32 // peer's last-advertised window, decremented as we send

	sendBuf []byte // application payload buffered for the next segment

	needAck        bool
	finNeeded       bool
	finSent         bool
	closeRequested bool
}

// NewConn wires a Conn to sub. isn is this side's initial sequence number;
// the reference implementation this is modeled on uses a constant 1 (see
// DESIGN.md for why that choice is kept here too).
func NewConn(sub Substrate, log *slog.Logger, isn uint32) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{sub: sub, log: log, isn: isn, state: StateClosed, peerWindow: WinSize}
}

func (c *Conn) State() State { return c.state }
func (c *Conn) Done() bool   { return c.state == StateClosed }

// Connect performs the active-open handshake (spec §4.4): send SYN, wait
// for SYN|ACK, send the final ACK. Per §5, this is one of the few places
// a blocking NetworkRecv is acceptable — the substrate guarantees eventual
// delivery.
func (c *Conn) Connect(ctx context.Context) error {
	c.mySeq = c.isn
	if err := c.send(Header{Seq: c.mySeq, Flags: FlagSYN, Window: WinSize, DataOffset: 5}, nil); err != nil {
		return err
	}
	c.mySeq++
	c.state = StateSynSent

	buf := make([]byte, HeaderSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := c.sub.NetworkRecv(buf)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				continue
			}
			return err
		}
		h, err := ParseHeader(buf[:n])
		if err != nil || !h.HasFlag(FlagSYN) || !h.HasFlag(FlagACK) {
			continue
		}
		c.myAcked = h.Ack
		c.peerWindow = uint32(h.Window)
		c.peerAcked = h.Seq + 1
		c.state = StateEstablished
		if err := c.send(Header{Seq: c.mySeq, Ack: c.peerAcked, Flags: FlagACK, Window: WinSize, DataOffset: 5}, nil); err != nil {
			return err
		}
		c.sub.UnblockApplication()
		metricConnectionsActive.Inc()
		return nil
	}
}

// Accept performs the passive-open handshake: wait for SYN, send
// SYN|ACK, wait for the final ACK.
func (c *Conn) Accept(ctx context.Context) error {
	c.state = StateListen
	buf := make([]byte, HeaderSize)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := c.sub.NetworkRecv(buf)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				continue
			}
			return err
		}
		h, err := ParseHeader(buf[:n])
		if err != nil || !h.HasFlag(FlagSYN) {
			continue
		}
		c.peerAcked = h.Seq + 1
		c.mySeq = c.isn
		c.state = StateSynRcvd
		if err := c.send(Header{Seq: c.mySeq, Ack: c.peerAcked, Flags: FlagSYN | FlagACK, Window: WinSize, DataOffset: 5}, nil); err != nil {
			return err
		}
		c.mySeq++
		break
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := c.sub.NetworkRecv(buf)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				continue
			}
			return err
		}
		h, err := ParseHeader(buf[:n])
		if err != nil || !h.HasFlag(FlagACK) {
			continue
		}
		c.myAcked = h.Ack
		c.peerWindow = uint32(h.Window)
		c.state = StateEstablished
		c.sub.UnblockApplication()
		metricConnectionsActive.Inc()
		return nil
	}
}

// Run is the single control loop from spec §4.4: on each wake it
// conditionally reads from the network, conditionally reads from the
// application, then conditionally sends one segment. It returns once the
// connection reaches Closed.
func (c *Conn) Run(ctx context.Context) error {
	defer func() {
		if c.state == StateClosed {
			metricConnectionsActive.Dec()
		}
	}()

	for c.state != StateClosed {
		mask := EventNetworkData | EventAppData
		if !c.closeRequested {
			mask |= EventAppClose
		}

		ev, err := c.sub.WaitForEvent(ctx, mask)
		if err != nil {
			return err
		}

		if ev.Has(EventNetworkData) {
			if err := c.onNetworkData(); err != nil {
				return err
			}
		}
		if ev.Has(EventAppData) {
			c.onAppData()
		}
		if ev.Has(EventAppClose) {
			c.onAppClose()
		}

		if err := c.maybeSend(); err != nil {
			return err
		}
	}
	return nil
}

// onNetworkData implements the "on network data" branch of §4.4's
// algorithm. A segment with no ACK flag is discarded per the invariant.
func (c *Conn) onNetworkData() error {
	buf := make([]byte, HeaderSize+c.sub.MSS())
	n, err := c.sub.NetworkRecv(buf)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		return err
	}
	if n < HeaderSize {
		return nil
	}
	h, err := ParseHeader(buf[:n])
	if err != nil {
		return nil
	}
	if !h.HasFlag(FlagACK) {
		return nil
	}

	if h.Ack > c.myAcked {
		c.myAcked = h.Ack
	}
	c.peerWindow = uint32(h.Window)

	if c.finSent && c.myAcked >= c.mySeq {
		c.handleFinAcked()
	}

	payload := buf[HeaderSize:n]
	if len(payload) > 0 {
		if _, err := c.sub.AppSend(payload); err != nil {
			return err
		}
		metricBytesDelivered.Add(float64(len(payload)))
		c.peerAcked += uint32(len(payload))
		c.needAck = true
	}
	if h.HasFlag(FlagFIN) {
		c.peerAcked++
		c.needAck = true
		c.handlePeerFin()
	}
	return nil
}

// handlePeerFin applies the four-way-close transitions triggered by
// receiving the peer's FIN (spec §4.4).
func (c *Conn) handlePeerFin() {
	c.sub.FinReceived()
	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
	case StateFinWait1:
		c.state = StateClosing
	case StateFinWait2:
		c.state = StateClosed
	}
}

// handleFinAcked applies the transitions triggered by the peer
// acknowledging this side's FIN.
func (c *Conn) handleFinAcked() {
	switch c.state {
	case StateFinWait1:
		c.state = StateFinWait2
	case StateClosing, StateLastAck:
		c.state = StateClosed
	}
}

// onAppData implements the "on application data" branch: read at most
// min(MSS, peer_window) bytes into the send buffer.
func (c *Conn) onAppData() {
	if c.state != StateEstablished && c.state != StateCloseWait {
		return
	}
	if c.peerWindow == 0 {
		return
	}
	max := c.peerWindow
	if mss := uint32(c.sub.MSS()); mss > 0 && mss < max {
		max = mss
	}
	buf := make([]byte, max)
	n, err := c.sub.AppRecv(buf)
	if err != nil || n == 0 {
		return
	}
	c.sendBuf = append(c.sendBuf, buf[:n]...)
}

// onAppClose implements the four-way-close entry points driven by the
// local application requesting close.
func (c *Conn) onAppClose() {
	c.closeRequested = true
	switch c.state {
	case StateEstablished:
		c.finNeeded = true
		c.state = StateFinWait1
	case StateCloseWait:
		c.finNeeded = true
		c.state = StateLastAck
	}
}

// maybeSend implements the "sending" branch: emit one segment if there is
// buffered payload, an ACK is owed, or a FIN needs to go out.
func (c *Conn) maybeSend() error {
	if len(c.sendBuf) == 0 && !c.needAck && !c.finNeeded {
		return nil
	}

	h := Header{Seq: c.mySeq, Ack: c.peerAcked, Flags: FlagACK, Window: WinSize, DataOffset: 5}
	payload := c.sendBuf
	if c.finNeeded {
		h.Flags |= FlagFIN
	}
	if err := c.send(h, payload); err != nil {
		return err
	}

	c.mySeq += uint32(len(payload))
	if c.peerWindow > uint32(len(payload)) {
		c.peerWindow -= uint32(len(payload))
	} else {
		c.peerWindow = 0
	}
	if c.finNeeded {
		c.mySeq++
		c.finSent = true
		c.finNeeded = false
	}
	c.sendBuf = nil
	c.needAck = false
	return nil
}

func (c *Conn) send(h Header, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	PutHeader(buf, h)
	copy(buf[HeaderSize:], payload)
	_, err := c.sub.NetworkSend(buf)
	metricSegmentsSent.Inc()
	return err
}
