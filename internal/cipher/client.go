package cipher

import (
	"fmt"
	"io"
	"net"
)

// Client is a synchronous CIPHER client: it has no reason to be
// non-blocking since it drives exactly one request/reply pair at a time
// (§6, §8 property 2 — oversized input is split into multiple framed
// messages whose replies are concatenated).
type Client struct {
	Op    uint16
	Shift uint16
	conn  net.Conn
}

// Dial opens a blocking TCP connection to addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cipher: dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Run reads r to EOF, splitting it into MaxPayloadSize-sized framed
// requests, and writes the concatenation of the replies' payloads to w.
func (c *Client) Run(r io.Reader, w io.Writer) error {
	chunk := make([]byte, MaxPayloadSize)
	for {
		n, readErr := io.ReadFull(r, chunk)
		if n > 0 {
			if err := c.roundTrip(chunk[:n], w); err != nil {
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("cipher: read input: %w", readErr)
		}
	}
}

func (c *Client) roundTrip(payload []byte, w io.Writer) error {
	req := make([]byte, HeaderSize+len(payload))
	PutHeader(req, Header{Op: c.Op, Shift: c.Shift, TotalLength: uint32(len(req))})
	copy(req[HeaderSize:], payload)

	if _, err := c.conn.Write(req); err != nil {
		return fmt.Errorf("cipher: write request: %w", err)
	}

	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(c.conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("cipher: read reply header: %w", err)
	}
	hdr, err := ParseHeader(hdrBuf[:])
	if err != nil {
		return fmt.Errorf("cipher: bad reply header: %w", err)
	}
	reply := make([]byte, hdr.TotalLength-HeaderSize)
	if _, err := io.ReadFull(c.conn, reply); err != nil {
		return fmt.Errorf("cipher: read reply payload: %w", err)
	}
	_, err = w.Write(reply)
	return err
}
