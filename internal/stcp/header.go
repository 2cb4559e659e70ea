package stcp

import "encoding/binary"

// HeaderSize is the fixed wire size of an STCP header, per spec: a
// TCP-ish 20-byte layout with no option space (data-offset is always 5).
const HeaderSize = 20

// Flag bits set in Header.Flags.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagACK uint8 = 1 << 2
)

// Header is the STCP segment header: seq, ack, data-offset, flags, window.
// It is deliberately not a real TCP header — gopacket's TCP layer assumes a
// checksum computed over an IP pseudo-header, which doesn't exist on an
// abstracted Substrate, so the wire format is hand-rolled the same way
// internal/cipher/protocol.go frames its own 8-byte header.
type Header struct {
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // always 5; no options
	Flags      uint8
	Window     uint16
}

// HasFlag reports whether all bits in f are set.
func (h Header) HasFlag(f uint8) bool { return h.Flags&f == f }

// PutHeader serializes h into b[:HeaderSize]. b must be at least HeaderSize
// bytes. Bytes 12-19 are reserved and left zero.
func PutHeader(b []byte, h Header) {
	binary.BigEndian.PutUint32(b[0:4], h.Seq)
	binary.BigEndian.PutUint32(b[4:8], h.Ack)
	b[8] = h.DataOffset << 4
	b[9] = h.Flags
	binary.BigEndian.PutUint16(b[10:12], h.Window)
	for i := 12; i < HeaderSize; i++ {
		b[i] = 0
	}
}

// ParseHeader decodes a Header from the front of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Seq:        binary.BigEndian.Uint32(b[0:4]),
		Ack:        binary.BigEndian.Uint32(b[4:8]),
		DataOffset: b[8] >> 4,
		Flags:      b[9],
		Window:     binary.BigEndian.Uint16(b[10:12]),
	}
	if h.DataOffset != 5 {
		return Header{}, ErrBadDataOffset
	}
	return h, nil
}
