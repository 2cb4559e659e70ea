// Package cipher implements the length-prefixed request/reply protocol
// described in spec §4.2: an 8-byte big-endian header followed by a
// Caesar-transformed payload.
package cipher

import "encoding/binary"

const (
	// HeaderSize is the fixed 8-octet header: op:u16 | shift:u16 | total_length:u32.
	HeaderSize = 8

	// MaxTotalLength is the hard cap on total_length (header included),
	// matching original_source/prj1/common.h's MAX_MSG_SIZE.
	MaxTotalLength = 10_000_000

	// MaxPayloadSize is the largest payload a single framed message can
	// carry; larger input must be split across multiple requests (§6, §8).
	MaxPayloadSize = MaxTotalLength - HeaderSize

	// OpEncrypt and OpDecrypt are the only valid values of the op field.
	OpEncrypt uint16 = 0
	OpDecrypt uint16 = 1
)

// Header is the 8-byte wire header, decoded.
type Header struct {
	Op          uint16
	Shift       uint16
	TotalLength uint32
}

// ParseHeader decodes an 8-byte big-endian header and validates the op and
// total_length fields per §4.2. It also rejects a Shift above 25
// (ErrBadShift).
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Op:          binary.BigEndian.Uint16(b[0:2]),
		Shift:       binary.BigEndian.Uint16(b[2:4]),
		TotalLength: binary.BigEndian.Uint32(b[4:8]),
	}
	if h.Op != OpEncrypt && h.Op != OpDecrypt {
		return h, ErrBadOp
	}
	if h.TotalLength > MaxTotalLength || h.TotalLength < HeaderSize {
		return h, ErrOversize
	}
	if h.Shift > 25 {
		return h, ErrBadShift
	}
	return h, nil
}

// PutHeader encodes h into b[:8].
func PutHeader(b []byte, h Header) {
	binary.BigEndian.PutUint16(b[0:2], h.Op)
	binary.BigEndian.PutUint16(b[2:4], h.Shift)
	binary.BigEndian.PutUint32(b[4:8], h.TotalLength)
}

// effectiveShift returns the shift actually applied: decrypt uses the
// complementary shift, per §4.2 step 3.
func effectiveShift(op, shift uint16) uint16 {
	if op == OpEncrypt {
		return shift % 26
	}
	return (26 - shift%26) % 26
}

// Transform applies the Caesar cipher to payload in place. Only ASCII
// letters are shifted; every other byte passes through unchanged. Output
// is always lowercase regardless of input case — a documented design
// choice (§4.2 step 3, §8, §9), not a bug: decrypt(encrypt(S,k),k) ==
// lower(S).
func Transform(payload []byte, op, shift uint16) {
	eff := effectiveShift(op, shift)
	for i, c := range payload {
		var base byte
		switch {
		case c >= 'A' && c <= 'Z':
			base = 'A'
		case c >= 'a' && c <= 'z':
			base = 'a'
		default:
			continue
		}
		payload[i] = (c-base+byte(eff))%26 + 'a'
	}
}
