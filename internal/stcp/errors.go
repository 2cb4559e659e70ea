package stcp

import "errors"

var (
	ErrShortHeader    = errors.New("stcp: header shorter than 20 bytes")
	ErrBadDataOffset  = errors.New("stcp: data offset is not 5 (options unsupported)")
	ErrWouldBlock     = errors.New("stcp: substrate operation would block")
	ErrAppBufferFull  = errors.New("stcp: application buffer full")
	ErrHandshakeAbort = errors.New("stcp: handshake aborted")
	ErrNotEstablished = errors.New("stcp: connection is not established")
)
