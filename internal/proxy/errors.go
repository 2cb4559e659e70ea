package proxy

import "errors"

var (
	ErrUnsupportedMethod = errors.New("proxy: only GET is supported")
	ErrUnsupportedVersion = errors.New("proxy: only HTTP/1.0 is supported")
	ErrMissingHost        = errors.New("proxy: missing Host header")
	ErrHostMismatch       = errors.New("proxy: absolute-URI host does not match Host header")
	ErrMalformedRequest   = errors.New("proxy: malformed request line")
)
