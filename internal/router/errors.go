package router

import "errors"

var (
	ErrFrameTooShort = errors.New("router: ethernet frame too short")
	ErrBadIPChecksum = errors.New("router: IPv4 header checksum invalid")
	ErrUnsupportedIP = errors.New("router: IP version is not 4")
)
