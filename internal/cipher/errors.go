package cipher

import "errors"

var (
	ErrShortHeader = errors.New("cipher: short header")
	ErrBadOp       = errors.New("cipher: op must be 0 or 1")
	ErrOversize    = errors.New("cipher: total_length out of range")
	ErrBadShift    = errors.New("cipher: shift must be in [0,25]")
)
