// Package framing turns an ordered byte stream into discrete, length-delimited
// frames and back.
//
// Wire format: a 4-byte big-endian unsigned length followed by exactly that
// many payload bytes. Outbound payloads are written in chunks no larger than
// the configured chunk size; the reader always reassembles the whole frame.
package framing

import (
	"errors"
	"fmt"
)

const (
	MaxFrameSize     = 256 * 1024 * 1024 // 256 MiB payload cap
	DefaultChunkSize = 32 * 1024         // 32 KiB per physical write
	lengthSize       = 4
)

// ErrFrameTooLarge is matched by every *Error.
var ErrFrameTooLarge = errors.New("frame too large")

// Error reports a payload (outbound) or a declared length (inbound) above
// MaxFrameSize.
type Error struct {
	Size int
}

func (e *Error) Error() string {
	return fmt.Sprintf("framing: %d-byte frame exceeds the %d-byte limit", e.Size, MaxFrameSize)
}

func (e *Error) Unwrap() error { return ErrFrameTooLarge }
