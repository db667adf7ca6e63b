package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is reported when a field runs past the end of its frame.
	ErrTruncated = errors.New("protocol: unexpected end of packet")
	// ErrFrameLength is reported for a declared frame length that cannot hold a header.
	ErrFrameLength = errors.New("protocol: invalid frame length")
	// ErrBadTime is reported for a PSO timestamp before the Unix epoch.
	ErrBadTime = errors.New("protocol: timestamp before unix epoch")
	// ErrNotASCII is reported when an ASCII field is given non-ASCII text.
	ErrNotASCII = errors.New("protocol: string is not ascii")
	// ErrSubIDRange is reported for a subid wider than the header layout holds.
	ErrSubIDRange = errors.New("protocol: subid does not fit the header layout")
)

// DecodeError describes a malformed field in wire data.
type DecodeError struct {
	Packet string // variant being decoded, empty while framing
	Field  string
	Offset int // absolute offset into the decoded buffer
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Packet == "" {
		return fmt.Sprintf("decode %s at offset %d: %v", e.Field, e.Offset, e.Err)
	}
	return fmt.Sprintf("decode %s.%s at offset %d: %v", e.Packet, e.Field, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
