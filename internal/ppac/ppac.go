// Package ppac reads and writes PPAC capture files: a short header naming
// the protocol followed by timestamped, directional records of raw frames.
package ppac

import (
	"errors"
	"fmt"
	"time"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

// MaxVersion is the newest container version understood by the reader.
// Writers always produce it.
const MaxVersion = 4

var magic = [4]byte{'P', 'P', 'A', 'C'}

var (
	ErrInvalidFile     = errors.New("opened file is not a PPAC file")
	ErrCorruptedPacket = errors.New("attempted to write a corrupted packet")
)

// UnsupportedVersionError is returned for files newer than MaxVersion.
type UnsupportedVersionError struct {
	Version uint8
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported version: %d", e.Version)
}

// InvalidPacketTypeError is returned for protocol codes outside the known
// range and when asked to store the Raw packet type.
type InvalidPacketTypeError struct {
	Value uint8
}

func (e *InvalidPacketTypeError) Error() string {
	return fmt.Sprintf("invalid packet type: %d", e.Value)
}

// Direction tells which peer a record was sent to.
type Direction uint8

const (
	ToServer Direction = iota
	ToClient
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == ToServer {
		return ToClient
	}
	return ToServer
}

func (d Direction) String() string {
	if d == ToServer {
		return "ToServer"
	}
	return "ToClient"
}

// MarshalText keeps directions readable in JSON and log output.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// OutputType selects what Read fills in for each record.
type OutputType uint8

const (
	OutputPacket OutputType = iota
	OutputRaw
	OutputBoth
)

// Result classifies a record returned by Read.
type Result uint8

const (
	// Ok means the record carries a decoded packet.
	Ok Result = iota
	// RawOnly means the record only carries raw bytes.
	RawOnly
)

// Record is one frame read from a capture.
type Record struct {
	Time       time.Time
	Direction  Direction
	PacketType protocol.PacketType
	Packet     protocol.Packet
	Data       []byte
	// ParseError holds the decode failure under OutputBoth.
	ParseError error
}

// Result reports whether rec has a decoded packet.
func (rec *Record) Result() Result {
	if rec.Packet != nil {
		return Ok
	}
	return RawOnly
}

func typeCode(t protocol.PacketType) (uint8, error) {
	switch t {
	case protocol.Classic:
		return 0, nil
	case protocol.NGS:
		return 1, nil
	case protocol.NA:
		return 2, nil
	case protocol.JP:
		return 3, nil
	case protocol.Vita:
		return 4, nil
	}
	return 0, &InvalidPacketTypeError{Value: 5}
}

func typeFromCode(c uint8) (protocol.PacketType, error) {
	switch c {
	case 0:
		return protocol.Classic, nil
	case 1:
		return protocol.NGS, nil
	case 2:
		return protocol.NA, nil
	case 3:
		return protocol.JP, nil
	case 4:
		return protocol.Vita, nil
	}
	return 0, &InvalidPacketTypeError{Value: c}
}
