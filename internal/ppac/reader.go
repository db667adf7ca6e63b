package ppac

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

// Reader walks the records of a capture in file order. A record holding
// several frames is returned as several records sharing time and direction.
type Reader struct {
	r          io.Reader
	dec        *zstd.Decoder
	version    uint8
	packetType protocol.PacketType
	output     OutputType

	packets []protocol.Packet
	data    [][]byte
	last    Record
}

// Open validates the header of r and prepares it for reading.
func Open(r io.Reader) (*Reader, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrInvalidFile
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if [4]byte(head[:4]) != magic {
		return nil, ErrInvalidFile
	}
	version := head[4]
	if version > MaxVersion {
		return nil, &UnsupportedVersionError{Version: version}
	}

	pr := &Reader{r: r, version: version, packetType: protocol.NGS}
	if version >= 3 {
		code, err := readByte(r)
		if err != nil {
			return nil, err
		}
		if pr.packetType, err = typeFromCode(code); err != nil {
			return nil, err
		}
	}
	if version >= 4 {
		compressed, err := readByte(r)
		if err != nil {
			return nil, err
		}
		if compressed != 0 {
			dec, err := zstd.NewReader(bufio.NewReader(r))
			if err != nil {
				return nil, fmt.Errorf("failed to open zstd stream: %w", err)
			}
			pr.dec = dec
			pr.r = dec
		}
	}
	return pr, nil
}

func readByte(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("failed to read header: %w", err)
	}
	return b[0], nil
}

// Version returns the container version of the file.
func (pr *Reader) Version() uint8 { return pr.version }

// PacketType returns the protocol the capture was recorded with.
func (pr *Reader) PacketType() protocol.PacketType { return pr.packetType }

// SetOutputType selects decoded packets, raw frames or both.
func (pr *Reader) SetOutputType(o OutputType) { pr.output = o }

// Read returns the next record. io.EOF is returned, unwrapped, once the
// stream ends cleanly between records.
func (pr *Reader) Read() (*Record, error) {
	if rec := pr.buffered(); rec != nil {
		return rec, nil
	}

	ts, err := pr.readTime()
	if err != nil {
		return nil, err
	}
	var head [9]byte
	if _, err := io.ReadFull(pr.r, head[:]); err != nil {
		return nil, fmt.Errorf("failed to read record header: %w", unexpected(err))
	}
	dir := ToServer
	if head[0] != 0 {
		dir = ToClient
	}
	length := binary.LittleEndian.Uint64(head[1:])
	if length > protocol.MaxFrameSize*16 {
		return nil, fmt.Errorf("record of %d bytes: %w", length, ErrCorruptedPacket)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(pr.r, payload); err != nil {
		return nil, fmt.Errorf("failed to read record payload: %w", unexpected(err))
	}
	pr.last = Record{Time: ts, Direction: dir, PacketType: pr.packetType}

	rec := pr.last
	switch pr.output {
	case OutputPacket:
		if err := pr.decodePackets(payload); err != nil {
			return nil, err
		}
		rec.Packet = pr.popPacket()
	case OutputRaw:
		if err := pr.splitRaw(payload); err != nil {
			return nil, err
		}
		rec.Data = pr.popData()
	case OutputBoth:
		if err := pr.decodePackets(payload); err != nil {
			rec.ParseError = err
		} else {
			rec.Packet = pr.popPacket()
		}
		if err := pr.splitRaw(payload); err != nil {
			return nil, err
		}
		rec.Data = pr.popData()
	}
	return &rec, nil
}

func (pr *Reader) buffered() *Record {
	if len(pr.packets) == 0 && len(pr.data) == 0 {
		return nil
	}
	rec := pr.last
	rec.Packet = pr.popPacket()
	rec.Data = pr.popData()
	return &rec
}

func (pr *Reader) popPacket() protocol.Packet {
	if len(pr.packets) == 0 {
		return nil
	}
	p := pr.packets[0]
	pr.packets = pr.packets[1:]
	return p
}

func (pr *Reader) popData() []byte {
	if len(pr.data) == 0 {
		return nil
	}
	d := pr.data[0]
	pr.data = pr.data[1:]
	return d
}

func (pr *Reader) decodePackets(payload []byte) error {
	packets, err := protocol.Decode(payload, pr.packetType)
	if err != nil {
		return err
	}
	pr.packets = append(pr.packets, packets...)
	return nil
}

func (pr *Reader) splitRaw(payload []byte) error {
	frames, err := protocol.Decode(payload, protocol.Raw)
	if err != nil {
		return err
	}
	for _, f := range frames {
		pr.data = append(pr.data, f.(*protocol.RawFrame).Data)
	}
	return nil
}

func (pr *Reader) readTime() (time.Time, error) {
	if pr.version >= 2 {
		var b [16]byte
		if _, err := io.ReadFull(pr.r, b[:]); err != nil {
			return time.Time{}, endOfStream(err)
		}
		// the high half is always zero for any representable time
		return time.Unix(0, int64(binary.LittleEndian.Uint64(b[:8]))), nil
	}
	var b [8]byte
	if _, err := io.ReadFull(pr.r, b[:]); err != nil {
		return time.Time{}, endOfStream(err)
	}
	return time.Unix(int64(binary.LittleEndian.Uint64(b[:])), 0), nil
}

func endOfStream(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	return fmt.Errorf("failed to read record time: %w", err)
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Close releases the zstd decoder. It does not close the underlying reader.
func (pr *Reader) Close() {
	if pr.dec != nil {
		pr.dec.Close()
		pr.dec = nil
	}
}
