package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds frames read from a stream.
const MaxFrameSize = 16 << 20

// minFrame is a length prefix plus a header.
const minFrame = 8

// Decode splits data into frames and decodes each one under t. Trailing
// bytes too short to hold a length prefix are ignored.
func Decode(data []byte, t PacketType) ([]Packet, error) {
	var out []Packet
	pos := 0
	for len(data)-pos > 4 {
		length := int(binary.LittleEndian.Uint32(data[pos:]))
		if length < minFrame {
			return nil, &DecodeError{Field: "length", Offset: pos, Err: fmt.Errorf("%w: %d", ErrFrameLength, length)}
		}
		if length > len(data)-pos {
			return nil, &DecodeError{Field: "length", Offset: pos, Err: ErrTruncated}
		}
		frame := data[pos : pos+length]
		if t == Raw {
			out = append(out, &RawFrame{Data: append([]byte(nil), frame...)})
			pos += length
			continue
		}
		p, err := decodeFrame(frame, pos, t)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
		pos += length
	}
	return out, nil
}

// DecodeOne decodes data and returns its first packet, or None if data holds
// no complete frame.
func DecodeOne(data []byte, t PacketType) (Packet, error) {
	packets, err := Decode(data, t)
	if err != nil {
		return nil, err
	}
	if len(packets) == 0 {
		return &None{}, nil
	}
	return packets[0], nil
}

func readHeader(frame []byte, t PacketType) Header {
	if t.IsNGS() {
		return Header{
			Flags: Flags(frame[4]),
			ID:    frame[5],
			SubID: binary.LittleEndian.Uint16(frame[6:8]),
		}
	}
	return Header{ID: frame[4], SubID: uint16(frame[5]), Flags: Flags(frame[6])}
}

func decodeFrame(frame []byte, base int, t PacketType) (Packet, error) {
	h := readHeader(frame, t)
	e := lookup(h, t)
	if e == nil {
		u := &Unknown{Header: h}
		u.Data = append([]byte(nil), frame[minFrame:]...)
		return u, nil
	}
	p := e.new()
	r := newReader(frame[minFrame:], base+minFrame, e.name)
	p.decode(r, t)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// CheckHeader reports whether the header of p can be written under t. Base
// layouts keep the subid in a single byte.
func CheckHeader(p Packet, t PacketType) error {
	if p == nil {
		return nil
	}
	h, ok := HeaderOf(p)
	if !ok || t.IsNGS() || t == Raw {
		return nil
	}
	if h.SubID > 0xFF {
		return fmt.Errorf("%w: %s subid %#x under %s", ErrSubIDRange, p.Name(), h.SubID, t)
	}
	return nil
}

// Encode writes p as a single frame in the layout of t. None encodes to an
// empty slice. Encode does not range check the header: under base layouts
// a subid above 0xFF keeps its low byte. Use CheckHeader first when the
// header comes from outside the catalog.
func Encode(p Packet, t PacketType) []byte {
	if IsEmpty(p) {
		return nil
	}
	b := NewBuilder()
	if raw, ok := p.(*RawFrame); ok {
		if len(raw.Data) < 4 {
			return nil
		}
		raw.encode(b, t)
		return b.Frame()
	}
	h, _ := HeaderOf(p)
	b.WriteHeader(h, t)
	p.encode(b, t)
	return b.Frame()
}

// EncodeAll concatenates the frames of packets.
func EncodeAll(packets []Packet, t PacketType) []byte {
	var out []byte
	for _, p := range packets {
		out = append(out, Encode(p, t)...)
	}
	return out
}

// FrameLength returns the declared length of the frame at the start of data,
// or 0 if fewer than four bytes are available.
func FrameLength(data []byte) int {
	if len(data) < 4 {
		return 0
	}
	return int(binary.LittleEndian.Uint32(data))
}

// SplitFrames cuts data into whole frames without decoding them.
func SplitFrames(data []byte) ([][]byte, error) {
	var frames [][]byte
	pos := 0
	for len(data)-pos > 4 {
		length := FrameLength(data[pos:])
		if length < minFrame {
			return nil, &DecodeError{Field: "length", Offset: pos, Err: fmt.Errorf("%w: %d", ErrFrameLength, length)}
		}
		if length > len(data)-pos {
			return nil, &DecodeError{Field: "length", Offset: pos, Err: ErrTruncated}
		}
		frames = append(frames, data[pos:pos+length])
		pos += length
	}
	return frames, nil
}

// ReadFrame reads one length-prefixed frame from r, prefix included.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length < minFrame {
		return nil, fmt.Errorf("%w: %d", ErrFrameLength, length)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", length, MaxFrameSize)
	}
	frame := make([]byte, length)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", length-4, err)
	}
	return frame, nil
}

// WritePacket encodes p and writes it to w.
func WritePacket(w io.Writer, p Packet, t PacketType) error {
	data := Encode(p, t)
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", p.Name(), err)
	}
	return nil
}
