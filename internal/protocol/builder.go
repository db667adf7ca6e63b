package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Builder assembles a packet frame. The first four bytes are reserved for
// the frame length, filled in by Frame.
type Builder struct {
	buf bytes.Buffer
}

// NewBuilder creates a Builder with the length placeholder written.
func NewBuilder() *Builder {
	b := &Builder{}
	b.buf.Write(make([]byte, 4))
	return b
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buf.Reset()
	b.buf.Write(make([]byte, 4))
}

// WriteHeader writes h in the layout selected by t.
func (b *Builder) WriteHeader(h Header, t PacketType) *Builder {
	flags := byte(h.Flags)
	if t.IsNGS() {
		b.buf.WriteByte(flags)
		b.buf.WriteByte(h.ID)
		return b.WriteUint16(h.SubID)
	}
	b.buf.WriteByte(h.ID)
	b.buf.WriteByte(byte(h.SubID))
	b.buf.WriteByte(flags)
	b.buf.WriteByte(0)
	return b
}

// WriteByte writes a single byte.
func (b *Builder) WriteByte(v byte) *Builder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *Builder) WriteUint16(v uint16) *Builder {
	b.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *Builder) WriteUint32(v uint32) *Builder {
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
	return b
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *Builder) WriteUint64(v uint64) *Builder {
	b.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
	return b
}

// WriteBytes writes raw bytes.
func (b *Builder) WriteBytes(data []byte) *Builder {
	b.buf.Write(data)
	return b
}

// WriteZeros writes n zero bytes.
func (b *Builder) WriteZeros(n int) *Builder {
	if n > 0 {
		b.buf.Write(make([]byte, n))
	}
	return b
}

// WritePSOTime writes a timestamp in PSO epoch milliseconds.
func (b *Builder) WritePSOTime(t PSOTime) *Builder {
	return b.WriteUint64(uint64(t) + psoEpoch)
}

func magic(n, xor, sub uint32) uint32 { return (n + sub) ^ xor }

// WriteVarUTF16 writes a magic-prefixed, NUL-terminated UTF-16LE string.
func (b *Builder) WriteVarUTF16(s string, xor, sub uint32) *Builder {
	if s == "" {
		return b.WriteUint32(magic(0, xor, sub))
	}
	words := append(utf16.Encode([]rune(s)), 0)
	n := len(words)
	b.WriteUint32(magic(uint32(n), xor, sub))
	for _, w := range words {
		b.WriteUint16(w)
	}
	return b.WriteZeros(2 * (n & 1))
}

// WriteVarASCII writes a magic-prefixed, NUL-terminated ASCII string.
// Non-ASCII characters are dropped.
func (b *Builder) WriteVarASCII(s string, xor, sub uint32) *Builder {
	s = asciiOnly(s)
	if s == "" {
		return b.WriteUint32(magic(0, xor, sub))
	}
	n := len(s) + 1
	b.WriteUint32(magic(uint32(n), xor, sub))
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b.WriteZeros(3 - ((n - 1) & 3))
}

// Len returns the current frame size including the length placeholder.
func (b *Builder) Len() int {
	return b.buf.Len()
}

// Frame pads the frame to a multiple of four and fills in its length.
func (b *Builder) Frame() []byte {
	if rem := b.buf.Len() % 4; rem != 0 {
		b.WriteZeros(4 - rem)
	}
	data := b.buf.Bytes()
	binary.LittleEndian.PutUint32(data[:4], uint32(len(data)))
	return data
}

// String returns a hex dump of the current frame for debugging.
func (b *Builder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("Builder[%d bytes]: %x", len(data), data)
}

func asciiOnly(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 || s[i] == 0 {
			out := make([]byte, 0, len(s))
			for j := 0; j < len(s); j++ {
				if c := s[j]; c < 0x80 && c != 0 {
					out = append(out, c)
				}
			}
			return string(out)
		}
	}
	return s
}
