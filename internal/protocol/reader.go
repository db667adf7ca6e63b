package protocol

import (
	"encoding/binary"
	"unicode/utf16"
)

// Reader walks a packet body. The first failure sticks; later reads return
// zero values so decoders can read every field and check Err once.
type Reader struct {
	data   []byte
	pos    int
	base   int
	packet string
	err    error
}

func newReader(data []byte, base int, packet string) *Reader {
	return &Reader{data: data, base: base, packet: packet}
}

// Err returns the first decode failure.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) fail(field string, err error) {
	if r.err == nil {
		r.err = &DecodeError{Packet: r.packet, Field: field, Offset: r.base + r.pos, Err: err}
	}
}

func (r *Reader) take(field string, n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.Remaining() {
		r.fail(field, ErrTruncated)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) Uint8(field string) uint8 {
	b := r.take(field, 1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16(field string) uint16 {
	b := r.take(field, 2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Uint32(field string) uint32 {
	b := r.take(field, 4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Uint64(field string) uint64 {
	b := r.take(field, 8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(field string, n int) []byte {
	b := r.take(field, n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Fixed fills dst from the stream.
func (r *Reader) Fixed(field string, dst []byte) {
	if b := r.take(field, len(dst)); b != nil {
		copy(dst, b)
	}
}

func (r *Reader) Skip(field string, n int) { r.take(field, n) }

// pad skips alignment bytes, tolerating a body that ends early.
func (r *Reader) pad(n int) {
	if r.err == nil {
		r.pos += min(n, r.Remaining())
	}
}

// Rest returns a copy of every unread byte.
func (r *Reader) Rest() []byte {
	return r.Bytes("data", r.Remaining())
}

// PSOTime reads a timestamp in PSO epoch milliseconds.
func (r *Reader) PSOTime(field string) PSOTime {
	off := r.pos
	v := r.Uint64(field)
	if r.err != nil {
		return 0
	}
	if v < psoEpoch {
		r.pos = off
		r.fail(field, ErrBadTime)
		return 0
	}
	return PSOTime(v - psoEpoch)
}

// magic decodes an obfuscated length.
func (r *Reader) magic(field string, xor, sub uint32) uint32 {
	return (r.Uint32(field) ^ xor) - sub
}

// VarUTF16 reads a magic-prefixed UTF-16LE string.
func (r *Reader) VarUTF16(field string, xor, sub uint32) string {
	n := int(r.magic(field, xor, sub))
	if r.err != nil || n == 0 {
		return ""
	}
	if n > r.Remaining()/2 {
		r.fail(field, ErrTruncated)
		return ""
	}
	raw := r.take(field, n*2)
	r.pad(2 * (n & 1))
	words := make([]uint16, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	for i, w := range words {
		if w == 0 {
			words = words[:i]
			break
		}
	}
	return string(utf16.Decode(words))
}

// VarASCII reads a magic-prefixed ASCII string. Non-ASCII bytes are dropped.
func (r *Reader) VarASCII(field string, xor, sub uint32) string {
	n := int(r.magic(field, xor, sub))
	if r.err != nil || n == 0 {
		return ""
	}
	raw := r.take(field, n)
	r.pad(3 - ((n - 1) & 3))
	out := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		if c < 0x80 {
			out = append(out, c)
		}
	}
	return string(out)
}
