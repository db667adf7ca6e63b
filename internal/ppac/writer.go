package ppac

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

// Writer appends records to a capture. Records are never rewritten; only
// the protocol byte of the header can change afterwards.
type Writer struct {
	sink       io.Writer
	w          io.Writer
	enc        *zstd.Encoder
	packetType protocol.PacketType
	closed     bool
}

// NewWriter writes a version 4 header for t to w. With compress set the
// records go through a single zstd stream that is finished by Close.
func NewWriter(w io.Writer, t protocol.PacketType, compress bool) (*Writer, error) {
	code, err := typeCode(t)
	if err != nil {
		return nil, err
	}
	flag := uint8(0)
	if compress {
		flag = 1
	}
	header := append(magic[:], MaxVersion, code, flag)
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	pw := &Writer{sink: w, w: w, packetType: t}
	if compress {
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to start zstd stream: %w", err)
		}
		pw.enc = enc
		pw.w = enc
	}
	return pw, nil
}

// PacketType returns the protocol packets are encoded with.
func (pw *Writer) PacketType() protocol.PacketType { return pw.packetType }

// WriteData stores every frame of buf as its own record.
func (pw *Writer) WriteData(ts time.Time, dir Direction, buf []byte) error {
	frames, err := protocol.SplitFrames(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedPacket, err)
	}
	for _, f := range frames {
		if err := pw.WriteDataUnchecked(ts, dir, f); err != nil {
			return err
		}
	}
	return nil
}

// WriteDataUnchecked stores buf as one record without splitting it. An
// empty buf is rejected: a record always carries data.
func (pw *Writer) WriteDataUnchecked(ts time.Time, dir Direction, buf []byte) error {
	if pw.closed {
		return errors.New("ppac: write on closed writer")
	}
	if len(buf) == 0 {
		return fmt.Errorf("%w: empty record", ErrCorruptedPacket)
	}
	var head [25]byte
	binary.LittleEndian.PutUint64(head[:8], uint64(ts.UnixNano()))
	head[16] = uint8(dir)
	binary.LittleEndian.PutUint64(head[17:], uint64(len(buf)))
	if _, err := pw.w.Write(head[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := pw.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write record payload: %w", err)
	}
	return nil
}

// WritePacket encodes p with the writer's protocol and stores it. None
// writes nothing.
func (pw *Writer) WritePacket(ts time.Time, dir Direction, p protocol.Packet) error {
	if protocol.IsEmpty(p) {
		return nil
	}
	if err := protocol.CheckHeader(p, pw.packetType); err != nil {
		return err
	}
	return pw.WriteDataUnchecked(ts, dir, protocol.Encode(p, pw.packetType))
}

// ChangePacketType rewrites the protocol byte of the header. The sink must
// be an io.WriteSeeker.
func (pw *Writer) ChangePacketType(t protocol.PacketType) error {
	code, err := typeCode(t)
	if err != nil {
		return err
	}
	ws, ok := pw.sink.(io.WriteSeeker)
	if !ok {
		return errors.New("ppac: sink does not support seeking")
	}
	pos, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := ws.Seek(5, io.SeekStart); err != nil {
		return err
	}
	if _, err := ws.Write([]byte{code}); err != nil {
		return err
	}
	if _, err := ws.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	pw.packetType = t
	return nil
}

// Close finishes the zstd stream. It does not close the sink.
func (pw *Writer) Close() error {
	if pw.closed {
		return nil
	}
	pw.closed = true
	if pw.enc != nil {
		return pw.enc.Close()
	}
	return nil
}
