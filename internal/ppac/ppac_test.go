package ppac

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

func sample() []protocol.Packet {
	return []protocol.Packet{
		&protocol.ServerPing{},
		&protocol.LobbyMonitor{VideoID: 7},
		&protocol.ClientPing{Time: protocol.PSOTime(1700000000000)},
	}
}

func writeCapture(t *testing.T, compress bool) ([]byte, []time.Time) {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, protocol.Classic, compress)
	require.NoError(t, err)

	var times []time.Time
	base := time.Unix(1700000000, 123456789)
	for i, p := range sample() {
		ts := base.Add(time.Duration(i) * time.Second)
		dir := ToServer
		if i%2 == 1 {
			dir = ToClient
		}
		require.NoError(t, w.WritePacket(ts, dir, p))
		times = append(times, ts)
	}
	require.NoError(t, w.Close())
	return buf.Bytes(), times
}

func TestRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		data, times := writeCapture(t, compress)
		assert.Equal(t, []byte("PPAC"), data[:4])
		assert.Equal(t, uint8(MaxVersion), data[4])
		assert.Equal(t, uint8(0), data[5])

		r, err := Open(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, protocol.Classic, r.PacketType())

		for i, want := range sample() {
			rec, err := r.Read()
			require.NoError(t, err)
			assert.Equal(t, want, rec.Packet)
			assert.True(t, times[i].Equal(rec.Time))
			assert.Equal(t, Direction(i%2), rec.Direction)
			assert.Equal(t, protocol.Classic, rec.PacketType)
			assert.Equal(t, Ok, rec.Result())
		}
		_, err = r.Read()
		assert.Equal(t, io.EOF, err)
		r.Close()
	}
}

func TestMultiFrameRecordSplits(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, protocol.NGS, false)
	require.NoError(t, err)
	ts := time.Unix(10, 0)
	joined := protocol.EncodeAll(sample(), protocol.NGS)
	require.NoError(t, w.WriteDataUnchecked(ts, ToClient, joined))
	require.NoError(t, w.Close())

	r, err := Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	r.SetOutputType(OutputBoth)

	for _, want := range sample() {
		rec, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, want, rec.Packet)
		assert.Equal(t, protocol.Encode(want, protocol.NGS), rec.Data)
		assert.Equal(t, ToClient, rec.Direction)
		assert.True(t, ts.Equal(rec.Time))
	}
	_, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestWriteDataSplitsFrames(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, protocol.NGS, false)
	require.NoError(t, err)
	require.NoError(t, w.WriteData(time.Unix(1, 0), ToServer, protocol.EncodeAll(sample(), protocol.NGS)))

	r, err := Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	r.SetOutputType(OutputRaw)
	count := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Nil(t, rec.Packet)
		assert.Equal(t, RawOnly, rec.Result())
		count++
	}
	assert.Equal(t, 3, count)

	err = w.WriteData(time.Unix(1, 0), ToServer, []byte{0x40, 0, 0, 0, 1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrCorruptedPacket)
}

func TestParseErrorUnderBoth(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, protocol.NGS, false)
	require.NoError(t, err)
	// ClientPong with a truncated body
	bad := []byte{0x0C, 0, 0, 0, 0, 0x11, 0x0E, 0, 1, 2, 3, 4}
	require.NoError(t, w.WriteDataUnchecked(time.Unix(1, 0), ToServer, bad))

	r, err := Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	r.SetOutputType(OutputBoth)
	rec, err := r.Read()
	require.NoError(t, err)
	assert.Error(t, rec.ParseError)
	assert.Nil(t, rec.Packet)
	assert.Equal(t, bad, rec.Data)
	assert.Equal(t, RawOnly, rec.Result())
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(bytes.NewReader([]byte("NOPE\x04")))
	assert.ErrorIs(t, err, ErrInvalidFile)

	_, err = Open(bytes.NewReader([]byte("PP")))
	assert.ErrorIs(t, err, ErrInvalidFile)

	_, err = Open(bytes.NewReader([]byte("PPAC\x05")))
	var ve *UnsupportedVersionError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, uint8(5), ve.Version)

	_, err = Open(bytes.NewReader([]byte("PPAC\x03\x09")))
	var te *InvalidPacketTypeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, uint8(9), te.Value)

	_, err = NewWriter(&bytes.Buffer{}, protocol.Raw, false)
	assert.ErrorAs(t, err, &te)
}

func TestOldVersions(t *testing.T) {
	frame := protocol.Encode(&protocol.ServerPong{}, protocol.NGS)

	// version 1: seconds, no protocol byte, implies NGS
	var v1 bytes.Buffer
	v1.WriteString("PPAC\x01")
	binary.Write(&v1, binary.LittleEndian, uint64(42))
	v1.WriteByte(1)
	binary.Write(&v1, binary.LittleEndian, uint64(len(frame)))
	v1.Write(frame)

	r, err := Open(&v1)
	require.NoError(t, err)
	assert.Equal(t, protocol.NGS, r.PacketType())
	rec, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.Time.Unix())
	assert.Equal(t, ToClient, rec.Direction)
	assert.Equal(t, "ServerPong", rec.Packet.Name())
	_, err = r.Read()
	assert.Equal(t, io.EOF, err)

	// version 2: nanoseconds
	var v2 bytes.Buffer
	v2.WriteString("PPAC\x02")
	binary.Write(&v2, binary.LittleEndian, uint64(5_000_000_001))
	binary.Write(&v2, binary.LittleEndian, uint64(0))
	v2.WriteByte(0)
	binary.Write(&v2, binary.LittleEndian, uint64(len(frame)))
	v2.Write(frame)

	r, err = Open(&v2)
	require.NoError(t, err)
	rec, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000_001), rec.Time.UnixNano())
}

func TestTruncatedRecordIsNotEOF(t *testing.T) {
	data, _ := writeCapture(t, false)
	r, err := Open(bytes.NewReader(data[:len(data)-3]))
	require.NoError(t, err)
	_, err = r.Read()
	require.NoError(t, err)
	_, err = r.Read()
	require.NoError(t, err)
	_, err = r.Read()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestChangePacketType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.ppac")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := NewWriter(f, protocol.NGS, false)
	require.NoError(t, err)
	require.NoError(t, w.WritePacket(time.Unix(1, 0), ToServer, &protocol.ServerPing{}))
	require.NoError(t, w.ChangePacketType(protocol.JP))
	assert.Equal(t, protocol.JP, w.PacketType())
	require.NoError(t, w.WritePacket(time.Unix(2, 0), ToServer, &protocol.ServerPing{}))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), data[5])

	err = (&Writer{sink: &bytes.Buffer{}}).ChangePacketType(protocol.NGS)
	assert.Error(t, err)
}

func TestEmptyRecordsAreNotWritten(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, protocol.Classic, false)
	require.NoError(t, err)
	ts := time.Unix(3, 0)

	require.NoError(t, w.WritePacket(ts, ToServer, &protocol.None{}))
	require.NoError(t, w.WritePacket(ts, ToServer, nil))
	assert.ErrorIs(t, w.WriteDataUnchecked(ts, ToServer, nil), ErrCorruptedPacket)
	assert.ErrorIs(t, w.WriteDataUnchecked(ts, ToServer, []byte{}), ErrCorruptedPacket)
	assert.Len(t, buf.Bytes(), 7)

	require.NoError(t, w.WritePacket(ts, ToClient, &protocol.ServerPing{}))
	require.NoError(t, w.Close())

	r, err := Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	rec, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, &protocol.ServerPing{}, rec.Packet)
	_, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestWriteRejectsBadFrames(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, protocol.Classic, false)
	require.NoError(t, err)
	ts := time.Unix(4, 0)

	assert.ErrorIs(t, w.WriteData(ts, ToServer, []byte{0x06, 0, 0, 0, 1, 2}), ErrCorruptedPacket)
	assert.ErrorIs(t, w.WriteData(ts, ToServer, []byte{0x04, 0, 0, 0, 1, 2, 3, 4}), ErrCorruptedPacket)

	wide := &protocol.Unknown{Header: protocol.Header{ID: 0x11, SubID: 0x100}}
	assert.ErrorIs(t, w.WritePacket(ts, ToServer, wide), protocol.ErrSubIDRange)
	assert.Len(t, buf.Bytes(), 7)
}
