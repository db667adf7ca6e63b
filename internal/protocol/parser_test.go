package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeaderLayouts(t *testing.T) {
	p := &LobbyMonitor{VideoID: 7}

	ngs := Encode(p, NGS)
	assert.Equal(t, []byte{0x0C, 0, 0, 0, 0x00, 0x19, 0x0F, 0x00, 0x07, 0, 0, 0}, ngs)

	classic := Encode(p, Classic)
	assert.Equal(t, []byte{0x0C, 0, 0, 0, 0x19, 0x0F, 0x00, 0x00, 0x07, 0, 0, 0}, classic)
}

func TestRoundTrip(t *testing.T) {
	packets := []Packet{
		&InitialLoad{},
		&ServerPing{},
		&MapLoaded{MapObject: ObjectHeader{ID: 1, EntityType: EntityMap}, Unk: [0x20]byte{1, 2, 3}},
		&SetPlayerID{PlayerID: 1234, Unk1: 5, Unk2: 6},
		&ChatMessage{Object: ObjectHeader{ID: 9, EntityType: EntityPlayer}, Channel: ChannelParty, Unk7: "", Message: "hello ✨ world"},
		&EncryptionRequest{RSAData: []byte{0xAA, 0xBB, 0xCC}},
		&EncryptionResponse{Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		&ClientPing{Time: 1_700_000_000_123},
		&ClientPong{ClientTime: 1, ServerTime: 2, Unk1: 3},
		&LobbyMonitor{VideoID: 99},
		&SaveSettings{Settings: "Graphics=1\nSound=0"},
		&LoadSettings{Settings: "x"},
		&MissionListRequest{},
	}
	for _, pt := range []PacketType{NGS, Classic, NA, JP, Vita} {
		for _, p := range packets {
			t.Run(pt.String()+"/"+p.Name(), func(t *testing.T) {
				data := Encode(p, pt)
				require.Zero(t, len(data)%4, "frames are padded to four bytes")
				assert.Equal(t, len(data), FrameLength(data))

				out, err := Decode(data, pt)
				require.NoError(t, err)
				require.Len(t, out, 1)
				assert.Equal(t, p, out[0])
			})
		}
	}
}

func TestBaseOnlyVariantsAreUnknownOnNGS(t *testing.T) {
	hello := &ServerHello{Unk1: 3, BlockID: 201, Unk2: 4}
	data := Encode(hello, Classic)

	out, err := Decode(data, Classic)
	require.NoError(t, err)
	assert.Equal(t, hello, out[0])

	ngs := Encode(hello, NGS)
	out, err = Decode(ngs, NGS)
	require.NoError(t, err)
	u, ok := out[0].(*Unknown)
	require.True(t, ok)
	assert.Equal(t, uint8(0x03), u.Header.ID)
	assert.Equal(t, uint16(0x08), u.Header.SubID)
}

func TestChatMessageNGSFields(t *testing.T) {
	msg := &ChatMessage{Unk5: 11, Unk6: 12, Message: "hi"}

	out, err := DecodeOne(Encode(msg, NGS), NGS)
	require.NoError(t, err)
	assert.Equal(t, msg, out)

	out, err = DecodeOne(Encode(msg, JP), JP)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), out.(*ChatMessage).Unk5)
	assert.Equal(t, "hi", out.(*ChatMessage).Message)
}

func TestUnknownIsByteExact(t *testing.T) {
	frame := []byte{0x10, 0, 0, 0, 0x44, 0x77, 0x01, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}
	out, err := Decode(frame, NGS)
	require.NoError(t, err)
	require.Len(t, out, 1)

	u, ok := out[0].(*Unknown)
	require.True(t, ok)
	assert.Equal(t, Header{ID: 0x77, SubID: 1, Flags: FlagPacked | FlagObjectRelated}, u.Header)
	assert.Equal(t, frame, Encode(u, NGS))
}

func TestDecodeMultipleFrames(t *testing.T) {
	data := EncodeAll([]Packet{&ServerPing{}, &LobbyMonitor{VideoID: 1}, &ServerPong{}}, NA)
	data = append(data, 0, 0) // short tail is ignored

	out, err := Decode(data, NA)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "ServerPing", out[0].Name())
	assert.Equal(t, "LobbyMonitor", out[1].Name())
	assert.Equal(t, "ServerPong", out[2].Name())
}

func TestDecodeErrors(t *testing.T) {
	t.Run("truncated frame", func(t *testing.T) {
		data := Encode(&LobbyMonitor{}, NGS)
		_, err := Decode(data[:len(data)-1], NGS)

		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "length", de.Field)
		assert.Equal(t, 0, de.Offset)
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("short length", func(t *testing.T) {
		_, err := Decode([]byte{5, 0, 0, 0, 1, 2, 3, 4}, NGS)
		assert.ErrorIs(t, err, ErrFrameLength)
	})

	t.Run("truncated field", func(t *testing.T) {
		// ClientPong header with only eight body bytes
		frame := []byte{0x10, 0, 0, 0, 0x00, 0x11, 0x0E, 0x00, 0x64, 0x88, 0x64, 0xE9, 0x95, 0x02, 0, 0}
		_, err := Decode(frame, NGS)

		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "ClientPong", de.Packet)
		assert.Equal(t, "server_time", de.Field)
		assert.Equal(t, 16, de.Offset)
	})

	t.Run("time before epoch", func(t *testing.T) {
		frame := []byte{0x10, 0, 0, 0, 0x00, 0x11, 0x0D, 0x00, 1, 0, 0, 0, 0, 0, 0, 0}
		_, err := Decode(frame, NGS)
		assert.True(t, errors.Is(err, ErrBadTime))
	})

	t.Run("second frame offset", func(t *testing.T) {
		data := Encode(&ServerPing{}, NGS)
		data = append(data, 0x40, 0, 0, 0, 0)
		_, err := Decode(data, NGS)

		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, 8, de.Offset)
	})
}

func TestRawFrames(t *testing.T) {
	data := EncodeAll([]Packet{&LobbyMonitor{VideoID: 5}, &ServerPing{}}, NGS)

	out, err := Decode(data, Raw)
	require.NoError(t, err)
	require.Len(t, out, 2)

	first, ok := out[0].(*RawFrame)
	require.True(t, ok)
	assert.Equal(t, data[:12], first.Data)
	assert.Equal(t, data[:12], Encode(first, Raw))
	assert.Equal(t, "Raw", first.Name())
}

func TestEncryptionRequestWireOrder(t *testing.T) {
	data := Encode(&EncryptionRequest{RSAData: []byte{1, 2, 3}}, NGS)
	require.Len(t, data, 8+rsaBlockSize)
	assert.Equal(t, []byte{3, 2, 1, 0}, data[8:12])
}

func TestSettingsString(t *testing.T) {
	data := Encode(&SaveSettings{Settings: "ab"}, NGS)
	require.Len(t, data, 16)
	assert.Equal(t, Flags(FlagPacked), Flags(data[4]))
	assert.Equal(t, []byte{0x49, 0xCE, 0, 0}, data[8:12])
	assert.Equal(t, []byte{'a', 'b', 0, 0}, data[12:16])

	// non-ASCII characters are dropped on the way out
	out, err := DecodeOne(Encode(&SaveSettings{Settings: "añb"}, NGS), NGS)
	require.NoError(t, err)
	assert.Equal(t, "ab", out.(*SaveSettings).Settings)
}

func TestEncodeNone(t *testing.T) {
	assert.Empty(t, Encode(&None{}, NGS))
	assert.Empty(t, Encode(nil, NGS))

	p, err := DecodeOne(nil, NGS)
	require.NoError(t, err)
	assert.True(t, IsEmpty(p))
}

func TestCloneIsDeep(t *testing.T) {
	orig := &EncryptionResponse{Data: []byte{1, 2, 3}}
	c := Clone(orig).(*EncryptionResponse)
	c.Data[0] = 9

	assert.Equal(t, byte(1), orig.Data[0])
	assert.NotSame(t, orig, c)
}

func TestCategories(t *testing.T) {
	assert.Equal(t, CategoryLogin, CategoryOf(&ClientPing{}))
	assert.Equal(t, CategorySettings, CategoryOf(&SaveSettings{}))
	assert.Equal(t, CategoryUnknown, CategoryOf(&Unknown{}))
	assert.Equal(t, "ARKSMissions", CategoryOf(&MissionListRequest{}).String())
}

func TestPacketTypeText(t *testing.T) {
	for _, name := range []string{"ngs", "classic", "na", "jp", "vita", "raw"} {
		pt, err := ParsePacketType(name)
		require.NoError(t, err)
		text, err := pt.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, name, string(text))
	}
	_, err := ParsePacketType("dreamcast")
	assert.Error(t, err)
}

func TestSplitFramesRejectsSubHeaderLengths(t *testing.T) {
	for length := 4; length < minFrame; length++ {
		data := []byte{byte(length), 0, 0, 0, 1, 2, 3, 4}
		_, err := SplitFrames(data)

		var de *DecodeError
		require.ErrorAs(t, err, &de, "length %d", length)
		assert.Equal(t, "length", de.Field)
		assert.ErrorIs(t, err, ErrFrameLength)
	}

	frames, err := SplitFrames(Encode(&ServerPing{}, NGS))
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestCheckHeaderSubIDWidth(t *testing.T) {
	wide := &Unknown{Header: Header{ID: 1, SubID: 300}}
	for _, pt := range []PacketType{Classic, NA, JP, Vita} {
		assert.ErrorIs(t, CheckHeader(wide, pt), ErrSubIDRange, pt.String())
	}
	assert.NoError(t, CheckHeader(wide, NGS))
	assert.NoError(t, CheckHeader(&Unknown{Header: Header{ID: 1, SubID: 0xFF}}, Classic))
	assert.NoError(t, CheckHeader(&LobbyMonitor{}, Classic))
	assert.NoError(t, CheckHeader(nil, Classic))

	// the low byte is kept when the check is skipped
	frame := Encode(wide, Classic)
	assert.Equal(t, byte(300&0xFF), frame[5])
}
