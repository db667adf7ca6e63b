package serde

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

var allFormats = []Format{JSON, MessagePack, MessagePackNamed}

func TestRoundTripDecodedPackets(t *testing.T) {
	packets := []protocol.Packet{
		&protocol.LoadingScreenTransition{},
		&protocol.ClientPing{Time: 1_700_000_000_000},
		&protocol.ChatMessage{Object: protocol.ObjectHeader{ID: 4, EntityType: protocol.EntityPlayer}, Message: "yo"},
		&protocol.MapLoaded{Unk: [0x20]byte{9, 8, 7}},
		&protocol.EncryptionResponse{Data: []byte{0xDE, 0xAD}},
		&protocol.SaveSettings{Settings: "a=b"},
	}
	for _, f := range allFormats {
		for _, p := range packets {
			t.Run(f.String()+"/"+p.Name(), func(t *testing.T) {
				// go through the wire first so only decoder output is compared
				decoded, err := protocol.DecodeOne(protocol.Encode(p, protocol.NGS), protocol.NGS)
				require.NoError(t, err)

				data, err := Marshal(decoded, f)
				require.NoError(t, err)

				back, err := Unmarshal(data, f)
				require.NoError(t, err)
				assert.Equal(t, decoded, back)
			})
		}
	}
}

func TestUnknownRoundTrip(t *testing.T) {
	u := &protocol.Unknown{
		Header: protocol.Header{ID: 0x99, SubID: 2, Flags: protocol.FlagPacked},
		Data:   []byte{1, 2, 3, 4},
	}
	for _, f := range allFormats {
		data, err := Marshal(u, f)
		require.NoError(t, err)
		back, err := Unmarshal(data, f)
		require.NoError(t, err)
		assert.Equal(t, u, back, f.String())
	}
}

func TestJSONShape(t *testing.T) {
	data, err := Marshal(&protocol.LoadingScreenTransition{}, JSON)
	require.NoError(t, err)
	assert.JSONEq(t, `"LoadingScreenTransition"`, string(data))

	data, err = Marshal(&protocol.LobbyMonitor{VideoID: 3}, JSON)
	require.NoError(t, err)
	assert.JSONEq(t, `{"LobbyMonitor":{"video_id":3}}`, string(data))
}

func TestUnitVariantInputs(t *testing.T) {
	for _, in := range []string{`"ServerPing"`, `{"ServerPing":null}`, `{"ServerPing":{}}`} {
		p, err := Unmarshal([]byte(in), JSON)
		require.NoError(t, err, in)
		assert.IsType(t, &protocol.ServerPing{}, p)
	}
}

func TestMissingFieldsDefault(t *testing.T) {
	p, err := Unmarshal([]byte(`{"ClientPing":{}}`), JSON)
	require.NoError(t, err)
	assert.Equal(t, &protocol.ClientPing{}, p)

	p, err = Unmarshal([]byte(`{"SetPlayerID":{"player_id":7}}`), JSON)
	require.NoError(t, err)
	assert.Equal(t, &protocol.SetPlayerID{PlayerID: 7}, p)
}

func TestUnknownVariantName(t *testing.T) {
	_, err := Unmarshal([]byte(`{"Invalid":{}}`), JSON)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Invalid", pe.Tag)
	assert.Contains(t, err.Error(), "Invalid")

	data, err := Marshal(&protocol.ServerPong{}, MessagePackNamed)
	require.NoError(t, err)
	data[len(data)-1] = 'x' // ServerPonx
	_, err = Unmarshal(data, MessagePackNamed)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "ServerPonx", pe.Tag)
}

func TestMalformedInput(t *testing.T) {
	for _, in := range []string{``, `[]`, `{"A":{},"B":{}}`, `{"ClientPing":[1]}`} {
		_, err := Unmarshal([]byte(in), JSON)
		var pe *ParseError
		assert.ErrorAs(t, err, &pe, in)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	assert.False(t, Supported(Format(9)))
	_, err := Marshal(&protocol.ServerPing{}, Format(9))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = Unmarshal([]byte(`"ServerPing"`), Format(9))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseFormat(t *testing.T) {
	for _, f := range allFormats {
		got, err := ParseFormat(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	_, err := ParseFormat("yaml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
