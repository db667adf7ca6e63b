// Package protocol implements the PSO2 packet codec: frame splitting, the
// per-version header layouts and the catalog of known packets. All fields are
// little-endian and every frame starts with a 4-byte total length.
package protocol

// Packet is a decoded protocol message. Implementations live in this package
// only; anything the catalog does not know decodes to *Unknown.
type Packet interface {
	// Name is the variant name used by the serialized forms.
	Name() string
	decode(r *Reader, t PacketType)
	encode(b *Builder, t PacketType)
}

// unit is embedded by packets without a body.
type unit struct{}

func (unit) decode(*Reader, PacketType)  {}
func (unit) encode(*Builder, PacketType) {}

// None is the empty packet. It encodes to nothing.
type None struct{ unit }

func (*None) Name() string { return "None" }

// Unknown carries a frame whose (id, subid) has no catalog entry.
type Unknown struct {
	Header Header `json:"header"`
	Data   []byte `json:"data"`
}

func (*Unknown) Name() string                     { return "Unknown" }
func (p *Unknown) decode(r *Reader, _ PacketType) { p.Data = r.Rest() }
func (p *Unknown) encode(b *Builder, _ PacketType) { b.WriteBytes(p.Data) }

// RawFrame is a whole undecoded frame, length prefix included. It is only
// produced when decoding with the Raw packet type.
type RawFrame struct {
	Data []byte `json:"data"`
}

func (*RawFrame) Name() string                     { return "Raw" }
func (p *RawFrame) decode(r *Reader, _ PacketType) { p.Data = r.Rest() }
func (p *RawFrame) encode(b *Builder, _ PacketType) {
	if len(p.Data) >= 4 {
		b.WriteBytes(p.Data[4:])
	}
}

// ---- 0x03 server ----

type InitialLoad struct{ unit }

func (*InitialLoad) Name() string { return "InitialLoad" }

type LoadingScreenTransition struct{ unit }

func (*LoadingScreenTransition) Name() string { return "LoadingScreenTransition" }

// ServerHello (0x03, 0x08) is the first packet a block server sends.
type ServerHello struct {
	Unk1    uint16 `json:"unk1"`
	BlockID uint16 `json:"blockid"`
	Unk2    uint32 `json:"unk2"`
}

func (*ServerHello) Name() string { return "ServerHello" }

func (p *ServerHello) decode(r *Reader, _ PacketType) {
	p.Unk1 = r.Uint16("unk1")
	r.Skip("unk1", 4)
	p.BlockID = r.Uint16("blockid")
	p.Unk2 = r.Uint32("unk2")
}

func (p *ServerHello) encode(b *Builder, _ PacketType) {
	b.WriteUint16(p.Unk1).WriteZeros(4).WriteUint16(p.BlockID).WriteUint32(p.Unk2)
}

type ServerPing struct{ unit }

func (*ServerPing) Name() string { return "ServerPing" }

type ServerPong struct{ unit }

func (*ServerPong) Name() string { return "ServerPong" }

// MapLoaded (0x03, 0x10) is sent by the client once a map finished loading.
type MapLoaded struct {
	MapObject ObjectHeader `json:"map_object"`
	Unk       [0x20]byte   `json:"unk"`
}

func (*MapLoaded) Name() string { return "MapLoaded" }

func (p *MapLoaded) decode(r *Reader, _ PacketType) {
	p.MapObject = r.objectHeader("map_object")
	r.Fixed("unk", p.Unk[:])
}

func (p *MapLoaded) encode(b *Builder, _ PacketType) {
	b.objectHeader(p.MapObject)
	b.WriteBytes(p.Unk[:])
}

type FinishLoading struct{ unit }

func (*FinishLoading) Name() string { return "FinishLoading" }

type UnlockControls struct{ unit }

func (*UnlockControls) Name() string { return "UnlockControls" }

// ---- 0x06, 0x07, 0x10 ----

// SetPlayerID (0x06, 0x00) tells the client its own player id.
type SetPlayerID struct {
	PlayerID uint32 `json:"player_id"`
	Unk1     uint32 `json:"unk1"`
	Unk2     uint32 `json:"unk2"`
}

func (*SetPlayerID) Name() string { return "SetPlayerID" }

func (p *SetPlayerID) decode(r *Reader, _ PacketType) {
	p.PlayerID = r.Uint32("player_id")
	p.Unk1 = r.Uint32("unk1")
	p.Unk2 = r.Uint32("unk2")
}

func (p *SetPlayerID) encode(b *Builder, _ PacketType) {
	b.WriteUint32(p.PlayerID).WriteUint32(p.Unk1).WriteUint32(p.Unk2)
}

const chatXor, chatSub = 0x9D3F, 0x44

// ChatMessage (0x07, 0x00). Unk5 and Unk6 exist on NGS only.
type ChatMessage struct {
	Object  ObjectHeader `json:"object"`
	Channel ChatChannel  `json:"channel"`
	Unk3    uint8        `json:"unk3"`
	Unk4    uint16       `json:"unk4"`
	Unk5    uint16       `json:"unk5"`
	Unk6    uint16       `json:"unk6"`
	Unk7    string       `json:"unk7"`
	Message string       `json:"message"`
}

func (*ChatMessage) Name() string { return "ChatMessage" }

func (p *ChatMessage) decode(r *Reader, t PacketType) {
	p.Object = r.objectHeader("object")
	p.Channel = channelFromWire(r.Uint8("channel"))
	p.Unk3 = r.Uint8("unk3")
	p.Unk4 = r.Uint16("unk4")
	if t.IsNGS() {
		p.Unk5 = r.Uint16("unk5")
		p.Unk6 = r.Uint16("unk6")
	}
	p.Unk7 = r.VarUTF16("unk7", chatXor, chatSub)
	p.Message = r.VarUTF16("message", chatXor, chatSub)
}

func (p *ChatMessage) encode(b *Builder, t PacketType) {
	b.objectHeader(p.Object)
	b.WriteByte(byte(p.Channel)).WriteByte(p.Unk3).WriteUint16(p.Unk4)
	if t.IsNGS() {
		b.WriteUint16(p.Unk5).WriteUint16(p.Unk6)
	}
	b.WriteVarUTF16(p.Unk7, chatXor, chatSub)
	b.WriteVarUTF16(p.Message, chatXor, chatSub)
}

// RunLua (0x10, 0x00) asks the client to execute a Lua snippet.
type RunLua struct {
	Unk1 uint16 `json:"unk1"`
	Unk2 uint16 `json:"unk2"`
	Lua  string `json:"lua"`
}

func (*RunLua) Name() string { return "RunLua" }

func (p *RunLua) decode(r *Reader, _ PacketType) {
	p.Unk1 = r.Uint16("unk1")
	p.Unk2 = r.Uint16("unk2")
	p.Lua = r.VarASCII("lua", 0, 0)
}

func (p *RunLua) encode(b *Builder, _ PacketType) {
	b.WriteUint16(p.Unk1).WriteUint16(p.Unk2).WriteVarASCII(p.Lua, 0, 0)
}

// ---- 0x11 login ----

type CharacterListRequest struct{ unit }

func (*CharacterListRequest) Name() string { return "CharacterListRequest" }

// rsaBlockSize is the padded size of the key exchange blob.
const rsaBlockSize = 0x104

// EncryptionRequest (0x11, 0x0B) carries the RSA-encrypted session key.
// RSAData is big-endian; on the wire it is reversed and zero padded.
type EncryptionRequest struct {
	RSAData []byte `json:"rsa_data"`
}

func (*EncryptionRequest) Name() string { return "EncryptionRequest" }

func (p *EncryptionRequest) decode(r *Reader, _ PacketType) {
	data := r.Rest()
	// drop the four trailing pad bytes, then the zero fill
	end := len(data) - 4
	for end > 0 && data[end-1] == 0 {
		end--
	}
	if end <= 0 {
		p.RSAData = nil
		return
	}
	out := make([]byte, end)
	for i := range out {
		out[i] = data[end-1-i]
	}
	p.RSAData = out
}

func (p *EncryptionRequest) encode(b *Builder, _ PacketType) {
	data := make([]byte, rsaBlockSize)
	n := len(p.RSAData)
	for i := 0; i < min(n, rsaBlockSize); i++ {
		data[i] = p.RSAData[n-1-i]
	}
	b.WriteBytes(data)
}

// EncryptionResponse (0x11, 0x0C) echoes the negotiated secret.
type EncryptionResponse struct {
	Data []byte `json:"data"`
}

func (*EncryptionResponse) Name() string                     { return "EncryptionResponse" }
func (p *EncryptionResponse) decode(r *Reader, _ PacketType) { p.Data = r.Rest() }
func (p *EncryptionResponse) encode(b *Builder, _ PacketType) { b.WriteBytes(p.Data) }

// ClientPing (0x11, 0x0D).
type ClientPing struct {
	Time PSOTime `json:"time"`
}

func (*ClientPing) Name() string                     { return "ClientPing" }
func (p *ClientPing) decode(r *Reader, _ PacketType) { p.Time = r.PSOTime("time") }
func (p *ClientPing) encode(b *Builder, _ PacketType) { b.WritePSOTime(p.Time) }

// ClientPong (0x11, 0x0E).
type ClientPong struct {
	ClientTime PSOTime `json:"client_time"`
	ServerTime PSOTime `json:"server_time"`
	Unk1       uint32  `json:"unk1"`
}

func (*ClientPong) Name() string { return "ClientPong" }

func (p *ClientPong) decode(r *Reader, _ PacketType) {
	p.ClientTime = r.PSOTime("client_time")
	p.ServerTime = r.PSOTime("server_time")
	p.Unk1 = r.Uint32("unk1")
}

func (p *ClientPong) encode(b *Builder, _ PacketType) {
	b.WritePSOTime(p.ClientTime).WritePSOTime(p.ServerTime).WriteUint32(p.Unk1)
}

type BlockListRequest struct{ unit }

func (*BlockListRequest) Name() string { return "BlockListRequest" }

type ClientGoodbye struct{ unit }

func (*ClientGoodbye) Name() string { return "ClientGoodbye" }

// ---- 0x19, 0x1A ----

// LobbyMonitor (0x19, 0x0F) selects the video shown on lobby screens.
type LobbyMonitor struct {
	VideoID uint32 `json:"video_id"`
}

func (*LobbyMonitor) Name() string                     { return "LobbyMonitor" }
func (p *LobbyMonitor) decode(r *Reader, _ PacketType) { p.VideoID = r.Uint32("video_id") }
func (p *LobbyMonitor) encode(b *Builder, _ PacketType) { b.WriteUint32(p.VideoID) }

type NewMailMarker struct{ unit }

func (*NewMailMarker) Name() string { return "NewMailMarker" }

// ---- 0x2B settings ----

type SettingsRequest struct{ unit }

func (*SettingsRequest) Name() string { return "SettingsRequest" }

// SaveSettings (0x2B, 0x01) uploads the client settings blob.
type SaveSettings struct {
	Settings string `json:"settings"`
}

func (*SaveSettings) Name() string { return "SaveSettings" }

func (p *SaveSettings) decode(r *Reader, _ PacketType) {
	p.Settings = r.VarASCII("settings", 0xCEF1, 0xB5)
}

func (p *SaveSettings) encode(b *Builder, _ PacketType) {
	b.WriteVarASCII(p.Settings, 0xCEF1, 0xB5)
}

// LoadSettings (0x2B, 0x02) returns the stored settings blob.
type LoadSettings struct {
	Settings string `json:"settings"`
}

func (*LoadSettings) Name() string { return "LoadSettings" }

func (p *LoadSettings) decode(r *Reader, _ PacketType) {
	p.Settings = r.VarASCII("settings", 0x54AF, 0x100)
}

func (p *LoadSettings) encode(b *Builder, _ PacketType) {
	b.WriteVarASCII(p.Settings, 0x54AF, 0x100)
}

// ---- 0x2F, 0x4A ----

type SymbolArtListRequest struct{ unit }

func (*SymbolArtListRequest) Name() string { return "SymbolArtListRequest" }

type MissionListRequest struct{ unit }

func (*MissionListRequest) Name() string { return "MissionListRequest" }
