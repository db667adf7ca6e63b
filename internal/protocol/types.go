package protocol

import (
	"fmt"
	"strings"
	"time"
)

// PacketType selects the wire layout used by the codec.
type PacketType uint8

const (
	NGS PacketType = iota
	Classic
	NA
	JP
	Vita
	Raw
)

var packetTypeNames = [...]string{"ngs", "classic", "na", "jp", "vita", "raw"}

func (t PacketType) String() string {
	switch t {
	case NGS:
		return "NGS"
	case Classic:
		return "Classic"
	case NA:
		return "NA"
	case JP:
		return "JP"
	case Vita:
		return "Vita"
	case Raw:
		return "Raw"
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// IsNGS reports whether the header uses the NGS layout.
func (t PacketType) IsNGS() bool { return t == NGS }

// IsBase reports whether t is one of the pre-NGS layouts.
func (t PacketType) IsBase() bool {
	return t == Classic || t == NA || t == JP || t == Vita
}

// ParsePacketType accepts the lower-case names used in configs and flags.
func ParsePacketType(s string) (PacketType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range packetTypeNames {
		if s == name {
			return PacketType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown packet type %q", s)
}

func (t PacketType) MarshalText() ([]byte, error) {
	if int(t) >= len(packetTypeNames) {
		return nil, fmt.Errorf("invalid packet type %d", uint8(t))
	}
	return []byte(packetTypeNames[t]), nil
}

func (t *PacketType) UnmarshalText(b []byte) error {
	v, err := ParsePacketType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Flags is the header flag byte.
type Flags uint8

const (
	FlagPacked        Flags = 0x04
	FlagFlag10        Flags = 0x10
	FlagFullMovement  Flags = 0x20
	FlagObjectRelated Flags = 0x40
)

func (f Flags) Has(x Flags) bool { return f&x == x }

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagPacked) {
		parts = append(parts, "packed")
	}
	if f.Has(FlagFlag10) {
		parts = append(parts, "flag10")
	}
	if f.Has(FlagFullMovement) {
		parts = append(parts, "full_movement")
	}
	if f.Has(FlagObjectRelated) {
		parts = append(parts, "object_related")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Header precedes every packet body.
type Header struct {
	ID    uint8  `json:"id"`
	SubID uint16 `json:"subid"`
	Flags Flags  `json:"flags"`
}

// Category groups packets by their id family.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryServer
	CategoryObject
	CategorySpawning
	CategoryQuestList
	CategoryParty
	CategoryItem
	CategoryLogin
	CategoryMail
	CategoryDailyOrders
	CategorySettings
	CategorySymbolArt
	CategoryARKSMissions
	CategoryMissionPass
)

var categoryNames = [...]string{
	"Unknown", "Server", "Object", "Spawning", "QuestList", "Party", "Item",
	"Login", "Mail", "DailyOrders", "Settings", "SymbolArt", "ARKSMissions", "MissionPass",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "Unknown"
}

func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// EntityType identifies what an ObjectHeader points at.
type EntityType uint16

const (
	EntityUnknown   EntityType = 0
	EntityPlayer    EntityType = 4
	EntityMap       EntityType = 5
	EntityObject    EntityType = 6
	EntityUnk1      EntityType = 7
	EntityUnk2      EntityType = 22
	EntityUndefined EntityType = 0xFFFF
)

func entityFromWire(v uint16) EntityType {
	switch e := EntityType(v); e {
	case EntityUnknown, EntityPlayer, EntityMap, EntityObject, EntityUnk1, EntityUnk2:
		return e
	}
	return EntityUndefined
}

// ObjectHeader references an in-game entity.
type ObjectHeader struct {
	ID         uint32     `json:"id"`
	Unk        uint32     `json:"unk"`
	EntityType EntityType `json:"entity_type"`
	Unk2       uint16     `json:"unk2"`
}

func (r *Reader) objectHeader(field string) ObjectHeader {
	return ObjectHeader{
		ID:         r.Uint32(field + ".id"),
		Unk:        r.Uint32(field + ".unk"),
		EntityType: entityFromWire(r.Uint16(field + ".entity_type")),
		Unk2:       r.Uint16(field + ".unk2"),
	}
}

func (b *Builder) objectHeader(h ObjectHeader) {
	b.WriteUint32(h.ID).WriteUint32(h.Unk).WriteUint16(uint16(h.EntityType)).WriteUint16(h.Unk2)
}

// ChatChannel is the channel a chat message was sent to.
type ChatChannel uint8

const (
	ChannelMap ChatChannel = iota
	ChannelParty
	ChannelAlliance
	ChannelWhisper
	ChannelGroup
	ChannelUndefined ChatChannel = 0xFF
)

func channelFromWire(v uint8) ChatChannel {
	if v <= uint8(ChannelGroup) {
		return ChatChannel(v)
	}
	return ChannelUndefined
}

// psoEpoch is the Unix epoch expressed in PSO time.
const psoEpoch = 0x0295_E964_8864

// PSOTime is a timestamp in milliseconds since the Unix epoch.
type PSOTime uint64

// NewPSOTime converts t, truncating to milliseconds.
func NewPSOTime(t time.Time) PSOTime { return PSOTime(t.UnixMilli()) }

func (p PSOTime) Time() time.Time { return time.UnixMilli(int64(p)).UTC() }

func (p PSOTime) String() string { return p.Time().Format(time.RFC3339Nano) }
