package protocol

import (
	"reflect"
	"sort"
)

// availability restricts a catalog entry to some packet types.
type availability uint8

const (
	onAll availability = iota
	onBase
	onNGS
)

type entry struct {
	name     string
	id       uint8
	subid    uint16
	flags    Flags
	on       availability
	category Category
	unit     bool
	new      func() Packet
}

var catalog = []entry{
	{name: "InitialLoad", id: 0x03, subid: 0x03, category: CategoryServer, unit: true, new: func() Packet { return &InitialLoad{} }},
	{name: "LoadingScreenTransition", id: 0x03, subid: 0x04, category: CategoryServer, unit: true, new: func() Packet { return &LoadingScreenTransition{} }},
	{name: "ServerHello", id: 0x03, subid: 0x08, on: onBase, category: CategoryServer, new: func() Packet { return &ServerHello{} }},
	{name: "ServerPing", id: 0x03, subid: 0x0B, category: CategoryServer, unit: true, new: func() Packet { return &ServerPing{} }},
	{name: "ServerPong", id: 0x03, subid: 0x0C, category: CategoryServer, unit: true, new: func() Packet { return &ServerPong{} }},
	{name: "MapLoaded", id: 0x03, subid: 0x10, category: CategoryServer, new: func() Packet { return &MapLoaded{} }},
	{name: "FinishLoading", id: 0x03, subid: 0x23, category: CategoryServer, unit: true, new: func() Packet { return &FinishLoading{} }},
	{name: "UnlockControls", id: 0x03, subid: 0x2B, category: CategoryServer, unit: true, new: func() Packet { return &UnlockControls{} }},

	{name: "SetPlayerID", id: 0x06, subid: 0x00, new: func() Packet { return &SetPlayerID{} }},
	{name: "ChatMessage", id: 0x07, subid: 0x00, flags: FlagPacked | FlagObjectRelated, new: func() Packet { return &ChatMessage{} }},
	{name: "RunLua", id: 0x10, subid: 0x00, on: onBase, new: func() Packet { return &RunLua{} }},

	{name: "CharacterListRequest", id: 0x11, subid: 0x02, category: CategoryLogin, unit: true, new: func() Packet { return &CharacterListRequest{} }},
	{name: "EncryptionRequest", id: 0x11, subid: 0x0B, category: CategoryLogin, new: func() Packet { return &EncryptionRequest{} }},
	{name: "EncryptionResponse", id: 0x11, subid: 0x0C, category: CategoryLogin, new: func() Packet { return &EncryptionResponse{} }},
	{name: "ClientPing", id: 0x11, subid: 0x0D, category: CategoryLogin, new: func() Packet { return &ClientPing{} }},
	{name: "ClientPong", id: 0x11, subid: 0x0E, category: CategoryLogin, new: func() Packet { return &ClientPong{} }},
	{name: "BlockListRequest", id: 0x11, subid: 0x0F, category: CategoryLogin, unit: true, new: func() Packet { return &BlockListRequest{} }},
	{name: "ClientGoodbye", id: 0x11, subid: 0x2B, category: CategoryLogin, unit: true, new: func() Packet { return &ClientGoodbye{} }},

	{name: "LobbyMonitor", id: 0x19, subid: 0x0F, new: func() Packet { return &LobbyMonitor{} }},
	{name: "NewMailMarker", id: 0x1A, subid: 0x0D, category: CategoryMail, unit: true, new: func() Packet { return &NewMailMarker{} }},

	{name: "SettingsRequest", id: 0x2B, subid: 0x00, category: CategorySettings, unit: true, new: func() Packet { return &SettingsRequest{} }},
	{name: "SaveSettings", id: 0x2B, subid: 0x01, flags: FlagPacked, category: CategorySettings, new: func() Packet { return &SaveSettings{} }},
	{name: "LoadSettings", id: 0x2B, subid: 0x02, flags: FlagPacked, category: CategorySettings, new: func() Packet { return &LoadSettings{} }},

	{name: "SymbolArtListRequest", id: 0x2F, subid: 0x06, category: CategorySymbolArt, unit: true, new: func() Packet { return &SymbolArtListRequest{} }},
	{name: "MissionListRequest", id: 0x4A, subid: 0x00, category: CategoryARKSMissions, unit: true, new: func() Packet { return &MissionListRequest{} }},
}

type dispatchKey struct {
	id    uint8
	subid uint16
	ngs   bool
}

var (
	byKey  = map[dispatchKey]*entry{}
	byName = map[string]*entry{}
)

func init() {
	for i := range catalog {
		e := &catalog[i]
		byName[e.name] = e
		if e.on != onNGS {
			byKey[dispatchKey{e.id, e.subid, false}] = e
		}
		if e.on != onBase {
			byKey[dispatchKey{e.id, e.subid, true}] = e
		}
	}
}

func lookup(h Header, t PacketType) *entry {
	return byKey[dispatchKey{h.ID, h.SubID, t.IsNGS()}]
}

// Variant describes a catalog entry.
type Variant struct {
	Name     string   `json:"name"`
	ID       uint8    `json:"id"`
	SubID    uint16   `json:"subid"`
	Category Category `json:"category"`
	Types    []string `json:"types"`
	Unit     bool     `json:"unit"`
	Flags    Flags    `json:"flags"`
}

// Variants lists the catalog in (id, subid) order.
func Variants() []Variant {
	out := make([]Variant, 0, len(catalog))
	for _, e := range catalog {
		var types []string
		switch e.on {
		case onBase:
			types = []string{"classic", "na", "jp", "vita"}
		case onNGS:
			types = []string{"ngs"}
		default:
			types = []string{"ngs", "classic", "na", "jp", "vita"}
		}
		out = append(out, Variant{
			Name: e.name, ID: e.id, SubID: e.subid, Category: e.category,
			Types: types, Unit: e.unit, Flags: e.flags,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].SubID < out[j].SubID
	})
	return out
}

// New returns a zero value of the named variant. The special variants None,
// Unknown and Raw are included.
func New(name string) (Packet, bool) {
	switch name {
	case "None":
		return &None{}, true
	case "Unknown":
		return &Unknown{}, true
	case "Raw":
		return &RawFrame{}, true
	}
	e, ok := byName[name]
	if !ok {
		return nil, false
	}
	return e.new(), true
}

// IsUnit reports whether the named variant has no fields.
func IsUnit(name string) bool {
	if name == "None" {
		return true
	}
	e, ok := byName[name]
	return ok && e.unit
}

// CategoryOf returns the category of p.
func CategoryOf(p Packet) Category {
	if e, ok := byName[p.Name()]; ok {
		return e.category
	}
	return CategoryUnknown
}

// HeaderOf returns the header p is written with.
func HeaderOf(p Packet) (Header, bool) {
	if u, ok := p.(*Unknown); ok {
		return u.Header, true
	}
	e, ok := byName[p.Name()]
	if !ok {
		return Header{}, false
	}
	return Header{ID: e.id, SubID: e.subid, Flags: e.flags}, true
}

// IsEmpty reports whether p is the empty packet.
func IsEmpty(p Packet) bool {
	if p == nil {
		return true
	}
	_, ok := p.(*None)
	return ok
}

// Clone returns a deep copy of p.
func Clone(p Packet) Packet {
	if p == nil {
		return &None{}
	}
	src := reflect.ValueOf(p).Elem()
	dst := reflect.New(src.Type())
	dst.Elem().Set(src)
	out := dst.Interface().(Packet)
	switch v := out.(type) {
	case *Unknown:
		v.Data = cloneBytes(v.Data)
	case *RawFrame:
		v.Data = cloneBytes(v.Data)
	case *EncryptionRequest:
		v.RSAData = cloneBytes(v.RSAData)
	case *EncryptionResponse:
		v.Data = cloneBytes(v.Data)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
