// Package serde converts packets to and from their serialized forms.
//
// Every format uses external tagging: a variant without fields is written as
// its bare name, any other variant as a single-entry map from the variant name
// to its fields.
package serde

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ugorji/go/codec"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

// Format selects a serialized representation.
type Format uint8

const (
	JSON Format = iota
	// MessagePack writes structs as arrays in field order.
	MessagePack
	// MessagePackNamed writes structs as maps keyed by field name.
	MessagePackNamed
)

var formatNames = map[Format]string{
	JSON:             "json",
	MessagePack:      "msgpack",
	MessagePackNamed: "msgpack-named",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// ParseFormat accepts the names printed by String.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range formatNames {
		if s == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

func (f Format) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Format) UnmarshalText(b []byte) error {
	v, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Supported reports whether f can be used with Marshal and Unmarshal.
func Supported(f Format) bool {
	_, ok := formatNames[f]
	return ok
}

// ErrUnsupportedFormat is returned for formats this build cannot handle.
var ErrUnsupportedFormat = errors.New("serde: unsupported format")

// ParseError reports serialized input that does not describe a packet.
type ParseError struct {
	Tag string // variant name found in the input, if any
	Err error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unknown packet variant %q", e.Tag)
	}
	if e.Tag == "" {
		return fmt.Sprintf("parse packet: %v", e.Err)
	}
	return fmt.Sprintf("parse packet %q: %v", e.Tag, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	unnamedHandle = newMsgpackHandle(true)
	namedHandle   = newMsgpackHandle(false)
)

func newMsgpackHandle(asArray bool) *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	h.StructToArray = asArray
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

func handleFor(f Format) *codec.MsgpackHandle {
	if f == MessagePack {
		return unnamedHandle
	}
	return namedHandle
}

// Marshal serializes p in format f.
func Marshal(p protocol.Packet, f Format) ([]byte, error) {
	if !Supported(f) {
		return nil, ErrUnsupportedFormat
	}
	if p == nil {
		p = &protocol.None{}
	}
	var v interface{} = map[string]protocol.Packet{p.Name(): p}
	if protocol.IsUnit(p.Name()) {
		v = p.Name()
	}
	if f == JSON {
		out, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", p.Name(), err)
		}
		return out, nil
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, handleFor(f)).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", p.Name(), err)
	}
	return out, nil
}

// Unmarshal parses data in format f. Fields missing from the input keep
// their zero values.
func Unmarshal(data []byte, f Format) (protocol.Packet, error) {
	if !Supported(f) {
		return nil, ErrUnsupportedFormat
	}
	if f == JSON {
		return unmarshalJSON(data)
	}
	return unmarshalMsgpack(data, handleFor(f))
}

func newVariant(name string) (protocol.Packet, error) {
	p, ok := protocol.New(name)
	if !ok {
		return nil, &ParseError{Tag: name}
	}
	return p, nil
}

func unmarshalJSON(data []byte) (protocol.Packet, error) {
	data = bytes.TrimRight(data, "\x00")
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return newVariant(name)
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, &ParseError{Err: err}
	}
	if len(tagged) != 1 {
		return nil, &ParseError{Err: fmt.Errorf("expected one variant, found %d", len(tagged))}
	}
	for name, body := range tagged {
		p, err := newVariant(name)
		if err != nil {
			return nil, err
		}
		body = bytes.TrimSpace(body)
		if len(body) == 0 || bytes.Equal(body, []byte("null")) {
			return p, nil
		}
		if protocol.IsUnit(name) {
			if !bytes.HasPrefix(body, []byte("{")) {
				return nil, &ParseError{Tag: name, Err: errors.New("unit variant takes no fields")}
			}
			return p, nil
		}
		if err := json.Unmarshal(body, p); err != nil {
			return nil, &ParseError{Tag: name, Err: err}
		}
		return p, nil
	}
	return nil, &ParseError{Err: errors.New("empty input")}
}

func unmarshalMsgpack(data []byte, h *codec.MsgpackHandle) (protocol.Packet, error) {
	var v interface{}
	if err := codec.NewDecoderBytes(data, h).Decode(&v); err != nil {
		return nil, &ParseError{Err: err}
	}

	var (
		name string
		body interface{}
	)
	switch t := v.(type) {
	case string:
		return newVariant(t)
	case []byte:
		return newVariant(string(t))
	case map[string]interface{}:
		if len(t) != 1 {
			return nil, &ParseError{Err: fmt.Errorf("expected one variant, found %d", len(t))}
		}
		for k, b := range t {
			name, body = k, b
		}
	default:
		return nil, &ParseError{Err: fmt.Errorf("unexpected %T at top level", v)}
	}

	p, err := newVariant(name)
	if err != nil {
		return nil, err
	}
	if body == nil || protocol.IsUnit(name) {
		return p, nil
	}
	// re-encode the inner value so the codec can bind it to the concrete type
	var inner []byte
	if err := codec.NewEncoderBytes(&inner, h).Encode(body); err != nil {
		return nil, &ParseError{Tag: name, Err: err}
	}
	if err := codec.NewDecoderBytes(inner, h).Decode(p); err != nil {
		return nil, &ParseError{Tag: name, Err: err}
	}
	return p, nil
}
