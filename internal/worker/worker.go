// Package worker bundles the codec and the serializers behind one handle with
// a pending-packet queue and a last-error slot, the shape foreign callers and
// the inspection API use.
package worker

import (
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/serde"
)

const (
	// APIVersion is bumped on incompatible changes to the worker surface.
	APIVersion = 5
	// ProtocolVersion is bumped when packet layouts change.
	ProtocolVersion = 4
)

// Worker converts between wire bytes, packets and serialized packets. It is
// not safe for concurrent use.
type Worker struct {
	packetType protocol.PacketType
	format     serde.Format
	queue      []protocol.Packet
	err        error
}

// New creates a worker for the given packet type and serialized format.
func New(pt protocol.PacketType, f serde.Format) *Worker {
	return &Worker{packetType: pt, format: f}
}

func (w *Worker) PacketType() protocol.PacketType { return w.packetType }

func (w *Worker) SetPacketType(pt protocol.PacketType) { w.packetType = pt }

func (w *Worker) Format() serde.Format { return w.format }

func (w *Worker) SetFormat(f serde.Format) { w.format = f }

// SupportsFormat reports whether f is available.
func (w *Worker) SupportsFormat(f serde.Format) bool { return serde.Supported(f) }

// LastError returns the failure of the most recent fallible call, or nil.
func (w *Worker) LastError() error { return w.err }

// Pending returns the number of queued packets.
func (w *Worker) Pending() int { return len(w.queue) }

func (w *Worker) record(err error) error {
	w.err = err
	return err
}

// RawToPacket decodes raw and returns its first packet; later packets from
// the same buffer are queued. An empty raw pops the queue instead. When
// nothing is available the result is None.
func (w *Worker) RawToPacket(raw []byte) (protocol.Packet, error) {
	if len(raw) == 0 {
		w.err = nil
		return w.pop(), nil
	}
	packets, err := protocol.Decode(raw, w.packetType)
	if err != nil {
		return nil, w.record(err)
	}
	w.err = nil
	w.queue = append(w.queue, packets...)
	return w.pop(), nil
}

func (w *Worker) pop() protocol.Packet {
	if len(w.queue) == 0 {
		return &protocol.None{}
	}
	p := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return p
}

// PacketToRaw encodes p.
func (w *Worker) PacketToRaw(p protocol.Packet) []byte {
	w.err = nil
	return protocol.Encode(p, w.packetType)
}

// PacketToSer serializes p.
func (w *Worker) PacketToSer(p protocol.Packet) ([]byte, error) {
	data, err := serde.Marshal(p, w.format)
	if err != nil {
		return nil, w.record(err)
	}
	w.err = nil
	return data, nil
}

// SerToPacket deserializes data.
func (w *Worker) SerToPacket(data []byte) (protocol.Packet, error) {
	p, err := serde.Unmarshal(data, w.format)
	if err != nil {
		return nil, w.record(err)
	}
	w.err = nil
	return p, nil
}

// ParsePacket converts raw wire bytes straight to the serialized form,
// following the queueing rules of RawToPacket.
func (w *Worker) ParsePacket(raw []byte) ([]byte, error) {
	p, err := w.RawToPacket(raw)
	if err != nil {
		return nil, err
	}
	return w.PacketToSer(p)
}

// CreatePacket converts a serialized packet straight to wire bytes.
func (w *Worker) CreatePacket(data []byte) ([]byte, error) {
	p, err := w.SerToPacket(data)
	if err != nil {
		return nil, err
	}
	if err := protocol.CheckHeader(p, w.packetType); err != nil {
		return nil, w.record(err)
	}
	return w.PacketToRaw(p), nil
}

// ClonePacket returns a deep copy of p.
func (w *Worker) ClonePacket(p protocol.Packet) protocol.Packet { return protocol.Clone(p) }

// IsEmpty reports whether p is the empty packet.
func (w *Worker) IsEmpty(p protocol.Packet) bool { return protocol.IsEmpty(p) }
