// Package events defines the proxy's session events and the bus that fans
// them out to telemetry and the capture index.
package events

import (
	"time"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/encryption"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/ppac"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	EventSessionOpened      EventType = "session_opened"
	EventSessionClosed      EventType = "session_closed"
	EventPacketRelayed      EventType = "packet_relayed"
	EventHandshakeCompleted EventType = "handshake_completed"
	EventCaptureRemoved     EventType = "capture_removed"
)

// Event is one notification on the bus.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionOpenedPayload describes a client that was paired with an upstream.
type SessionOpenedPayload struct {
	SessionID   string              `json:"session_id"`
	ClientAddr  string              `json:"client_addr"`
	Upstream    string              `json:"upstream"`
	PacketType  protocol.PacketType `json:"packet_type"`
	CapturePath string              `json:"capture_path,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
}

// SessionClosedPayload ends a session.
type SessionClosedPayload struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Packets   int64     `json:"packets"`
	Bytes     int64     `json:"bytes"`
	EndedAt   time.Time `json:"ended_at"`
}

// PacketRelayedPayload summarizes one packet passed between the peers.
type PacketRelayedPayload struct {
	SessionID string            `json:"session_id"`
	Seq       int64             `json:"seq"`
	Time      time.Time         `json:"time"`
	Direction ppac.Direction    `json:"direction"`
	ID        uint8             `json:"id"`
	SubID     uint16            `json:"subid"`
	Name      string            `json:"name"`
	Category  protocol.Category `json:"category"`
	Length    int               `json:"length"`
}

// HandshakeCompletedPayload reports the cipher negotiated for a session.
type HandshakeCompletedPayload struct {
	SessionID string          `json:"session_id"`
	Cipher    encryption.Kind `json:"cipher"`
}

// CaptureRemovedPayload is emitted by the retention cleaner.
type CaptureRemovedPayload struct {
	Path string `json:"path"`
	Age  string `json:"age"`
}
