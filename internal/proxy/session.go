package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/encryption"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/events"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/network"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/ppac"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

const (
	// packets moved per direction before the other side gets a turn
	burst = 64

	minBackoff = 500 * time.Microsecond
	maxBackoff = 20 * time.Millisecond
)

// Close reasons reported in EventSessionClosed.
const (
	ReasonClientClosed   = "client closed"
	ReasonUpstreamClosed = "upstream closed"
	ReasonIdle           = "idle timeout"
	ReasonStopped        = "proxy stopped"
	ReasonKilled         = "killed"
)

// Session relays one client to the upstream. Only its run goroutine touches
// the connections; the exported accessors are safe from anywhere.
type Session struct {
	id         string
	clientAddr string
	upstream   string
	packetType protocol.PacketType
	startedAt  time.Time

	client    *network.Connection
	server    *network.Connection
	capture   *ppac.Writer
	file      *os.File
	path      string
	bus       *events.EventBus
	idle      time.Duration
	logger    zerolog.Logger
	cancel    context.CancelFunc
	killed    atomic.Bool
	handshook bool

	seq     atomic.Int64
	packets atomic.Int64
	bytes   atomic.Int64
	cipher  atomic.Uint32
	lastRx  atomic.Int64
}

// Info is a snapshot of a live session.
type Info struct {
	ID          string    `json:"id"`
	ClientAddr  string    `json:"client_addr"`
	Upstream    string    `json:"upstream"`
	PacketType  string    `json:"packet_type"`
	Cipher      string    `json:"cipher"`
	CapturePath string    `json:"capture_path,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	LastActive  time.Time `json:"last_active"`
	Packets     int64     `json:"packets"`
	Bytes       int64     `json:"bytes"`
}

func newSession(client, server *network.Connection, upstream string, t protocol.PacketType,
	bus *events.EventBus, idle time.Duration, logger zerolog.Logger) *Session {
	now := time.Now()
	s := &Session{
		id:         uuid.NewString(),
		upstream:   upstream,
		packetType: t,
		startedAt:  now,
		client:     client,
		server:     server,
		bus:        bus,
		idle:       idle,
	}
	if ip, err := client.IP(); err == nil {
		s.clientAddr = ip.String()
	}
	s.lastRx.Store(now.UnixNano())
	s.logger = logger.With().Str("session", s.id[:8]).Str("client", s.clientAddr).Logger()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session counters.
func (s *Session) Info() Info {
	return Info{
		ID:          s.id,
		ClientAddr:  s.clientAddr,
		Upstream:    s.upstream,
		PacketType:  s.packetType.String(),
		Cipher:      encryption.Kind(s.cipher.Load()).String(),
		CapturePath: s.path,
		StartedAt:   s.startedAt,
		LastActive:  time.Unix(0, s.lastRx.Load()),
		Packets:     s.packets.Load(),
		Bytes:       s.bytes.Load(),
	}
}

// Kill asks the relay goroutine to end the session.
func (s *Session) Kill() {
	s.killed.Store(true)
	s.cancel()
}

// openCapture records the session into a new PPAC file under dir. Reads from
// the client are stored as ToServer, writes to it as ToClient.
func (s *Session) openCapture(dir string, compress bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create capture dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.ppac", s.startedAt.UTC().Format("20060102-150405"), s.id[:8])
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create capture: %w", err)
	}
	w, err := ppac.NewWriter(f, s.packetType, compress)
	if err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	s.file, s.capture, s.path = f, w, path
	s.client.AttachCapture(w, ppac.ToClient)
	return nil
}

func (s *Session) closeCapture() {
	if s.capture == nil {
		return
	}
	if err := s.capture.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to finish capture")
	}
	if err := s.file.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close capture")
	}
}

// run relays until either side closes, the session idles out or ctx ends.
// ctx must be the one s.cancel ends.
func (s *Session) run(ctx context.Context) {
	defer s.cancel()

	s.bus.EmitSync(ctx, events.Event{
		Type:   events.EventSessionOpened,
		Source: "proxy",
		Payload: events.SessionOpenedPayload{
			SessionID:   s.id,
			ClientAddr:  s.clientAddr,
			Upstream:    s.upstream,
			PacketType:  s.packetType,
			CapturePath: s.path,
			StartedAt:   s.startedAt,
		},
	})
	s.logger.Info().Str("upstream", s.upstream).Str("capture", s.path).Msg("session opened")

	reason := s.relay(ctx)

	s.client.Close()
	s.server.Close()
	s.closeCapture()

	s.logger.Info().
		Str("reason", reason).
		Int64("packets", s.packets.Load()).
		Int64("bytes", s.bytes.Load()).
		Msg("session closed")
	s.bus.Emit(context.Background(), events.Event{
		Type:   events.EventSessionClosed,
		Source: "proxy",
		Payload: events.SessionClosedPayload{
			SessionID: s.id,
			Reason:    reason,
			Packets:   s.packets.Load(),
			Bytes:     s.bytes.Load(),
			EndedAt:   time.Now(),
		},
	})
}

func (s *Session) relay(ctx context.Context) string {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			if s.killed.Load() {
				return ReasonKilled
			}
			return ReasonStopped
		}

		up, err := s.pump(ctx, s.client, s.server, ppac.ToServer)
		if err != nil {
			return s.describe(err, ReasonClientClosed, ReasonUpstreamClosed)
		}
		down, err := s.pump(ctx, s.server, s.client, ppac.ToClient)
		if err != nil {
			return s.describe(err, ReasonUpstreamClosed, ReasonClientClosed)
		}

		if up+down > 0 {
			backoff = minBackoff
			continue
		}
		if s.idle > 0 && time.Since(time.Unix(0, s.lastRx.Load())) > s.idle {
			return ReasonIdle
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

// sideError marks which connection failed.
type sideError struct {
	read bool
	err  error
}

func (e *sideError) Error() string { return e.err.Error() }
func (e *sideError) Unwrap() error { return e.err }

func lastError(c *network.Connection, res network.Result) error {
	if err := c.LastError(); err != nil {
		return err
	}
	return fmt.Errorf("connection %s", res)
}

func (s *Session) describe(err error, readClosed, writeClosed string) string {
	var se *sideError
	if errors.As(err, &se) && errors.Is(se.err, network.ErrClosedByPeer) {
		if se.read {
			return readClosed
		}
		return writeClosed
	}
	return err.Error()
}

// pump moves up to burst packets from one side to the other and flushes any
// backlog on the receiving side.
func (s *Session) pump(ctx context.Context, from, to *network.Connection, dir ppac.Direction) (int, error) {
	moved := 0
	for moved < burst {
		res := from.ReadPacket()
		if res == network.Blocked {
			break
		}
		if res != network.Ready {
			return moved, &sideError{read: true, err: lastError(from, res)}
		}
		p := from.Packet()
		s.observe(ctx, dir, p)
		if res := to.WritePacket(p); res == network.SocketError || res == network.NoSocket {
			return moved, &sideError{err: lastError(to, res)}
		}
		moved++
		s.noteHandshake(ctx)
	}
	if to.Buffered() > 0 {
		if res := to.Flush(); res == network.SocketError || res == network.NoSocket {
			return moved, &sideError{err: lastError(to, res)}
		}
	}
	return moved, nil
}

func (s *Session) observe(ctx context.Context, dir ppac.Direction, p protocol.Packet) {
	now := time.Now()
	s.lastRx.Store(now.UnixNano())
	length := len(protocol.Encode(p, s.packetType))
	s.packets.Add(1)
	s.bytes.Add(int64(length))

	h, _ := protocol.HeaderOf(p)
	s.bus.Emit(ctx, events.Event{
		Type:   events.EventPacketRelayed,
		Source: "proxy",
		Payload: events.PacketRelayedPayload{
			SessionID: s.id,
			Seq:       s.seq.Add(1),
			Time:      now,
			Direction: dir,
			ID:        h.ID,
			SubID:     h.SubID,
			Name:      p.Name(),
			Category:  protocol.CategoryOf(p),
			Length:    length,
		},
	})
	s.logger.Trace().Stringer("direction", dir).Str("packet", p.Name()).Int("length", length).Msg("relayed")
}

func (s *Session) noteHandshake(ctx context.Context) {
	if s.handshook {
		return
	}
	kind := s.client.Cipher()
	if kind == encryption.None {
		return
	}
	s.handshook = true
	s.cipher.Store(uint32(kind))
	s.logger.Info().Stringer("cipher", kind).Msg("handshake completed")
	s.bus.Emit(ctx, events.Event{
		Type:    events.EventHandshakeCompleted,
		Source:  "proxy",
		Payload: events.HandshakeCompletedPayload{SessionID: s.id, Cipher: kind},
	})
}
