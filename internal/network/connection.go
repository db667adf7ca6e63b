// Package network implements the polled packet connection, the socket
// factory that produces it and the descriptor hand-off helpers.
package network

import (
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/encryption"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/ppac"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

// Result is the outcome of a polled socket operation.
type Result uint8

const (
	// Ready means the operation completed.
	Ready Result = iota
	// Blocked means no progress is possible right now. It is not an error.
	Blocked
	// NoSocket means the handle holds no socket.
	NoSocket
	// SocketError means the operation failed; see LastError.
	SocketError
)

func (r Result) String() string {
	switch r {
	case Ready:
		return "Ready"
	case Blocked:
		return "Blocked"
	case NoSocket:
		return "NoSocket"
	}
	return "SocketError"
}

const readChunk = 4096

// ErrClosedByPeer is reported when the remote side closes the stream.
var ErrClosedByPeer = errors.New("connection closed by peer")

// Connection reads and writes packets over a polled socket, performing the
// RSA handshake and session encryption transparently. It is not safe for
// concurrent use.
type Connection struct {
	sock       Socket
	packetType protocol.PacketType
	inKey      *rsa.PrivateKey
	outKey     *rsa.PublicKey
	cipher     encryption.Cipher

	readBuf  []byte
	frameLen int
	writeBuf []byte
	queue    []protocol.Packet
	packet   protocol.Packet

	capture     *ppac.Writer
	captureFile *os.File
	captureDir  ppac.Direction

	err    error
	logger zerolog.Logger
	remote string

	connectedAt  time.Time
	lastActivity time.Time
}

// NewConnection wraps sock. inKey opens incoming handshakes, outKey seals
// outgoing ones; either may be nil.
func NewConnection(sock Socket, t protocol.PacketType, inKey *rsa.PrivateKey, outKey *rsa.PublicKey) *Connection {
	now := time.Now()
	c := &Connection{
		sock:         sock,
		packetType:   t,
		inKey:        inKey,
		outKey:       outKey,
		cipher:       encryption.Plain{},
		connectedAt:  now,
		lastActivity: now,
	}
	c.remote = "none"
	if sock != nil && sock.RemoteAddr() != nil {
		c.remote = sock.RemoteAddr().String()
	}
	c.logger = zerolog.Nop()
	return c
}

// Dial connects to addr and wraps the stream in a non-blocking Connection.
func Dial(addr string, t protocol.PacketType, inKey *rsa.PrivateKey, outKey *rsa.PublicKey) (*Connection, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewConnection(NewSocket(conn, true), t, inKey, outKey), nil
}

// SetLogger routes the connection's diagnostics to l. Connections are
// silent until a logger is set.
func (c *Connection) SetLogger(l zerolog.Logger) {
	c.logger = l.With().Str("component", "connection").Str("remote", c.remote).Logger()
}

// LastError returns the failure of the most recent operation, or nil.
func (c *Connection) LastError() error { return c.err }

func (c *Connection) fail(err error) Result {
	c.err = err
	return SocketError
}

// PacketType returns the protocol the connection speaks.
func (c *Connection) PacketType() protocol.PacketType { return c.packetType }

// SetPacketType switches the protocol, including that of an attached capture.
func (c *Connection) SetPacketType(t protocol.PacketType) {
	if c.capture != nil {
		if err := c.capture.ChangePacketType(t); err != nil {
			c.logger.Debug().Err(err).Msg("capture keeps old packet type")
		}
	}
	c.packetType = t
}

// SetNonblocking toggles polling mode of the underlying socket.
func (c *Connection) SetNonblocking(on bool) {
	if c.sock != nil {
		c.sock.SetNonblocking(on)
	}
}

// Key returns the negotiated session secret, empty before the handshake.
func (c *Connection) Key() []byte { return c.cipher.Key() }

// Cipher returns the kind of encryption in use.
func (c *Connection) Cipher() encryption.Kind { return c.cipher.Kind() }

// IP returns the peer's IPv4 address, 0.0.0.0 for IPv6 peers.
func (c *Connection) IP() (net.IP, error) {
	if c.sock == nil {
		return nil, errors.New("no socket")
	}
	return peerIPv4(c.sock.RemoteAddr())
}

func peerIPv4(addr net.Addr) (net.IP, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unsupported address %v", addr)
	}
	if ip4 := tcp.IP.To4(); ip4 != nil {
		return ip4, nil
	}
	return net.IPv4zero.To4(), nil
}

// ConnectedAt returns when the connection was created.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the time of the last successful read or write.
func (c *Connection) LastActivity() time.Time { return c.lastActivity }

// AttachCapture records traffic into w. Written packets use dir, read ones
// the opposite direction. The caller keeps ownership of w.
func (c *Connection) AttachCapture(w *ppac.Writer, dir ppac.Direction) {
	c.capture = w
	c.captureDir = dir
}

// CreateCapture opens a compressed capture at path owned by the connection.
func (c *Connection) CreateCapture(path string, dir ppac.Direction) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create capture: %w", err)
	}
	w, err := ppac.NewWriter(f, c.packetType, true)
	if err != nil {
		f.Close()
		return err
	}
	c.closeCapture()
	c.capture = w
	c.captureFile = f
	c.captureDir = dir
	return nil
}

func (c *Connection) closeCapture() {
	if c.captureFile == nil {
		return
	}
	if err := c.capture.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to finish capture")
	}
	c.captureFile.Close()
	c.capture = nil
	c.captureFile = nil
}

func (c *Connection) record(dir ppac.Direction, data []byte) {
	if c.capture == nil || len(data) == 0 {
		return
	}
	if err := c.capture.WriteData(time.Now(), dir, data); err != nil {
		c.logger.Warn().Err(err).Stringer("direction", dir).Msg("failed to record frame")
	}
}

// Packet returns the packet decoded by the last successful ReadPacket. A
// second call returns None.
func (c *Connection) Packet() protocol.Packet {
	p := c.packet
	c.packet = nil
	if p == nil {
		return &protocol.None{}
	}
	return p
}

// ReadPacket polls the socket until a whole frame is buffered. Partial data
// stays buffered across Blocked results.
func (c *Connection) ReadPacket() Result {
	if c.sock == nil {
		return NoSocket
	}
	c.err = nil
	if len(c.queue) > 0 {
		c.packet = c.pop()
		return Ready
	}

	var chunk [readChunk]byte
	for {
		frame, err := c.nextFrame()
		if err != nil {
			return c.fail(err)
		}
		if frame != nil {
			ok, err := c.handleFrame(frame)
			if err != nil {
				return c.fail(err)
			}
			if ok {
				c.lastActivity = time.Now()
				return Ready
			}
			continue
		}

		n, err := c.sock.TryRead(chunk[:])
		if errors.Is(err, ErrWouldBlock) {
			return Blocked
		}
		if errors.Is(err, io.EOF) {
			return c.fail(ErrClosedByPeer)
		}
		if err != nil {
			return c.fail(fmt.Errorf("read failed: %w", err))
		}
		if n == 0 {
			return c.fail(ErrClosedByPeer)
		}
		data := chunk[:n]
		if c.cipher.Kind() == encryption.RC4 {
			if data, err = c.cipher.Decrypt(data); err != nil {
				return c.fail(err)
			}
		}
		c.readBuf = append(c.readBuf, data...)
	}
}

func (c *Connection) lengthOffset() int {
	switch c.cipher.Kind() {
	case encryption.AES, encryption.AESNGS:
		return encryption.AESHeaderLength
	}
	return 0
}

// nextFrame cuts the next complete frame off the read buffer.
func (c *Connection) nextFrame() ([]byte, error) {
	if c.frameLen == 0 {
		off := c.lengthOffset()
		if len(c.readBuf) < off+4 {
			return nil, nil
		}
		length := int(binary.LittleEndian.Uint32(c.readBuf[off:]))
		if length < off+8 || length > protocol.MaxFrameSize {
			return nil, fmt.Errorf("%w: %d", protocol.ErrFrameLength, length)
		}
		c.frameLen = length
	}
	if len(c.readBuf) < c.frameLen {
		return nil, nil
	}
	frame := append([]byte(nil), c.readBuf[:c.frameLen]...)
	c.readBuf = append(c.readBuf[:0], c.readBuf[c.frameLen:]...)
	c.frameLen = 0
	return frame, nil
}

// handleFrame decrypts and decodes frame. It reports false when the frame
// produced no packet.
func (c *Connection) handleFrame(frame []byte) (bool, error) {
	data := frame
	if k := c.cipher.Kind(); k == encryption.AES || k == encryption.AESNGS {
		var err error
		if data, err = c.cipher.Decrypt(frame); err != nil {
			return false, err
		}
	}
	c.record(c.captureDir.Opposite(), data)

	packets, err := protocol.Decode(data, c.packetType)
	if err != nil {
		return false, err
	}
	if len(packets) == 0 {
		return false, nil
	}
	for _, p := range packets {
		if err := c.openHandshake(p); err != nil {
			return false, err
		}
	}
	c.packet = packets[0]
	c.queue = append(c.queue, packets[1:]...)
	return true, nil
}

// openHandshake replaces the sealed blob of an incoming EncryptionRequest
// with its plaintext and installs the session cipher.
func (c *Connection) openHandshake(p protocol.Packet) error {
	req, ok := p.(*protocol.EncryptionRequest)
	if !ok || c.inKey == nil {
		return nil
	}
	plain, err := encryption.DecryptRSA(c.inKey, req.RSAData)
	if err != nil {
		return err
	}
	cipher, err := encryption.FromDecrypted(plain, c.packetType.IsNGS())
	if err != nil {
		return err
	}
	c.install(cipher)
	req.RSAData = plain
	c.logger.Debug().Stringer("cipher", cipher.Kind()).Msg("handshake opened")
	return nil
}

func (c *Connection) install(cipher encryption.Cipher) {
	c.cipher = cipher
	// bytes already buffered past the handshake frame arrived encrypted
	if cipher.Kind() == encryption.RC4 && len(c.readBuf) > 0 {
		c.readBuf, _ = cipher.Decrypt(c.readBuf)
	}
}

func (c *Connection) pop() protocol.Packet {
	p := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return p
}

// WritePacket encodes p, appends it to the write buffer and flushes as much
// as the socket accepts. A nil or None packet only flushes.
func (c *Connection) WritePacket(p protocol.Packet) Result {
	if c.sock == nil {
		return NoSocket
	}
	c.err = nil
	if p != nil && !protocol.IsEmpty(p) {
		if err := c.prepare(p); err != nil {
			return c.fail(err)
		}
	}
	return c.flush()
}

func (c *Connection) prepare(p protocol.Packet) error {
	if req, ok := p.(*protocol.EncryptionRequest); ok && c.outKey != nil {
		cipher, err := encryption.FromDecrypted(req.RSAData, c.packetType.IsNGS())
		if err != nil {
			return err
		}
		sealed, err := encryption.EncryptRSA(c.outKey, req.RSAData)
		if err != nil {
			return err
		}
		raw := protocol.Encode(&protocol.EncryptionRequest{RSAData: sealed}, c.packetType)
		c.writeBuf = append(c.writeBuf, raw...)
		c.cipher = cipher
		c.logger.Debug().Stringer("cipher", cipher.Kind()).Msg("handshake sealed")
		c.record(c.captureDir, raw)
		return nil
	}

	if err := protocol.CheckHeader(p, c.packetType); err != nil {
		return err
	}
	raw := protocol.Encode(p, c.packetType)
	out, err := c.cipher.Encrypt(raw)
	if err != nil {
		return err
	}
	c.writeBuf = append(c.writeBuf, out...)
	c.record(c.captureDir, raw)
	return nil
}

// Flush writes buffered bytes without adding a packet.
func (c *Connection) Flush() Result { return c.WritePacket(nil) }

// Buffered returns the number of bytes waiting to be written.
func (c *Connection) Buffered() int { return len(c.writeBuf) }

func (c *Connection) flush() Result {
	for len(c.writeBuf) > 0 {
		n, err := c.sock.TryWrite(c.writeBuf)
		if n > 0 {
			c.writeBuf = append(c.writeBuf[:0], c.writeBuf[n:]...)
			c.lastActivity = time.Now()
		}
		if errors.Is(err, ErrWouldBlock) {
			return Blocked
		}
		if err != nil {
			return c.fail(fmt.Errorf("write failed: %w", err))
		}
	}
	return Ready
}

// Close releases the socket and any capture the connection owns.
func (c *Connection) Close() error {
	c.closeCapture()
	if c.sock == nil {
		return nil
	}
	err := c.sock.Close()
	c.sock = nil
	c.logger.Debug().Msg("connection closed")
	return err
}
