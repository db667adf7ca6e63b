package network

import (
	"context"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/encryption"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

var (
	ErrNoListener = errors.New("no listener")
	ErrNoStream   = errors.New("no stream")
)

// Factory holds at most one listener and one stream at a time. Accepted and
// dialed streams land in the stream slot until handed off as a Connection or
// a file.
type Factory struct {
	listener            *net.TCPListener
	listenerNonblocking bool
	stream              net.Conn
	streamNonblocking   bool
	err                 error
	logger              zerolog.Logger
	base                zerolog.Logger
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{logger: zerolog.Nop(), base: zerolog.Nop()}
}

// SetLogger routes the factory's diagnostics to l. Connections handed out
// afterwards log to l as well.
func (f *Factory) SetLogger(l zerolog.Logger) {
	f.base = l
	f.logger = l.With().Str("component", "socket_factory").Logger()
}

// LastError returns the failure of the most recent operation, or nil.
func (f *Factory) LastError() error { return f.err }

func (f *Factory) fail(err error) error {
	f.err = err
	return err
}

// CreateListener binds a TCP listener with SO_REUSEADDR on addr, replacing
// any previous one.
func (f *Factory) CreateListener(addr string) error {
	f.err = nil
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return f.fail(fmt.Errorf("invalid address %q: %w", addr, err))
	}
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return f.fail(fmt.Errorf("failed to listen on %s: %w", addr, err))
	}
	f.closeListener()
	f.listener = ln.(*net.TCPListener)
	f.logger.Debug().Str("addr", ln.Addr().String()).Msg("listener created")
	return nil
}

// ListenerAddr returns the bound address, or nil without a listener.
func (f *Factory) ListenerAddr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// ListenerNonblocking sets whether AcceptListener polls or waits.
func (f *Factory) ListenerNonblocking(on bool) { f.listenerNonblocking = on }

// AcceptListener accepts one stream into the stream slot.
func (f *Factory) AcceptListener() Result {
	f.err = nil
	if f.listener == nil {
		return NoSocket
	}
	var conn net.Conn
	var err error
	if f.listenerNonblocking {
		conn, err = tryAccept(f.listener)
	} else {
		f.listener.SetDeadline(time.Time{})
		conn, err = f.listener.Accept()
	}
	if errors.Is(err, ErrWouldBlock) {
		return Blocked
	}
	if err != nil {
		f.err = fmt.Errorf("accept failed: %w", err)
		return SocketError
	}
	f.setStream(conn)
	f.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("stream accepted")
	return Ready
}

// CreateStream dials addr into the stream slot.
func (f *Factory) CreateStream(addr string) error {
	f.err = nil
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return f.fail(fmt.Errorf("invalid address %q: %w", addr, err))
	}
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return f.fail(fmt.Errorf("failed to connect to %s: %w", addr, err))
	}
	f.setStream(conn)
	return nil
}

func (f *Factory) setStream(conn net.Conn) {
	if f.stream != nil {
		f.stream.Close()
	}
	f.stream = conn
}

// StreamNonblocking sets the mode streams are handed off with.
func (f *Factory) StreamNonblocking(on bool) { f.streamNonblocking = on }

// StreamIP returns the peer IPv4 of the held stream as a big-endian number,
// or 0 without a stream or for IPv6 peers.
func (f *Factory) StreamIP() uint32 {
	if f.stream == nil {
		return 0
	}
	ip, err := peerIPv4(f.stream.RemoteAddr())
	if err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip)
}

// Connection takes the held stream and wraps it. Key paths may be empty.
// It returns nil and sets LastError when there is no stream or a key fails
// to load; the stream stays in the slot in that case.
func (f *Factory) Connection(t protocol.PacketType, inKeyPath, outKeyPath string) *Connection {
	f.err = nil
	if f.stream == nil {
		f.err = ErrNoStream
		return nil
	}
	inKey, outKey, err := LoadKeys(inKeyPath, outKeyPath)
	if err != nil {
		f.err = err
		return nil
	}
	return f.ConnectionWithKeys(t, inKey, outKey)
}

// ConnectionWithKeys is Connection with keys that are already loaded.
func (f *Factory) ConnectionWithKeys(t protocol.PacketType, inKey *rsa.PrivateKey, outKey *rsa.PublicKey) *Connection {
	f.err = nil
	if f.stream == nil {
		f.err = ErrNoStream
		return nil
	}
	conn := f.stream
	f.stream = nil
	c := NewConnection(NewSocket(conn, f.streamNonblocking), t, inKey, outKey)
	c.SetLogger(f.base)
	return c
}

// LoadKeys reads the optional handshake keys.
func LoadKeys(inKeyPath, outKeyPath string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	var in *rsa.PrivateKey
	var out *rsa.PublicKey
	var err error
	if inKeyPath != "" {
		if in, err = encryption.LoadPrivateKey(inKeyPath); err != nil {
			return nil, nil, err
		}
	}
	if outKeyPath != "" {
		if out, err = encryption.LoadPublicKey(outKeyPath); err != nil {
			return nil, nil, err
		}
	}
	return in, out, nil
}

// StreamIntoFile hands the held stream over as a file. The factory keeps no
// reference to it afterwards.
func (f *Factory) StreamIntoFile() (*os.File, error) {
	f.err = nil
	if f.stream == nil {
		return nil, f.fail(ErrNoStream)
	}
	fc, ok := f.stream.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, f.fail(errors.New("stream has no descriptor"))
	}
	file, err := fc.File()
	if err != nil {
		return nil, f.fail(fmt.Errorf("failed to export stream: %w", err))
	}
	f.stream.Close()
	f.stream = nil
	return file, nil
}

// ListenerIntoFile hands the listener over as a file.
func (f *Factory) ListenerIntoFile() (*os.File, error) {
	f.err = nil
	if f.listener == nil {
		return nil, f.fail(ErrNoListener)
	}
	file, err := f.listener.File()
	if err != nil {
		return nil, f.fail(fmt.Errorf("failed to export listener: %w", err))
	}
	f.closeListener()
	return file, nil
}

// ListenerFromFile adopts a listener descriptor, closing file.
func (f *Factory) ListenerFromFile(file *os.File) error {
	f.err = nil
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return f.fail(fmt.Errorf("failed to adopt listener: %w", err))
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return f.fail(errors.New("descriptor is not a TCP listener"))
	}
	f.closeListener()
	f.listener = tcp
	return nil
}

// StreamFromFile adopts a stream descriptor into the stream slot, closing
// file.
func (f *Factory) StreamFromFile(file *os.File) error {
	f.err = nil
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		return f.fail(fmt.Errorf("failed to adopt stream: %w", err))
	}
	f.setStream(conn)
	return nil
}

// CloneFile duplicates the descriptor behind file.
func (f *Factory) CloneFile(file *os.File) (*os.File, error) {
	f.err = nil
	dup, err := dupFile(file)
	if err != nil {
		return nil, f.fail(fmt.Errorf("failed to clone descriptor: %w", err))
	}
	return dup, nil
}

// CloseFile closes a descriptor obtained from the factory.
func (f *Factory) CloseFile(file *os.File) error {
	f.err = nil
	if err := file.Close(); err != nil {
		return f.fail(err)
	}
	return nil
}

func (f *Factory) closeListener() {
	if f.listener != nil {
		f.listener.Close()
		f.listener = nil
	}
}

// Close releases both slots.
func (f *Factory) Close() error {
	f.closeListener()
	if f.stream != nil {
		err := f.stream.Close()
		f.stream = nil
		return err
	}
	return nil
}
