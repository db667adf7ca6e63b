package proxy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/config"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/encryption"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/events"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/network"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/ppac"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) of(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newBus() (*events.EventBus, *recorder) {
	bus := events.NewEventBus()
	rec := &recorder{}
	for _, t := range []events.EventType{
		events.EventSessionOpened,
		events.EventSessionClosed,
		events.EventPacketRelayed,
		events.EventHandshakeCompleted,
	} {
		bus.Subscribe(t, "test", rec.handle)
	}
	return bus, rec
}

func proxyConfig(upstream, captureDir string) config.ProxyConfig {
	return config.ProxyConfig{
		ListenAddr:      "127.0.0.1:0",
		UpstreamAddr:    upstream,
		PacketType:      "ngs",
		CaptureDir:      captureDir,
		CompressCapture: true,
		MaxSessions:     4,
	}
}

// plainUpstream answers the first frame it reads with a ServerPing and then
// waits for the peer to hang up.
func plainUpstream(t *testing.T) (string, <-chan protocol.Packet) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan protocol.Packet, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		p, err := protocol.DecodeOne(frame, protocol.NGS)
		if err != nil {
			return
		}
		got <- p
		_ = protocol.WritePacket(conn, &protocol.ServerPing{}, protocol.NGS)
		_, _ = io.Copy(io.Discard, conn)
	}()
	return ln.Addr().String(), got
}

func TestPlainRelayAndCapture(t *testing.T) {
	upstream, got := plainUpstream(t)
	bus, rec := newBus()
	captures := t.TempDir()

	p, err := New(proxyConfig(upstream, captures), bus)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	client, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)

	ping := &protocol.ClientPing{Time: protocol.NewPSOTime(time.Now())}
	require.NoError(t, protocol.WritePacket(client, ping, protocol.NGS))

	select {
	case p := <-got:
		assert.Equal(t, ping, p)
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw the packet")
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := protocol.ReadFrame(client)
	require.NoError(t, err)
	reply, err := protocol.DecodeOne(frame, protocol.NGS)
	require.NoError(t, err)
	assert.Equal(t, &protocol.ServerPing{}, reply)

	require.Eventually(t, func() bool {
		live := p.Registry().Snapshot()
		return len(live) == 1 && live[0].Packets == 2
	}, 5*time.Second, 10*time.Millisecond)

	client.Close()
	require.Eventually(t, func() bool { return p.Registry().Count() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(rec.of(events.EventSessionClosed)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	closed := rec.of(events.EventSessionClosed)[0].Payload.(events.SessionClosedPayload)
	assert.Equal(t, ReasonClientClosed, closed.Reason)
	assert.Equal(t, int64(2), closed.Packets)

	opened := rec.of(events.EventSessionOpened)
	require.Len(t, opened, 1)
	path := opened[0].Payload.(events.SessionOpenedPayload).CapturePath
	require.NotEmpty(t, path)

	relayed := rec.of(events.EventPacketRelayed)
	require.Len(t, relayed, 2)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := ppac.Open(f)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, protocol.NGS, r.PacketType())

	first, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, ppac.ToServer, first.Direction)
	assert.Equal(t, "ClientPing", first.Packet.Name())
	second, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, ppac.ToClient, second.Direction)
	assert.Equal(t, "ServerPing", second.Packet.Name())
	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func writeKeys(t *testing.T, dir, name string) (*rsa.PrivateKey, string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pubDer, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	priv := filepath.Join(dir, name+".pem")
	pub := filepath.Join(dir, name+"_pub.pem")
	require.NoError(t, os.WriteFile(priv, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(pub, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer}), 0o600))
	return key, priv, pub
}

func poll(t *testing.T, op func() network.Result) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		switch op() {
		case network.Ready:
			return
		case network.Blocked:
			time.Sleep(2 * time.Millisecond)
		default:
			t.Fatal("connection failed")
		}
	}
	t.Fatal("operation stayed blocked")
}

func send(t *testing.T, c *network.Connection, p protocol.Packet) {
	t.Helper()
	first := true
	poll(t, func() network.Result {
		if first {
			first = false
			return c.WritePacket(p)
		}
		return c.Flush()
	})
}

func TestHandshakeIsRekeyed(t *testing.T) {
	keys := t.TempDir()
	_, proxyPriv, proxyPub := writeKeys(t, keys, "proxy")
	upstreamKey, _, upstreamPub := writeKeys(t, keys, "upstream")

	// upstream holds its own private key and never sees the proxy's
	f := network.NewFactory()
	require.NoError(t, f.CreateListener("127.0.0.1:0"))
	f.ListenerNonblocking(true)
	f.StreamNonblocking(true)
	defer f.Close()

	bus, rec := newBus()
	cfg := proxyConfig(f.ListenerAddr().String(), "")
	cfg.PrivateKeyPath = proxyPriv
	cfg.UpstreamKeyPath = upstreamPub
	p, err := New(cfg, bus)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	_, clientPub, err := network.LoadKeys("", proxyPub)
	require.NoError(t, err)
	client, err := network.Dial(p.Addr().String(), protocol.NGS, nil, clientPub)
	require.NoError(t, err)
	defer client.Close()

	blob, err := encryption.GenerateHandshake(encryption.AESNGS)
	require.NoError(t, err)
	send(t, client, &protocol.EncryptionRequest{RSAData: blob})
	assert.Equal(t, encryption.AESNGS, client.Cipher())

	poll(t, f.AcceptListener)
	server := f.ConnectionWithKeys(protocol.NGS, upstreamKey, nil)
	require.NotNil(t, server)
	defer server.Close()

	poll(t, server.ReadPacket)
	req, ok := server.Packet().(*protocol.EncryptionRequest)
	require.True(t, ok)
	assert.Equal(t, blob, req.RSAData)
	assert.Equal(t, encryption.AESNGS, server.Cipher())

	send(t, server, &protocol.ClientPong{Unk1: 9})
	poll(t, client.ReadPacket)
	assert.Equal(t, &protocol.ClientPong{Unk1: 9}, client.Packet())

	send(t, client, &protocol.LobbyMonitor{VideoID: 4})
	poll(t, server.ReadPacket)
	assert.Equal(t, &protocol.LobbyMonitor{VideoID: 4}, server.Packet())

	require.Eventually(t, func() bool {
		return len(rec.of(events.EventHandshakeCompleted)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	done := rec.of(events.EventHandshakeCompleted)[0].Payload.(events.HandshakeCompletedPayload)
	assert.Equal(t, encryption.AESNGS, done.Cipher)

	live := p.Registry().Snapshot()
	require.Len(t, live, 1)
	assert.Equal(t, encryption.AESNGS.String(), live[0].Cipher)

	require.NoError(t, p.Kill(live[0].ID))
	require.Eventually(t, func() bool {
		return len(rec.of(events.EventSessionClosed)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	closed := rec.of(events.EventSessionClosed)[0].Payload.(events.SessionClosedPayload)
	assert.Equal(t, ReasonKilled, closed.Reason)
	assert.ErrorIs(t, p.Kill("nope"), ErrUnknownSession)
}

func TestNewRejectsBadConfig(t *testing.T) {
	bus := events.NewEventBus()
	cfg := proxyConfig("127.0.0.1:1", "")

	cfg.PacketType = "raw"
	_, err := New(cfg, bus)
	assert.Error(t, err)

	cfg.PacketType = "ngs"
	cfg.PrivateKeyPath = filepath.Join(t.TempDir(), "missing.pem")
	_, err = New(cfg, bus)
	assert.Error(t, err)
}

func TestRateTracker(t *testing.T) {
	rt := newRateTracker(2)
	now := time.Now()
	assert.True(t, rt.allow("a", now))
	assert.True(t, rt.allow("a", now))
	assert.False(t, rt.allow("a", now))
	assert.True(t, rt.allow("b", now))
	assert.True(t, rt.allow("a", now.Add(time.Second)))

	rt.prune(now.Add(3 * time.Second))
	assert.Empty(t, rt.counts)
	assert.True(t, newRateTracker(0).allow("x", now))
}
