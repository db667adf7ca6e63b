// Package proxy relays game clients to an upstream ship, re-keying the RSA
// handshake so every packet can be decoded, and records each session to a
// PPAC capture.
package proxy

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/config"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/events"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/network"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

// ErrUnknownSession is returned by Kill for ids that are not live.
var ErrUnknownSession = errors.New("unknown session")

// Proxy accepts clients and pairs each with a fresh upstream connection.
type Proxy struct {
	cfg        config.ProxyConfig
	packetType protocol.PacketType
	inKey      *rsa.PrivateKey
	outKey     *rsa.PublicKey
	bus        *events.EventBus
	registry   *Registry
	rate       *rateTracker
	logger     zerolog.Logger

	factory *network.Factory
	addr    net.Addr
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New prepares a proxy for cfg. Handshake keys are loaded here so a bad
// path fails before anything listens.
func New(cfg config.ProxyConfig, bus *events.EventBus) (*Proxy, error) {
	t, err := protocol.ParsePacketType(cfg.PacketType)
	if err != nil {
		return nil, err
	}
	if t == protocol.Raw {
		return nil, fmt.Errorf("packet type %s cannot be relayed", t)
	}
	inKey, outKey, err := network.LoadKeys(cfg.PrivateKeyPath, cfg.UpstreamKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load handshake keys: %w", err)
	}
	return &Proxy{
		cfg:        cfg,
		packetType: t,
		inKey:      inKey,
		outKey:     outKey,
		bus:        bus,
		registry:   NewRegistry(),
		rate:       newRateTracker(cfg.MaxConnPerSec),
		logger: log.With().
			Str("component", "proxy").
			Str("upstream", cfg.UpstreamAddr).
			Logger(),
	}, nil
}

// Registry returns the live session registry.
func (p *Proxy) Registry() *Registry { return p.registry }

// Sessions returns the live sessions, oldest first.
func (p *Proxy) Sessions() []Info { return p.registry.Snapshot() }

// Addr returns the bound listen address once started.
func (p *Proxy) Addr() net.Addr { return p.addr }

// PacketType returns the protocol the proxy relays.
func (p *Proxy) PacketType() protocol.PacketType { return p.packetType }

// Start binds the listener and accepts in the background.
func (p *Proxy) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.factory = network.NewFactory()
	p.factory.SetLogger(p.logger)
	if err := p.factory.CreateListener(p.cfg.ListenAddr); err != nil {
		p.cancel()
		return err
	}
	p.factory.ListenerNonblocking(true)
	p.factory.StreamNonblocking(true)
	p.addr = p.factory.ListenerAddr()

	p.wg.Add(1)
	go p.acceptLoop(ctx)

	p.logger.Info().
		Str("listen", p.addr.String()).
		Stringer("packet_type", p.packetType).
		Bool("rekey", p.inKey != nil).
		Msg("proxy started")
	return nil
}

// Stop ends every session and waits for them to finish.
func (p *Proxy) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	p.logger.Info().Msg("stopping proxy")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("proxy stopped")
}

// Kill ends one live session.
func (p *Proxy) Kill(id string) error {
	s, ok := p.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.Kill()
	return nil
}

func (p *Proxy) acceptLoop(ctx context.Context) {
	defer p.wg.Done()
	defer p.factory.Close()

	lastPrune := time.Now()
	for ctx.Err() == nil {
		if time.Since(lastPrune) > 10*time.Second {
			lastPrune = time.Now()
			p.rate.prune(lastPrune)
		}

		switch p.factory.AcceptListener() {
		case network.Blocked:
			continue
		case network.NoSocket:
			return
		case network.SocketError:
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug().Err(p.factory.LastError()).Msg("accept error")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		client := p.factory.ConnectionWithKeys(p.packetType, p.inKey, nil)
		if client == nil {
			p.logger.Warn().Err(p.factory.LastError()).Msg("failed to take accepted stream")
			continue
		}
		p.admit(ctx, client)
	}
}

func (p *Proxy) admit(ctx context.Context, client *network.Connection) {
	src := "unknown"
	if ip, err := client.IP(); err == nil {
		src = ip.String()
	}

	if !p.rate.allow(src, time.Now()) {
		p.logger.Warn().Str("src", src).Msg("connection rate limit exceeded, dropping")
		client.Close()
		return
	}
	if p.cfg.MaxSessions > 0 && p.registry.Count() >= p.cfg.MaxSessions {
		p.logger.Warn().Str("src", src).Int("max", p.cfg.MaxSessions).Msg("max sessions reached, dropping")
		client.Close()
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.serve(ctx, client)
	}()
}

func (p *Proxy) serve(ctx context.Context, client *network.Connection) {
	server, err := network.Dial(p.cfg.UpstreamAddr, p.packetType, nil, p.outKey)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to reach upstream")
		client.Close()
		return
	}
	server.SetLogger(p.logger)

	idle := time.Duration(p.cfg.IdleTimeoutSec) * time.Second
	s := newSession(client, server, p.cfg.UpstreamAddr, p.packetType, p.bus, idle, p.logger)
	if p.cfg.CaptureDir != "" {
		if err := s.openCapture(p.cfg.CaptureDir, p.cfg.CompressCapture); err != nil {
			s.logger.Warn().Err(err).Msg("capture disabled for session")
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	p.registry.Register(s)
	defer p.registry.Unregister(s.id)
	s.run(sctx)
}
