package core

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultHandshakeTimeout bounds a single TLS handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// TransportOption configures a SecureTransport.
type TransportOption func(*SecureTransport)

// WithHandshakeTimeout bounds each TLS handshake. Zero disables the bound.
func WithHandshakeTimeout(d time.Duration) TransportOption {
	return func(t *SecureTransport) {
		t.handshakeTimeout = d
	}
}

// WithBufferPool sets the pool attached to every connection.
func WithBufferPool(p *BufferPool) TransportOption {
	return func(t *SecureTransport) {
		t.buffers = p
	}
}

// WithHandshakeLimit bounds the handshakes that have received a ClientHello
// and are still in progress. A slot is taken once the ClientHello arrives, so
// clients that connect and stay silent hold none. Zero disables the bound.
func WithHandshakeLimit(n int) TransportOption {
	return func(t *SecureTransport) {
		t.handshakes = nil
		if n > 0 {
			t.handshakes = semaphore.NewWeighted(int64(n))
		}
	}
}

// SecureTransport turns raw listeners into listeners that yield TLS
// connections with a negotiated application protocol.
type SecureTransport struct {
	registry         *Registry
	config           *tls.Config
	buffers          *BufferPool
	handshakeTimeout time.Duration
	handshakes       *semaphore.Weighted
}

type handshakeSlotKey struct{}

// handshakeSlot records whether a handshake holds a limit slot.
type handshakeSlot struct {
	sem *semaphore.Weighted
}

func (s *handshakeSlot) release() {
	if s.sem != nil {
		s.sem.Release(1)
		s.sem = nil
	}
}

// NewSecureTransport derives the server TLS configuration from tlsConfig and
// binds ALPN selection to the registry.
func NewSecureTransport(tlsConfig *tls.Config, registry *Registry, opts ...TransportOption) (*SecureTransport, error) {
	if tlsConfig == nil {
		return nil, errors.New("secure transport requires a TLS config")
	}
	if registry == nil || registry.Len() == 0 {
		return nil, ErrNoProtocols
	}

	t := &SecureTransport{
		registry:         registry,
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.buffers == nil {
		t.buffers = NewBufferPool(DefaultBufferSize, BufferReusable)
	}

	cfg := tlsConfig.Clone()
	cfg.NextProtos = registry.NamesByPriority()
	cfg.GetConfigForClient = t.configForClient
	t.config = cfg
	return t, nil
}

// configForClient pins the negotiated protocol before the server hello.
// A client offer without any registered protocol fails the handshake.
func (t *SecureTransport) configForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	if err := t.acquireHandshake(hello.Context()); err != nil {
		return nil, err
	}
	if len(hello.SupportedProtos) == 0 {
		return nil, nil
	}
	name, ok := t.registry.Negotiate(hello.SupportedProtos)
	if !ok {
		return nil, &NoProtocolError{Offered: append([]string(nil), hello.SupportedProtos...)}
	}
	cfg := t.config.Clone()
	cfg.GetConfigForClient = nil
	cfg.NextProtos = []string{name}
	return cfg, nil
}

// acquireHandshake waits for a handshake slot, bounded by the handshake
// deadline carried in ctx.
func (t *SecureTransport) acquireHandshake(ctx context.Context) error {
	if t.handshakes == nil {
		return nil
	}
	slot, ok := ctx.Value(handshakeSlotKey{}).(*handshakeSlot)
	if !ok {
		return nil
	}
	if err := t.handshakes.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for handshake slot: %w", err)
	}
	slot.sem = t.handshakes
	return nil
}

// Buffers returns the pool attached to connections.
func (t *SecureTransport) Buffers() *BufferPool {
	return t.buffers
}

// Wrap layers TLS over a raw listener.
func (t *SecureTransport) Wrap(raw net.Listener) *SecureListener {
	return &SecureListener{transport: t, raw: raw}
}

// SecureListener accepts raw connections and upgrades them to negotiated
// Connections.
type SecureListener struct {
	transport *SecureTransport
	raw       net.Listener
	closeOnce sync.Once
	closeErr  error
}

// AcceptRaw blocks until a client completes the TCP connect.
func (l *SecureListener) AcceptRaw() (net.Conn, error) {
	return l.raw.Accept()
}

// Handshake runs the TLS handshake, including ALPN, on a raw connection and
// records now as its accept time. On failure the raw connection is closed
// before returning.
func (l *SecureListener) Handshake(ctx context.Context, raw net.Conn) (*Connection, error) {
	return l.HandshakeAccepted(ctx, raw, time.Now())
}

// HandshakeAccepted is Handshake for a connection accepted at acceptedAt.
func (l *SecureListener) HandshakeAccepted(ctx context.Context, raw net.Conn, acceptedAt time.Time) (*Connection, error) {
	remote := raw.RemoteAddr().String()

	if l.transport.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.transport.handshakeTimeout)
		defer cancel()
	}

	slot := &handshakeSlot{}
	ctx = context.WithValue(ctx, handshakeSlotKey{}, slot)

	tc := tls.Server(raw, l.transport.config)
	err := tc.HandshakeContext(ctx)
	slot.release()
	if err != nil {
		_ = tc.Close()
		return nil, &HandshakeError{RemoteAddr: remote, Err: err}
	}

	protocol := tc.ConnectionState().NegotiatedProtocol
	if protocol == "" {
		protocol = l.transport.registry.Fallback()
		if protocol == "" {
			_ = tc.Close()
			return nil, &NoProtocolError{}
		}
	}
	return newConnection(tc, protocol, l.transport.buffers, acceptedAt), nil
}

// Accept is the blocking form of AcceptRaw followed by Handshake. A failed
// handshake is returned as an error; the listener itself stays usable.
func (l *SecureListener) Accept(ctx context.Context) (*Connection, error) {
	raw, err := l.AcceptRaw()
	if err != nil {
		return nil, err
	}
	return l.HandshakeAccepted(ctx, raw, time.Now())
}

// Addr returns the bound address.
func (l *SecureListener) Addr() net.Addr {
	return l.raw.Addr()
}

// Close closes the raw listener. Repeated calls return the first result.
func (l *SecureListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.raw.Close()
	})
	return l.closeErr
}
