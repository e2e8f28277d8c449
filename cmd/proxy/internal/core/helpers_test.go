package core

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/certgen"
)

// testTLS returns a server config and a client config trusting it.
func testTLS(t *testing.T) (server *tls.Config, client *tls.Config) {
	t.Helper()

	certPEM, keyPEM, err := certgen.GenerateSelfSignedCert()
	require.NoError(t, err)
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(certPEM))

	server = &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}
	client = &tls.Config{
		RootCAs:    roots,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
	}
	return server, client
}

func clientWith(base *tls.Config, protos ...string) *tls.Config {
	cfg := base.Clone()
	cfg.NextProtos = protos
	return cfg
}

// recordingHandler captures connections without closing them.
type recordingHandler struct {
	name  string
	calls atomic.Int32
	conns chan *Connection
}

func newRecordingHandler(name string) *recordingHandler {
	return &recordingHandler{name: name, conns: make(chan *Connection, 16)}
}

func (h *recordingHandler) Serve(conn *Connection) {
	h.calls.Add(1)
	h.conns <- conn
}

func (h *recordingHandler) next(t *testing.T) *Connection {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("handler %s was not invoked", h.name)
		return nil
	}
}

// spyConn counts closes performed on the raw connection.
type spyConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *spyConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// spyListener wraps every accepted connection in a spyConn.
type spyListener struct {
	net.Listener
	mu    sync.Mutex
	conns []*spyConn
}

func (l *spyListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	sc := &spyConn{Conn: c}
	l.mu.Lock()
	l.conns = append(l.conns, sc)
	l.mu.Unlock()
	return sc, nil
}

func (l *spyListener) accepted() []*spyConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*spyConn(nil), l.conns...)
}

func newSpyListener(t *testing.T) *spyListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &spyListener{Listener: ln}
}

// goPool runs every task on its own goroutine.
type goPool struct{}

func (goPool) Submit(task func()) error {
	go task()
	return nil
}

// rejectingPool refuses every task.
type rejectingPool struct{}

var errPoolFull = errors.New("pool full")

func (rejectingPool) Submit(func()) error {
	return errPoolFull
}

// eventLog records observer events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) ObserveConn(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(state ConnState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.State == state {
			n++
		}
	}
	return n
}

func (l *eventLog) failures() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.State == StateFailed {
			out = append(out, ev)
		}
	}
	return out
}

type acceptorFixture struct {
	acceptor *Acceptor
	listener *spyListener
	events   *eventLog
	client   *tls.Config
	addr     string
	cancel   context.CancelFunc
	done     chan error
}

func startAcceptor(t *testing.T, registry *Registry, pool TaskPool, opts ...AcceptorOption) *acceptorFixture {
	t.Helper()

	serverTLS, clientTLS := testTLS(t)
	transport, err := NewSecureTransport(serverTLS, registry, WithHandshakeTimeout(2*time.Second))
	require.NoError(t, err)

	spy := newSpyListener(t)
	events := &eventLog{}
	opts = append([]AcceptorOption{WithObserver(events)}, opts...)
	acceptor := NewAcceptor(transport.Wrap(spy), registry, pool, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	f := &acceptorFixture{
		acceptor: acceptor,
		listener: spy,
		events:   events,
		client:   clientTLS,
		addr:     spy.Addr().String(),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { f.done <- acceptor.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Error("acceptor did not stop")
		}
	})
	return f
}

func (f *acceptorFixture) dial(t *testing.T, protos ...string) (*tls.Conn, error) {
	t.Helper()
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 2 * time.Second},
		Config:    clientWith(f.client, protos...),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, err
	}
	return conn.(*tls.Conn), nil
}
