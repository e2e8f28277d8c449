// Package http1 serves the legacy HTTP/1.x fallback with net/http.
package http1

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
)

// Handler serves one connection at a time through a net/http server.
type Handler struct {
	root              http.Handler
	readHeaderTimeout time.Duration
	idleTimeout       time.Duration
}

// NewHandler creates an HTTP/1.x handler dispatching requests to root.
func NewHandler(root http.Handler) *Handler {
	return &Handler{
		root:              root,
		readHeaderTimeout: 10 * time.Second,
		idleTimeout:       2 * time.Minute,
	}
}

// Serve implements core.Handler. It returns once the connection is closed
// or hijacked.
func (h *Handler) Serve(conn *core.Connection) {
	log := logger.With("conn_id", conn.ID(), "protocol", conn.Protocol(), "remote_addr", conn.RemoteAddr())
	log.Debug("Serving HTTP/1.x connection")

	ln := newConnListener(conn.TLS())
	srv := &http.Server{
		Handler:           h.root,
		ReadHeaderTimeout: h.readHeaderTimeout,
		IdleTimeout:       h.idleTimeout,
		// Non-nil and empty: never upgrade this connection to HTTP/2.
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		ErrorLog:     slog.NewLogLogger(logger.Logger().Handler(), slog.LevelWarn),
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				ln.finish()
			}
		},
	}

	_ = srv.Serve(ln)
	log.Debug("HTTP/1.x connection finished", "duration", time.Since(conn.AcceptedAt()))
}

// connListener yields a single connection, then blocks until that
// connection is done.
type connListener struct {
	conn   net.Conn
	once   sync.Once
	mu     sync.Mutex
	served bool
	done   chan struct{}
}

func newConnListener(conn net.Conn) *connListener {
	return &connListener{conn: conn, done: make(chan struct{})}
}

func (l *connListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.served {
		l.served = true
		l.mu.Unlock()
		return l.conn, nil
	}
	l.mu.Unlock()

	<-l.done
	return nil, net.ErrClosed
}

func (l *connListener) finish() {
	l.once.Do(func() { close(l.done) })
}

func (l *connListener) Close() error {
	l.finish()
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
