// Package h2 serves negotiated "h2" connections with golang.org/x/net/http2.
package h2

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
)

// Option configures a Handler.
type Option func(*http2.Server)

// WithMaxConcurrentStreams limits streams per connection.
func WithMaxConcurrentStreams(n uint32) Option {
	return func(s *http2.Server) {
		s.MaxConcurrentStreams = n
	}
}

// WithIdleTimeout closes connections idle for longer than d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *http2.Server) {
		s.IdleTimeout = d
	}
}

// Handler runs the HTTP/2 server loop on a single connection.
type Handler struct {
	server *http2.Server
	root   http.Handler
}

// NewHandler creates an HTTP/2 handler dispatching requests to root.
func NewHandler(root http.Handler, opts ...Option) *Handler {
	srv := &http2.Server{
		IdleTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return &Handler{server: srv, root: root}
}

// Serve implements core.Handler. It returns when the connection is closed.
func (h *Handler) Serve(conn *core.Connection) {
	defer conn.Close()

	log := logger.With("conn_id", conn.ID(), "protocol", conn.Protocol(), "remote_addr", conn.RemoteAddr())
	log.Debug("Serving HTTP/2 connection")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.server.ServeConn(conn, &http2.ServeConnOpts{
		Context: ctx,
		Handler: h.root,
	})

	log.Debug("HTTP/2 connection finished", "duration", time.Since(conn.AcceptedAt()))
}
