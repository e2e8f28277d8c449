// Package forward pipes negotiated connections to a backend resolved per
// application protocol, terminating TLS at the proxy.
package forward

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
)

// Handler implements core.Handler.
// It takes full ownership of the connection lifecycle.
type Handler struct {
	Resolver core.BackendResolver
	Dialer   *net.Dialer
	Timeout  time.Duration
}

// NewHandler creates a forwarding handler.
func NewHandler(resolver core.BackendResolver) *Handler {
	return &Handler{
		Resolver: resolver,
		Dialer:   &net.Dialer{KeepAlive: 3 * time.Minute},
		Timeout:  5 * time.Second,
	}
}

type closeWriter interface {
	CloseWrite() error
}

// Serve implements core.Handler.
func (h *Handler) Serve(clientConn *core.Connection) {
	defer clientConn.Close()

	log := logger.With("conn_id", clientConn.ID(), "protocol", clientConn.Protocol(), "remote_addr", clientConn.RemoteAddr())

	// 1. Resolve Backend
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	backendAddr, err := h.Resolver.Resolve(ctx, clientConn.Protocol())
	if err != nil {
		log.Error("Resolution failed", "error", err)
		return
	}

	// 2. Dial Backend
	backendConn, err := h.Dialer.DialContext(ctx, "tcp", backendAddr)
	if err != nil {
		log.Error("Dial failed", "backend_addr", backendAddr, "error", err)
		return
	}
	defer backendConn.Close()

	log.Info("Forwarding connection", "backend_addr", backendAddr)

	// 3. Pipe Data
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyHalf(backendConn, clientConn, clientConn.Buffers())
	}()

	go func() {
		defer wg.Done()
		copyHalf(clientConn.TLS(), backendConn, clientConn.Buffers())
	}()

	wg.Wait()
	log.Debug("Forwarding finished", "backend_addr", backendAddr, "duration", time.Since(clientConn.AcceptedAt()))
}

// copyHalf copies src to dst with a pooled buffer, then half-closes dst so
// the peer sees EOF while the other direction keeps flowing.
func copyHalf(dst io.Writer, src io.Reader, buffers *core.BufferPool) {
	buf := buffers.Acquire()
	defer buffers.Release(buf)

	_, _ = io.CopyBuffer(dst, src, buf)
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
