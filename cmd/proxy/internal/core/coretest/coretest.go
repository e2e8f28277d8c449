// Package coretest runs a real acceptor on loopback for handler tests.
package coretest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/certgen"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
)

// TLSConfigs returns a server config and a client config that trusts it.
func TLSConfigs(t testing.TB) (server *tls.Config, client *tls.Config) {
	t.Helper()

	certPEM, keyPEM, err := certgen.GenerateSelfSignedCert()
	require.NoError(t, err)
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(certPEM))

	server = &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}
	client = &tls.Config{RootCAs: roots, ServerName: "localhost", MinVersion: tls.VersionTLS12}
	return server, client
}

// Server is a running acceptor bound to 127.0.0.1.
type Server struct {
	Addr      string
	ClientTLS *tls.Config
	Acceptor  *core.Acceptor
}

type goPool struct{}

func (goPool) Submit(task func()) error {
	go task()
	return nil
}

// Start registers entries, sets fallback (when non-empty) and runs an
// acceptor until the test ends.
func Start(t testing.TB, fallback string, entries ...core.ProtocolEntry) *Server {
	t.Helper()

	registry := core.NewRegistry()
	require.NoError(t, registry.RegisterEntries(entries...))
	if fallback != "" {
		require.NoError(t, registry.SetFallback(fallback))
	}

	serverTLS, clientTLS := TLSConfigs(t)
	transport, err := core.NewSecureTransport(serverTLS, registry,
		core.WithHandshakeTimeout(2*time.Second),
		core.WithBufferPool(core.NewBufferPool(4096, core.BufferReusable)))
	require.NoError(t, err)

	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	acceptor := core.NewAcceptor(transport.Wrap(raw), registry, goPool{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- acceptor.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("acceptor did not stop")
		}
	})

	return &Server{Addr: raw.Addr().String(), ClientTLS: clientTLS, Acceptor: acceptor}
}

// ClientConfig returns a copy of the client config offering protos.
func (s *Server) ClientConfig(protos ...string) *tls.Config {
	cfg := s.ClientTLS.Clone()
	cfg.NextProtos = protos
	return cfg
}

// Dial opens a TLS connection offering protos.
func (s *Server) Dial(t testing.TB, protos ...string) *tls.Conn {
	t.Helper()
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 2 * time.Second},
		Config:    s.ClientConfig(protos...),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", s.Addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*tls.Conn)
}
