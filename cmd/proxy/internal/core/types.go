package core

import (
	"context"
	"crypto/tls"
)

// Well-known ALPN tokens served by default.
const (
	ProtocolHTTP2  = "h2"
	ProtocolHTTP11 = "http/1.1"
)

// Handler consumes a negotiated connection.
// Serve is called exactly once per connection and takes full ownership of it:
// the handler closes the connection when it is done. Serve should block for
// the lifetime of the connection so the acceptor can track live connections.
type Handler interface {
	Serve(conn *Connection)
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(conn *Connection)

// Serve calls f(conn).
func (f HandlerFunc) Serve(conn *Connection) {
	f(conn)
}

// BackendResolver defines how to find an upstream address for a negotiated
// application protocol. It is purely a lookup mechanism and knows nothing
// about the network.
type BackendResolver interface {
	Resolve(ctx context.Context, protocol string) (string, error)
}

// TLSProvider defines how to retrieve the server certificate.
// It abstracts away the storage mechanism (K8s Secret, File, memory).
type TLSProvider interface {
	GetCertificate(ctx context.Context) (*tls.Certificate, error)
	Store(ctx context.Context, certPEM, keyPEM []byte) error
}

// TaskPool runs connection tasks. Submit must not block on application work;
// a pool that cannot take the task returns an error.
type TaskPool interface {
	Submit(task func()) error
}
