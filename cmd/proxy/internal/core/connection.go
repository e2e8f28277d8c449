package core

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Connection is one accepted, TLS-secured duplex stream whose application
// protocol has been negotiated. It embeds the TLS connection, so handlers can
// use it as a plain net.Conn.
type Connection struct {
	net.Conn

	tlsConn    *tls.Conn
	id         string
	protocol   string
	buffers    *BufferPool
	acceptedAt time.Time
	handedOff  atomic.Bool
}

func newConnection(tc *tls.Conn, protocol string, buffers *BufferPool, acceptedAt time.Time) *Connection {
	return &Connection{
		Conn:       tc,
		tlsConn:    tc,
		id:         uuid.NewString(),
		protocol:   protocol,
		buffers:    buffers,
		acceptedAt: acceptedAt,
	}
}

// ID returns a unique identifier used to correlate log lines.
func (c *Connection) ID() string {
	return c.id
}

// Protocol returns the negotiated application protocol name.
func (c *Connection) Protocol() string {
	return c.protocol
}

// Buffers returns the shared buffer pool. The connection does not own it.
func (c *Connection) Buffers() *BufferPool {
	return c.buffers
}

// AcceptedAt returns the time the raw connection was accepted.
func (c *Connection) AcceptedAt() time.Time {
	return c.acceptedAt
}

// TLS returns the underlying TLS connection.
func (c *Connection) TLS() *tls.Conn {
	return c.tlsConn
}

// ConnectionState lets consumers such as the HTTP/2 server see the TLS state
// through the wrapper.
func (c *Connection) ConnectionState() tls.ConnectionState {
	return c.tlsConn.ConnectionState()
}

// HandedOff reports whether the connection has been given to a handler.
func (c *Connection) HandedOff() bool {
	return c.handedOff.Load()
}

// handoff marks the connection as owned by a handler. Only the first call wins.
func (c *Connection) handoff() bool {
	return c.handedOff.CompareAndSwap(false, true)
}
