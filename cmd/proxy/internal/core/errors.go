package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyProtocolName is returned when registering a protocol without a name.
	ErrEmptyProtocolName = errors.New("protocol name must not be empty")
	// ErrNilHandler is returned when registering a protocol without a handler.
	ErrNilHandler = errors.New("protocol handler must not be nil")
	// ErrNoProtocols is returned when accepting would begin with an empty registry.
	ErrNoProtocols = errors.New("no protocols registered")
	// ErrTaskRejected wraps a task pool refusal for a freshly accepted connection.
	ErrTaskRejected = errors.New("connection task rejected")
	// ErrAcceptorRunning is returned by Run when the acceptor is already running.
	ErrAcceptorRunning = errors.New("acceptor already running")
)

// DuplicateProtocolError reports a second registration under the same name.
type DuplicateProtocolError struct {
	Name string
}

func (e *DuplicateProtocolError) Error() string {
	return fmt.Sprintf("protocol %q already registered", e.Name)
}

// UnknownProtocolError reports a lookup for a name that was never registered.
type UnknownProtocolError struct {
	Name string
}

func (e *UnknownProtocolError) Error() string {
	return fmt.Sprintf("protocol %q is not registered", e.Name)
}

// NoProtocolError reports a client whose ALPN offer shares nothing with the registry.
type NoProtocolError struct {
	Offered []string
}

func (e *NoProtocolError) Error() string {
	if len(e.Offered) == 0 {
		return "client offered no application protocol and no fallback is set"
	}
	return fmt.Sprintf("no supported application protocol in client offer [%s]", strings.Join(e.Offered, ", "))
}

// HandshakeError wraps a TLS handshake failure for a single connection.
type HandshakeError struct {
	RemoteAddr string
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s failed: %v", e.RemoteAddr, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// FailureReason classifies a connection-local failure into a short label
// suitable for logs and metrics.
func FailureReason(err error) string {
	var (
		noProto   *NoProtocolError
		unknown   *UnknownProtocolError
		handshake *HandshakeError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &noProto):
		return "no_protocol"
	case errors.As(err, &unknown):
		return "unknown_protocol"
	case errors.Is(err, ErrTaskRejected):
		return "rejected"
	case errors.As(err, &handshake):
		return "handshake"
	default:
		return "other"
	}
}
