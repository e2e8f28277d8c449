package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
)

// ErrInvalidConfig marks a Config rejected before binding.
var ErrInvalidConfig = errors.New("invalid server config")

// PROXY protocol behaviors for the raw listener.
const (
	ProxyProtocolUseAlways        = "use_always"
	ProxyProtocolAllowAuthorized  = "allow_authorized"
	ProxyProtocolDenyUnauthorized = "deny_unauthorized"
)

// ProxyProtocol configures PROXY header parsing on accepted connections.
// An empty Behavior disables it.
type ProxyProtocol struct {
	Behavior        string
	AuthorizedAddrs []string
}

// Config is captured by Start and not modified afterwards.
type Config struct {
	Host      string
	Port      int
	TLSConfig *tls.Config

	BufferSize     int
	BufferStrategy core.BufferStrategy

	// IOThreads is the number of concurrent accept loops.
	IOThreads int
	// TaskThreads bounds TLS handshakes in progress past the ClientHello.
	// Live connections are bounded by HighWater and LowWater.
	TaskThreads int

	HighWater int
	LowWater  int

	TCPNoDelay       bool
	KeepAlivePeriod  time.Duration
	HandshakeTimeout time.Duration
	ProxyProtocol    ProxyProtocol

	// Protocols nil means DefaultProtocols; an empty non-nil slice is an error.
	Protocols        []core.ProtocolEntry
	FallbackProtocol string
}

// DefaultConfig mirrors the classic worker tuning: 8 IO threads, 30 task
// threads and a one million connection watermark.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8443,
		BufferSize:       core.DefaultBufferSize,
		BufferStrategy:   core.BufferReusable,
		IOThreads:        8,
		TaskThreads:      30,
		HighWater:        1000000,
		LowWater:         1000000,
		TCPNoDelay:       true,
		KeepAlivePeriod:  3 * time.Minute,
		HandshakeTimeout: core.DefaultHandshakeTimeout,
		FallbackProtocol: core.ProtocolHTTP11,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) validate() error {
	if c.TLSConfig == nil {
		return fmt.Errorf("%w: TLS config is required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer size must be positive, got %d", ErrInvalidConfig, c.BufferSize)
	}
	if c.IOThreads <= 0 {
		return fmt.Errorf("%w: io threads must be positive, got %d", ErrInvalidConfig, c.IOThreads)
	}
	if c.TaskThreads <= 0 {
		return fmt.Errorf("%w: task threads must be positive, got %d", ErrInvalidConfig, c.TaskThreads)
	}
	if c.HighWater < 0 || c.LowWater < 0 || c.LowWater > c.HighWater {
		return fmt.Errorf("%w: watermarks low=%d high=%d", ErrInvalidConfig, c.LowWater, c.HighWater)
	}
	switch c.ProxyProtocol.Behavior {
	case "", ProxyProtocolUseAlways:
	case ProxyProtocolAllowAuthorized, ProxyProtocolDenyUnauthorized:
		if len(c.ProxyProtocol.AuthorizedAddrs) == 0 {
			return fmt.Errorf("%w: proxy protocol behavior %q requires authorized addrs", ErrInvalidConfig, c.ProxyProtocol.Behavior)
		}
	default:
		return fmt.Errorf("%w: unknown proxy protocol behavior %q", ErrInvalidConfig, c.ProxyProtocol.Behavior)
	}
	if c.Protocols != nil && len(c.Protocols) == 0 {
		return core.ErrNoProtocols
	}
	return nil
}
