package factory

import (
	"crypto/tls"
	"fmt"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/api"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/protocol/forward"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/protocol/h2"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/protocol/http1"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/server"
)

// HandlerFactory creates the protocol table served by the acceptor
type HandlerFactory struct {
	cfg *config.Config
}

// NewHandlerFactory creates a new handler factory
func NewHandlerFactory(cfg *config.Config) *HandlerFactory {
	return &HandlerFactory{cfg: cfg}
}

// Create returns the protocol entries for the configured handler mode.
// resolver is only used in forward mode.
func (f *HandlerFactory) Create(resolver core.BackendResolver) ([]core.ProtocolEntry, error) {
	switch f.cfg.Handler {
	case config.HandlerServe:
		logger.Info("Creating in-process HTTP handlers", "protocols", []string{core.ProtocolHTTP2, core.ProtocolHTTP11})
		root := api.NewRootHandler()
		return server.DefaultProtocols(h2.NewHandler(root), http1.NewHandler(root)), nil

	case config.HandlerForward:
		if resolver == nil {
			return nil, fmt.Errorf("forward handler mode requires a backend resolver")
		}
		logger.Info("Creating forwarding handlers", "discovery", f.cfg.DiscoveryMode)
		fwd := forward.NewHandler(resolver)
		return server.DefaultProtocols(fwd, fwd), nil

	default:
		return nil, fmt.Errorf("unknown handler mode: %s", f.cfg.Handler)
	}
}

// NewServerConfig maps the environment configuration onto the server knobs.
func NewServerConfig(cfg *config.Config, tlsConfig *tls.Config, protocols []core.ProtocolEntry) (server.Config, error) {
	strategy, err := core.ParseBufferStrategy(cfg.BufferStrategy)
	if err != nil {
		return server.Config{}, err
	}

	sc := server.DefaultConfig()
	sc.Host = cfg.BindHost
	sc.Port = cfg.TLSPort
	sc.TLSConfig = tlsConfig
	sc.BufferSize = cfg.BufferSize
	sc.BufferStrategy = strategy
	sc.IOThreads = cfg.IOThreads
	sc.TaskThreads = cfg.TaskThreads
	sc.HighWater = cfg.HighWater
	sc.LowWater = cfg.LowWater
	sc.TCPNoDelay = cfg.TCPNoDelay
	sc.KeepAlivePeriod = cfg.TCPKeepAlive
	sc.HandshakeTimeout = cfg.HandshakeTimeout
	sc.ProxyProtocol = server.ProxyProtocol{
		Behavior:        cfg.ProxyProtocolBehavior,
		AuthorizedAddrs: cfg.ProxyProtocolAuthorizedAddrs,
	}
	sc.Protocols = protocols
	return sc, nil
}
