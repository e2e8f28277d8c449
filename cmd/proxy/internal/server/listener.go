package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pires/go-proxyproto"
)

// listen binds the raw TCP listener with the configured socket options and
// optional PROXY protocol parsing.
func listen(ctx context.Context, cfg Config) (net.Listener, error) {
	network := "tcp"
	// 0.0.0.0 binds IPv4 only rather than the dual stack default
	if cfg.Host == "0.0.0.0" {
		network = "tcp4"
	}

	lc := net.ListenConfig{KeepAlive: -1}
	ln, err := lc.Listen(ctx, network, cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}

	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		return ln, nil
	}
	var wrapped net.Listener = tcpOptionsListener{
		TCPListener: tcp,
		noDelay:     cfg.TCPNoDelay,
		keepAlive:   cfg.KeepAlivePeriod,
	}

	wrapped, err = wrapProxyProtocol(wrapped, cfg.ProxyProtocol)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return wrapped, nil
}

// tcpOptionsListener applies NODELAY and keep-alive to every accepted
// connection.
type tcpOptionsListener struct {
	*net.TCPListener
	noDelay   bool
	keepAlive time.Duration
}

func (ln tcpOptionsListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if err := tc.SetNoDelay(ln.noDelay); err != nil {
		_ = tc.Close()
		return nil, temporaryError{err}
	}
	if ln.keepAlive > 0 {
		if err := tc.SetKeepAlive(true); err != nil {
			_ = tc.Close()
			return nil, temporaryError{err}
		}
		if err := tc.SetKeepAlivePeriod(ln.keepAlive); err != nil {
			_ = tc.Close()
			return nil, temporaryError{err}
		}
	}
	return tc, nil
}

func wrapProxyProtocol(ln net.Listener, pp ProxyProtocol) (net.Listener, error) {
	if pp.Behavior == "" {
		return ln, nil
	}

	authorizedAddrs := make([]string, 0, len(pp.AuthorizedAddrs))
	for _, v := range pp.AuthorizedAddrs {
		if v = strings.TrimSpace(v); v != "" {
			authorizedAddrs = append(authorizedAddrs, v)
		}
	}

	var (
		policyFunc proxyproto.PolicyFunc
		err        error
	)
	switch pp.Behavior {
	case ProxyProtocolUseAlways:
		policyFunc = func(upstream net.Addr) (proxyproto.Policy, error) {
			return proxyproto.USE, nil
		}

	case ProxyProtocolAllowAuthorized:
		if len(authorizedAddrs) == 0 {
			return nil, fmt.Errorf("%w: proxy protocol behavior set but no authorized addrs", ErrInvalidConfig)
		}
		policyFunc, err = proxyproto.LaxWhiteListPolicy(authorizedAddrs)

	case ProxyProtocolDenyUnauthorized:
		if len(authorizedAddrs) == 0 {
			return nil, fmt.Errorf("%w: proxy protocol behavior set but no authorized addrs", ErrInvalidConfig)
		}
		policyFunc, err = proxyproto.StrictWhiteListPolicy(authorizedAddrs)

	default:
		return nil, fmt.Errorf("%w: unknown proxy protocol behavior %q", ErrInvalidConfig, pp.Behavior)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: proxy protocol authorized addrs: %w", ErrInvalidConfig, err)
	}

	return unauthorizedUpstreamListener{&proxyproto.Listener{
		Listener: ln,
		Policy:   policyFunc,
	}}, nil
}

// unauthorizedUpstreamListener reports rejected upstreams as temporary so
// the accept loop keeps going.
type unauthorizedUpstreamListener struct {
	net.Listener
}

func (ln unauthorizedUpstreamListener) Accept() (net.Conn, error) {
	conn, err := ln.Listener.Accept()
	if err != nil && errors.Is(err, proxyproto.ErrInvalidUpstream) {
		return nil, temporaryError{err}
	}
	return conn, err
}

type temporaryError struct {
	error
}

func (temporaryError) Temporary() bool { return true }

func (e temporaryError) Unwrap() error { return e.error }
