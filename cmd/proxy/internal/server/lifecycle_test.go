package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core/coretest"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/metric"
)

func testConfig(t *testing.T) (Config, *tls.Config) {
	t.Helper()
	serverTLS, clientTLS := coretest.TLSConfigs(t)
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.IOThreads = 2
	cfg.TaskThreads = 8
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.TLSConfig = serverTLS
	return cfg, clientTLS
}

func startLifecycle(t *testing.T, l *Lifecycle, cfg Config) {
	t.Helper()
	require.NoError(t, l.Start(context.Background(), cfg))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
}

func dialTLS(t *testing.T, addr string, client *tls.Config, protos ...string) (*tls.Conn, error) {
	t.Helper()
	cfg := client.Clone()
	cfg.NextProtos = protos
	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 2 * time.Second}, Config: cfg}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return c.(*tls.Conn), nil
}

type rootBody struct {
	Protocol string `json:"protocol"`
	ALPN     string `json:"alpn"`
	Path     string `json:"path"`
}

func TestLifecycleServesDefaultProtocols(t *testing.T) {
	cfg, clientTLS := testConfig(t)
	l := New()
	startLifecycle(t, l, cfg)
	addr := l.Addr().String()

	t.Run("h2", func(t *testing.T) {
		clientCfg := clientTLS.Clone()
		clientCfg.NextProtos = []string{core.ProtocolHTTP11, core.ProtocolHTTP2}
		transport := &http2.Transport{
			TLSClientConfig: clientCfg,
			DialTLSContext: func(ctx context.Context, network, _ string, c *tls.Config) (net.Conn, error) {
				return (&tls.Dialer{Config: c}).DialContext(ctx, network, addr)
			},
		}
		defer transport.CloseIdleConnections()

		resp, err := (&http.Client{Transport: transport, Timeout: 5 * time.Second}).Get("https://localhost/h2")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body rootBody
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, rootBody{Protocol: "HTTP/2.0", ALPN: core.ProtocolHTTP2, Path: "/h2"}, body)
	})

	t.Run("http/1.1 without alpn", func(t *testing.T) {
		transport := &http.Transport{
			TLSClientConfig: clientTLS.Clone(),
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
		defer transport.CloseIdleConnections()

		resp, err := (&http.Client{Transport: transport, Timeout: 5 * time.Second}).Get("https://localhost/legacy")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body rootBody
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, rootBody{Protocol: "HTTP/1.1", ALPN: "", Path: "/legacy"}, body)
	})

	t.Run("spdy/3 rejected", func(t *testing.T) {
		_, err := dialTLS(t, addr, clientTLS, "spdy/3")
		assert.Error(t, err)
	})
}

func TestLifecycleDoubleStart(t *testing.T) {
	cfg, _ := testConfig(t)
	l := New()
	startLifecycle(t, l, cfg)
	addr := l.Addr()
	acceptor := l.Acceptor()

	err := l.Start(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, l.Running())
	assert.Equal(t, addr, l.Addr())
	assert.Same(t, acceptor, l.Acceptor())
}

func TestLifecycleSilentClientsDoNotStarveHandshakes(t *testing.T) {
	cfg, clientTLS := testConfig(t)
	cfg.TaskThreads = 2
	cfg.HandshakeTimeout = 10 * time.Second
	l := New()
	startLifecycle(t, l, cfg)
	addr := l.Addr().String()

	// More silent clients than handshake slots.
	for i := 0; i < 2*cfg.TaskThreads; i++ {
		silent, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer silent.Close()
	}
	// Idle connections past their handshake keep their handler running.
	for i := 0; i < 2*cfg.TaskThreads; i++ {
		idle, err := dialTLS(t, addr, clientTLS, core.ProtocolHTTP2)
		require.NoError(t, err)
		defer idle.Close()
	}

	transport := &http2.Transport{
		TLSClientConfig: clientTLS.Clone(),
		DialTLSContext: func(ctx context.Context, network, _ string, c *tls.Config) (net.Conn, error) {
			return (&tls.Dialer{Config: c}).DialContext(ctx, network, addr)
		},
	}
	defer transport.CloseIdleConnections()

	resp, err := (&http.Client{Transport: transport, Timeout: 2 * time.Second}).Get("https://localhost/ok")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HTTP/2.0", resp.Proto)
}

// brokenListener fails every Accept with a non-temporary error.
type brokenListener struct {
	net.Listener
	err error
}

func (l brokenListener) Accept() (net.Conn, error) {
	return nil, l.err
}

func TestLifecycleAcceptorFailure(t *testing.T) {
	cfg, _ := testConfig(t)
	errBroken := errors.New("listener broken")

	l := New()
	l.bind = func(ctx context.Context, cfg Config) (net.Listener, error) {
		ln, err := listen(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return brokenListener{Listener: ln, err: errBroken}, nil
	}
	require.NoError(t, l.Start(context.Background(), cfg))
	addr := l.Addr().String()

	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("acceptor did not exit")
	}
	assert.False(t, l.Running())
	assert.Equal(t, PhaseStopped, l.Phase())
	assert.ErrorIs(t, l.Err(), errBroken)
	assert.Nil(t, l.Addr())
	require.NoError(t, l.Stop(context.Background()))

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener must be closed")

	// A failed server can be started again.
	l.bind = listen
	startLifecycle(t, l, cfg)
	assert.True(t, l.Running())
	assert.NoError(t, l.Err())
	require.NoError(t, l.Stop(context.Background()))
	<-l.Done()
	assert.NoError(t, l.Err())
}

func TestLifecycleStopIdempotent(t *testing.T) {
	cfg, _ := testConfig(t)
	l := New()

	assert.NoError(t, l.Stop(context.Background()), "stop before start")
	assert.Equal(t, PhaseAbsent, l.Phase())

	require.NoError(t, l.Start(context.Background(), cfg))
	addr := l.Addr().String()
	assert.Equal(t, PhaseRunning, l.Phase())

	require.NoError(t, l.Stop(context.Background()))
	require.NoError(t, l.Stop(context.Background()))
	assert.Equal(t, PhaseStopped, l.Phase())
	assert.False(t, l.Running())
	assert.Nil(t, l.Addr())
	assert.Nil(t, l.Acceptor())

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener must be closed after stop")

	// A stopped lifecycle can start again.
	require.NoError(t, l.Start(context.Background(), cfg))
	require.NoError(t, l.Stop(context.Background()))
}

func TestLifecycleStopKeepsHandedOffConnections(t *testing.T) {
	cfg, clientTLS := testConfig(t)
	handed := make(chan *core.Connection, 1)
	echo := core.HandlerFunc(func(c *core.Connection) {
		handed <- c
		defer c.Close()
		_, _ = io.Copy(c, c)
	})
	cfg.Protocols = []core.ProtocolEntry{{Name: core.ProtocolHTTP2, Handler: echo, Priority: 1}}

	l := New()
	require.NoError(t, l.Start(context.Background(), cfg))
	client, err := dialTLS(t, l.Addr().String(), clientTLS, core.ProtocolHTTP2)
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-handed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not handed off")
	}

	require.NoError(t, l.Stop(context.Background()))

	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Write([]byte("still here"))
	require.NoError(t, err)
	buf := make([]byte, len("still here"))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf))
}

func TestLifecycleStartErrors(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	busyPort := occupied.Addr().(*net.TCPAddr).Port

	h := core.HandlerFunc(func(c *core.Connection) { _ = c.Close() })

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
		check   func(t *testing.T, err error)
	}{
		{
			name:    "no protocols",
			mutate:  func(c *Config) { c.Protocols = []core.ProtocolEntry{} },
			wantErr: core.ErrNoProtocols,
		},
		{
			name: "duplicate protocol",
			mutate: func(c *Config) {
				c.Protocols = []core.ProtocolEntry{
					{Name: core.ProtocolHTTP2, Handler: h, Priority: 1},
					{Name: core.ProtocolHTTP2, Handler: h, Priority: 2},
				}
			},
			check: func(t *testing.T, err error) {
				var dup *core.DuplicateProtocolError
				assert.ErrorAs(t, err, &dup)
			},
		},
		{name: "nil tls", mutate: func(c *Config) { c.TLSConfig = nil }, wantErr: ErrInvalidConfig},
		{name: "zero buffer", mutate: func(c *Config) { c.BufferSize = 0 }, wantErr: ErrInvalidConfig},
		{name: "zero io threads", mutate: func(c *Config) { c.IOThreads = 0 }, wantErr: ErrInvalidConfig},
		{name: "inverted watermarks", mutate: func(c *Config) { c.HighWater, c.LowWater = 1, 2 }, wantErr: ErrInvalidConfig},
		{
			name:    "proxy protocol without addrs",
			mutate:  func(c *Config) { c.ProxyProtocol.Behavior = ProxyProtocolDenyUnauthorized },
			wantErr: ErrInvalidConfig,
		},
		{
			name:   "bind failure",
			mutate: func(c *Config) { c.Port = busyPort },
			check: func(t *testing.T, err error) {
				var opErr *net.OpError
				assert.ErrorAs(t, err, &opErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testConfig(t)
			tt.mutate(&cfg)

			l := New()
			err := l.Start(context.Background(), cfg)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
			assert.Equal(t, PhaseAbsent, l.Phase())
			assert.False(t, l.Running())
		})
	}
}

func TestLifecycleMetrics(t *testing.T) {
	cfg, clientTLS := testConfig(t)
	collector := metric.NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, collector.Register(reg))

	l := New(WithMetrics(collector))
	startLifecycle(t, l, cfg)

	_, err := dialTLS(t, l.Addr().String(), clientTLS, "spdy/3")
	require.Error(t, err)

	conn, err := dialTLS(t, l.Addr().String(), clientTLS, core.ProtocolHTTP2)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return counterValue(t, reg, "xalpn_connections_accepted_total", "", "") == 2 &&
			counterValue(t, reg, "xalpn_handoffs_total", "protocol", core.ProtocolHTTP2) == 1 &&
			counterValue(t, reg, "xalpn_handshake_failures_total", "reason", "no_protocol")+
				counterValue(t, reg, "xalpn_handshake_failures_total", "reason", "handshake") == 1
	}, 5*time.Second, 20*time.Millisecond)
}

// counterValue reads a counter series; an empty label matches any series.
func counterValue(t *testing.T, g prometheus.Gatherer, name, label, value string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label == "" {
				return m.GetCounter().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestLifecycleProxyProtocol(t *testing.T) {
	cfg, clientTLS := testConfig(t)
	remotes := make(chan net.Addr, 1)
	cfg.Protocols = []core.ProtocolEntry{{
		Name: core.ProtocolHTTP2,
		Handler: core.HandlerFunc(func(c *core.Connection) {
			remotes <- c.RemoteAddr()
			_ = c.Close()
		}),
		Priority: 1,
	}}
	cfg.ProxyProtocol = ProxyProtocol{Behavior: ProxyProtocolUseAlways}

	l := New()
	startLifecycle(t, l, cfg)

	raw, err := net.DialTimeout("tcp", l.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer raw.Close()

	header := &proxyproto.Header{
		Version:           1,
		Command:           proxyproto.PROXY,
		TransportProtocol: proxyproto.TCPv4,
		SourceAddr:        &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 41000},
		DestinationAddr:   &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 443},
	}
	_, err = header.WriteTo(raw)
	require.NoError(t, err)

	clientCfg := clientTLS.Clone()
	clientCfg.NextProtos = []string{core.ProtocolHTTP2}
	tc := tls.Client(raw, clientCfg)
	require.NoError(t, tc.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, tc.Handshake())

	select {
	case remote := <-remotes:
		assert.Equal(t, "203.0.113.7:41000", remote.String())
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestConfigAddrAndDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "0.0.0.0:8443", cfg.Addr())
	assert.Equal(t, 8, cfg.IOThreads)
	assert.Equal(t, 30, cfg.TaskThreads)
	assert.Equal(t, 1000000, cfg.HighWater)
	assert.Equal(t, 1000000, cfg.LowWater)
	assert.True(t, cfg.TCPNoDelay)
	assert.Equal(t, core.ProtocolHTTP11, cfg.FallbackProtocol)

	cfg.Host = "::1"
	cfg.Port = 9000
	assert.Equal(t, "[::1]:9000", cfg.Addr())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "absent", PhaseAbsent.String())
	assert.Equal(t, "running", PhaseRunning.String())
	assert.Equal(t, "stopped", PhaseStopped.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
