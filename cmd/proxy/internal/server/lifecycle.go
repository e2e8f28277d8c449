// Package server binds the negotiating acceptor to an address and owns its
// start and stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/api"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/metric"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/protocol/h2"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/protocol/http1"
	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/worker"
)

// ErrAlreadyRunning is returned by Start while a server is running.
var ErrAlreadyRunning = errors.New("server is already running")

// Phase is the lifecycle position of a Lifecycle.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseRunning
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is everything a running server owns.
type State struct {
	Config   Config
	Registry *core.Registry
	Buffers  *core.BufferPool
	Listener *core.SecureListener
	Acceptor *core.Acceptor
	Pool     *worker.Pool
	cancel   context.CancelFunc
	exited   chan struct{}
	runErr   error
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithHandlers replaces the default HTTP/2 and HTTP/1.1 handlers used when
// Config.Protocols is nil.
func WithHandlers(h2Handler, fallback core.Handler) Option {
	return func(l *Lifecycle) {
		l.h2Handler = h2Handler
		l.fallbackHandler = fallback
	}
}

// WithObserver adds a connection state observer.
func WithObserver(o core.Observer) Option {
	return func(l *Lifecycle) {
		l.observers = append(l.observers, o)
	}
}

// WithMetrics feeds acceptor events and the active gauge into c.
func WithMetrics(c *metric.Collector) Option {
	return func(l *Lifecycle) {
		l.metrics = c
		l.observers = append(l.observers, c)
	}
}

// Lifecycle starts and stops one server. The zero value is not usable; use New.
type Lifecycle struct {
	mu    sync.Mutex
	phase Phase
	state *State
	done  chan struct{}
	err   error
	bind  func(context.Context, Config) (net.Listener, error)

	h2Handler       core.Handler
	fallbackHandler core.Handler
	observers       []core.Observer
	metrics         *metric.Collector
}

// New creates a Lifecycle serving api.NewRootHandler over HTTP/2 and
// HTTP/1.1 unless WithHandlers says otherwise.
func New(opts ...Option) *Lifecycle {
	l := &Lifecycle{bind: listen}
	for _, opt := range opts {
		opt(l)
	}
	if l.h2Handler == nil || l.fallbackHandler == nil {
		root := api.NewRootHandler()
		if l.h2Handler == nil {
			l.h2Handler = h2.NewHandler(root)
		}
		if l.fallbackHandler == nil {
			l.fallbackHandler = http1.NewHandler(root)
		}
	}
	return l
}

// DefaultProtocols registers "h2" ahead of "http/1.1".
func DefaultProtocols(h2Handler, fallback core.Handler) []core.ProtocolEntry {
	return []core.ProtocolEntry{
		{Name: core.ProtocolHTTP2, Handler: h2Handler, Priority: 10},
		{Name: core.ProtocolHTTP11, Handler: fallback, Priority: 20},
	}
}

// Start validates cfg, binds the listener and runs the acceptor in the
// background. It returns ErrAlreadyRunning, leaving the running server
// untouched, if called twice without Stop.
func (l *Lifecycle) Start(ctx context.Context, cfg Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reapLocked()
	if l.phase == PhaseRunning {
		return ErrAlreadyRunning
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	registry, err := l.buildRegistry(cfg)
	if err != nil {
		return err
	}

	buffers := core.NewBufferPool(cfg.BufferSize, cfg.BufferStrategy)
	transport, err := core.NewSecureTransport(cfg.TLSConfig, registry,
		core.WithBufferPool(buffers),
		core.WithHandshakeTimeout(cfg.HandshakeTimeout),
		core.WithHandshakeLimit(cfg.TaskThreads))
	if err != nil {
		return err
	}

	// Each task lives as long as its connection; the watermarks bound them.
	poolCfg := worker.DefaultConfig()
	poolCfg.Capacity = 0
	pool, err := worker.New("connections", poolCfg)
	if err != nil {
		return err
	}

	raw, err := l.bind(ctx, cfg)
	if err != nil {
		pool.Release()
		return err
	}
	listener := transport.Wrap(raw)

	acceptorOpts := []core.AcceptorOption{
		core.WithIOThreads(cfg.IOThreads),
		core.WithWatermarks(cfg.HighWater, cfg.LowWater),
	}
	if len(l.observers) > 0 {
		acceptorOpts = append(acceptorOpts, core.WithObserver(core.Observers(l.observers...)))
	}
	acceptor := core.NewAcceptor(listener, registry, pool, acceptorOpts...)
	if l.metrics != nil {
		l.metrics.TrackActive(acceptor.Active)
	}

	// The acceptor outlives the Start call; only Stop ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	state := &State{
		Config:   cfg,
		Registry: registry,
		Buffers:  buffers,
		Listener: listener,
		Acceptor: acceptor,
		Pool:     pool,
		cancel:   cancel,
		exited:   make(chan struct{}),
	}
	go func() {
		state.runErr = acceptor.Run(runCtx)
		if state.runErr != nil {
			logger.Error("Acceptor stopped", "addr", listener.Addr(), "error", state.runErr)
		}
		close(state.exited)
	}()

	l.state = state
	l.phase = PhaseRunning
	l.done = state.exited
	l.err = nil

	logger.Info("Server started",
		"addr", listener.Addr(),
		"protocols", registry.NamesByPriority(),
		"fallback", registry.Fallback(),
		"io_threads", cfg.IOThreads,
		"task_threads", cfg.TaskThreads)
	return nil
}

func (l *Lifecycle) buildRegistry(cfg Config) (*core.Registry, error) {
	entries := cfg.Protocols
	if entries == nil {
		entries = DefaultProtocols(l.h2Handler, l.fallbackHandler)
	}

	registry := core.NewRegistry()
	if err := registry.RegisterEntries(entries...); err != nil {
		return nil, err
	}
	// A fallback that is not registered leaves clients without ALPN unserved.
	if _, err := registry.Resolve(cfg.FallbackProtocol); err == nil {
		if err := registry.SetFallback(cfg.FallbackProtocol); err != nil {
			return nil, err
		}
	} else if cfg.FallbackProtocol != "" {
		logger.Warn("Fallback protocol not registered, clients without ALPN will be rejected", "fallback", cfg.FallbackProtocol)
	}
	return registry, nil
}

// Stop cancels accepting, closes the listener, waits for the accept loops
// and releases the worker pool. Handlers that already own a connection keep
// running. Stop on a server that is not running returns nil.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reapLocked()
	if l.phase != PhaseRunning {
		return nil
	}
	state := l.state

	var result *multierror.Error
	state.cancel()
	if err := state.Listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
	}

	select {
	case <-state.exited:
		if state.runErr != nil {
			result = multierror.Append(result, state.runErr)
		}
		l.err = state.runErr
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for accept loops: %w", ctx.Err()))
	}

	state.Pool.Release()

	l.state = nil
	l.phase = PhaseStopped
	logger.Info("Server stopped", "addr", state.Listener.Addr())

	return result.ErrorOrNil()
}

// reapLocked moves a server whose acceptor exited without Stop to
// PhaseStopped and records the acceptor's error.
func (l *Lifecycle) reapLocked() {
	if l.phase != PhaseRunning {
		return
	}
	state := l.state
	select {
	case <-state.exited:
	default:
		return
	}

	state.cancel()
	_ = state.Listener.Close()
	state.Pool.Release()

	l.err = state.runErr
	l.state = nil
	l.phase = PhaseStopped
	logger.Warn("Server stopped without Stop", "addr", state.Listener.Addr(), "error", state.runErr)
}

// Done returns a channel that is closed when the acceptor of the last Start
// exits, either through Stop or on a fatal accept error. It is nil before the
// first Start.
func (l *Lifecycle) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the error the acceptor of the last Start exited with, or nil
// while it runs and after a clean Stop.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reapLocked()
	return l.err
}

// Phase returns the current lifecycle phase.
func (l *Lifecycle) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reapLocked()
	return l.phase
}

// Running reports whether the server is accepting.
func (l *Lifecycle) Running() bool {
	return l.Phase() == PhaseRunning
}

// Addr returns the bound address, or nil when not running.
func (l *Lifecycle) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reapLocked()
	if l.state == nil {
		return nil
	}
	return l.state.Listener.Addr()
}

// Acceptor returns the running acceptor, or nil when not running.
func (l *Lifecycle) Acceptor() *core.Acceptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reapLocked()
	if l.state == nil {
		return nil
	}
	return l.state.Acceptor
}
