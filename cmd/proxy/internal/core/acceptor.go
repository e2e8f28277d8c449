package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
)

// ConnState is a step in the life of one accepted connection.
type ConnState int

const (
	StateAccepted ConnState = iota
	StateHandshaking
	StateResolved
	StateHandedOff
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateResolved:
		return "resolved"
	case StateHandedOff:
		return "handed_off"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Event describes a connection state transition.
type Event struct {
	State    ConnState
	ConnID   string
	Protocol string
	Remote   net.Addr
	Err      error
}

// Observer receives connection state transitions. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	ObserveConn(ev Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(ev Event)

// ObserveConn calls f(ev).
func (f ObserverFunc) ObserveConn(ev Event) {
	f(ev)
}

// Observers fans an event out to several observers.
func Observers(obs ...Observer) Observer {
	return ObserverFunc(func(ev Event) {
		for _, o := range obs {
			o.ObserveConn(ev)
		}
	})
}

// AcceptorOption configures an Acceptor.
type AcceptorOption func(*Acceptor)

// WithIOThreads sets the number of concurrent accept loops.
func WithIOThreads(n int) AcceptorOption {
	return func(a *Acceptor) {
		if n > 0 {
			a.ioThreads = n
		}
	}
}

// WithWatermarks pauses accepting once high connections are live and resumes
// when the count falls to low. A high of zero disables the limit.
func WithWatermarks(high, low int) AcceptorOption {
	return func(a *Acceptor) {
		a.highWater = int64(high)
		a.lowWater = int64(low)
	}
}

// WithObserver installs a state transition observer.
func WithObserver(o Observer) AcceptorOption {
	return func(a *Acceptor) {
		a.observer = o
	}
}

// Acceptor accepts connections on a SecureListener, negotiates their
// protocol and hands each one to its handler exactly once.
type Acceptor struct {
	listener  *SecureListener
	registry  *Registry
	pool      TaskPool
	observer  Observer
	ioThreads int
	highWater int64
	lowWater  int64

	active  atomic.Int64
	running atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
	// paused is set by Pause and Resume, throttled by the watermarks.
	paused    bool
	throttled bool
}

// NewAcceptor composes a listener, registry and task pool.
func NewAcceptor(listener *SecureListener, registry *Registry, pool TaskPool, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		listener:  listener,
		registry:  registry,
		pool:      pool,
		ioThreads: 1,
	}
	a.cond = sync.NewCond(&a.mu)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run accepts until ctx is cancelled or the listener is closed, in which case
// it returns nil. A non-temporary accept error stops every loop and is
// returned. Cancelling ctx closes the listener.
func (a *Acceptor) Run(ctx context.Context) error {
	if a.registry.Len() == 0 {
		return ErrNoProtocols
	}
	if !a.running.CompareAndSwap(false, true) {
		return ErrAcceptorRunning
	}
	defer a.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		_ = a.listener.Close()
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for i := 0; i < a.ioThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.acceptLoop(ctx); err != nil {
				errOnce.Do(func() { firstErr = err })
				cancel()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (a *Acceptor) acceptLoop(ctx context.Context) error {
	b := newAcceptBackOff()
	for {
		if !a.waitAccepting(ctx) {
			return nil
		}

		raw, err := a.listener.AcceptRaw()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if isTemporary(err) {
				delay := b.NextBackOff()
				logger.Warn("Temporary accept error", "error", err, "retry_in", delay)
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return nil
				}
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		b.Reset()
		a.dispatch(ctx, raw, time.Now())
	}
}

// dispatch schedules the handshake and handler for one raw connection.
// RemoteAddr is not read here: a PROXY protocol connection blocks on it
// until the header arrives.
func (a *Acceptor) dispatch(ctx context.Context, raw net.Conn, acceptedAt time.Time) {
	a.track(1)
	a.emit(Event{State: StateAccepted})

	err := a.pool.Submit(func() {
		defer a.track(-1)
		a.serve(ctx, raw, acceptedAt)
	})
	if err != nil {
		a.track(-1)
		_ = raw.Close()
		a.fail(nil, "", fmt.Errorf("%w: %w", ErrTaskRejected, err))
	}
}

// serve runs inside a pool task: handshake, resolve, hand off.
func (a *Acceptor) serve(ctx context.Context, raw net.Conn, acceptedAt time.Time) {
	remote := raw.RemoteAddr()
	a.emit(Event{State: StateHandshaking, Remote: remote})

	conn, err := a.listener.HandshakeAccepted(ctx, raw, acceptedAt)
	if err != nil {
		a.fail(remote, "", err)
		return
	}

	handler, err := a.registry.Resolve(conn.Protocol())
	if err != nil {
		_ = conn.Close()
		a.fail(remote, conn.Protocol(), err)
		return
	}
	a.emit(Event{State: StateResolved, ConnID: conn.ID(), Protocol: conn.Protocol(), Remote: remote})

	if !conn.handoff() {
		return
	}
	id, protocol := conn.ID(), conn.Protocol()
	a.emit(Event{State: StateHandedOff, ConnID: id, Protocol: protocol, Remote: remote})
	logger.Debug("Connection handed off", "conn_id", id, "protocol", protocol, "remote_addr", remote)

	handler.Serve(conn)
}

func (a *Acceptor) fail(remote net.Addr, protocol string, err error) {
	logger.Warn("Connection failed",
		"remote_addr", remote,
		"protocol", protocol,
		"reason", FailureReason(err),
		"error", err)
	a.emit(Event{State: StateFailed, Protocol: protocol, Remote: remote, Err: err})
}

func (a *Acceptor) emit(ev Event) {
	if a.observer != nil {
		a.observer.ObserveConn(ev)
	}
}

// track adjusts the live connection count and applies the watermarks.
func (a *Acceptor) track(delta int64) {
	n := a.active.Add(delta)
	if a.highWater <= 0 {
		return
	}
	switch {
	case delta > 0 && n >= a.highWater:
		if a.setThrottled(true) {
			logger.Warn("Connection high water reached, pausing accepts", "active", n, "high_water", a.highWater)
		}
	case delta < 0 && n <= a.lowWater:
		if a.setThrottled(false) {
			logger.Info("Connection low water reached, resuming accepts", "active", n, "low_water", a.lowWater)
		}
	}
}

// waitAccepting blocks while accepting is paused. It reports false once ctx is done.
func (a *Acceptor) waitAccepting(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for (a.paused || a.throttled) && ctx.Err() == nil {
		a.cond.Wait()
	}
	return ctx.Err() == nil
}

// setFlag updates one of the pause flags under the lock and wakes the
// accept loops when it clears. It reports whether the flag changed.
func (a *Acceptor) setFlag(flag *bool, v bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if *flag == v {
		return false
	}
	*flag = v
	if !v {
		a.cond.Broadcast()
	}
	return true
}

func (a *Acceptor) setThrottled(v bool) bool {
	return a.setFlag(&a.throttled, v)
}

// Pause stops taking new connections until Resume. Idempotent. The
// watermarks never lift a Pause.
func (a *Acceptor) Pause() {
	a.setFlag(&a.paused, true)
}

// Resume lifts a Pause. Idempotent. Accepting stays blocked while the
// connection count is above the high watermark.
func (a *Acceptor) Resume() {
	a.setFlag(&a.paused, false)
}

// Paused reports whether accepting is paused by Pause or by the watermarks.
func (a *Acceptor) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused || a.throttled
}

// Active returns the number of accepted connections whose task has not finished.
func (a *Acceptor) Active() int64 {
	return a.active.Load()
}

// Addr returns the listening address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

func newAcceptBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}
