// Package worker runs connection tasks on a bounded goroutine pool.
package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
)

var (
	// ErrPoolClosed is returned when submitting to a released pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolOverload is returned by a non-blocking pool with no free worker.
	ErrPoolOverload = errors.New("worker pool is overloaded")
)

// Config defines the configuration for the worker pool.
type Config struct {
	// Capacity is the maximum number of concurrent tasks. Zero means unlimited.
	Capacity int
	// ExpiryDuration is how long an idle worker goroutine is kept.
	ExpiryDuration time.Duration
	// PreAlloc allocates the worker queue up front.
	PreAlloc bool
	// Nonblocking makes Submit fail with ErrPoolOverload instead of waiting.
	Nonblocking bool
	// MaxBlockingTasks caps the waiting submitters when Nonblocking is false.
	MaxBlockingTasks int
	// PanicHandler is called with the recovered value of a panicking task.
	PanicHandler func(any)
}

// DefaultConfig returns the configuration used for connection tasks.
func DefaultConfig() *Config {
	return &Config{
		Capacity:       30,
		ExpiryDuration: 10 * time.Second,
		Nonblocking:    true,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Rejected  int64
	Panics    int64
}

// Pool represents a worker pool.
type Pool struct {
	name string
	pool *ants.Pool

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64

	closed   atomic.Bool
	closedMu sync.Mutex
}

// New creates a new worker pool with the given configuration.
func New(name string, cfg *Config) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pool{name: name}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = -1
	}
	pool, err := ants.NewPool(capacity, p.options(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool %s: %w", name, err)
	}
	p.pool = pool

	logger.Info("Worker pool created",
		"name", name,
		"capacity", cfg.Capacity,
		"nonblocking", cfg.Nonblocking)

	return p, nil
}

func (p *Pool) options(cfg *Config) []ants.Option {
	opts := []ants.Option{
		ants.WithExpiryDuration(cfg.ExpiryDuration),
		ants.WithPreAlloc(cfg.PreAlloc),
		ants.WithNonblocking(cfg.Nonblocking),
		ants.WithMaxBlockingTasks(cfg.MaxBlockingTasks),
	}

	handler := cfg.PanicHandler
	if handler == nil {
		handler = func(v any) {
			logger.Error("Worker panic recovered", "pool", p.name, "panic", v)
		}
	}
	opts = append(opts, ants.WithPanicHandler(func(v any) {
		p.panics.Add(1)
		handler(v)
	}))

	return opts
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Cap returns the pool capacity.
func (p *Pool) Cap() int {
	return p.pool.Cap()
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Submit runs task on a pool goroutine.
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	err := p.pool.Submit(func() {
		defer p.completed.Add(1)
		task()
	})
	switch {
	case err == nil:
		p.submitted.Add(1)
		return nil
	case errors.Is(err, ants.ErrPoolOverload):
		p.rejected.Add(1)
		return ErrPoolOverload
	case errors.Is(err, ants.ErrPoolClosed):
		p.rejected.Add(1)
		return ErrPoolClosed
	default:
		p.rejected.Add(1)
		return err
	}
}

// Release closes the pool. Tasks already running finish on their own.
func (p *Pool) Release() {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	if p.closed.Load() {
		return
	}

	p.closed.Store(true)
	p.pool.Release()
	logger.Info("Worker pool released", "name", p.name)
}

// ReleaseTimeout closes the pool and waits up to timeout for running tasks.
func (p *Pool) ReleaseTimeout(timeout time.Duration) error {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	if p.closed.Load() {
		return nil
	}

	p.closed.Store(true)
	return p.pool.ReleaseTimeout(timeout)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
	}
}
