package core

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultBufferSize is used when a pool is created with a non-positive size.
const DefaultBufferSize = 16 * 1024

// BufferStrategy selects how a BufferPool hands out buffers.
type BufferStrategy string

const (
	// BufferReusable recycles released buffers.
	BufferReusable BufferStrategy = "reusable"
	// BufferEphemeral allocates a fresh buffer on every Acquire.
	BufferEphemeral BufferStrategy = "ephemeral"
)

// ParseBufferStrategy parses a strategy name. The empty string means reusable.
func ParseBufferStrategy(s string) (BufferStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(BufferReusable), "pooled", "direct":
		return BufferReusable, nil
	case string(BufferEphemeral), "heap":
		return BufferEphemeral, nil
	default:
		return "", fmt.Errorf("unknown buffer strategy %q (supported: reusable, ephemeral)", s)
	}
}

// BufferPool supplies fixed-size byte buffers shared by all connections.
// Acquire never blocks and never fails: an empty pool allocates.
type BufferPool struct {
	size     int
	strategy BufferStrategy
	pool     sync.Pool
}

// NewBufferPool creates a pool of buffers of the given size.
func NewBufferPool(size int, strategy BufferStrategy) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if strategy == "" {
		strategy = BufferReusable
	}
	return &BufferPool{size: size, strategy: strategy}
}

// Size returns the length of every buffer handed out by the pool.
func (p *BufferPool) Size() int {
	return p.size
}

// Strategy returns the configured strategy.
func (p *BufferPool) Strategy() BufferStrategy {
	return p.strategy
}

// Acquire returns a buffer of exactly Size bytes.
func (p *BufferPool) Acquire() []byte {
	if p.strategy == BufferReusable {
		if b, ok := p.pool.Get().(*[]byte); ok {
			return (*b)[:p.size]
		}
	}
	return make([]byte, p.size)
}

// Release hands a buffer back for reuse. Buffers that are too small are dropped.
func (p *BufferPool) Release(buf []byte) {
	if p.strategy != BufferReusable || cap(buf) < p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}
