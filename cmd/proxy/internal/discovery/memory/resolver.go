package memory

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/hasirciogluhq/xalpn-proxy/cmd/proxy/internal/logger"
)

// Wildcard matches any protocol without its own backend.
const Wildcard = "*"

type Resolver struct {
	backends map[string]string
	mu       sync.RWMutex
}

// NewResolver creates a new memory resolver from a comma-separated string
// Format: "protocol=host:port,..."
// Example: "h2=localhost:9000,http/1.1=localhost:9001,*=localhost:9002"
func NewResolver(mappingStr string) (*Resolver, error) {
	backends := make(map[string]string)
	if mappingStr == "" {
		return &Resolver{backends: backends}, nil
	}

	pairs := strings.Split(mappingStr, ",")
	for _, pair := range pairs {
		protocol, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		protocol = strings.TrimSpace(protocol)
		addr = strings.TrimSpace(addr)
		if !ok || protocol == "" || addr == "" {
			return nil, fmt.Errorf("invalid mapping format: %s", pair)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("invalid backend address for %s: %w", protocol, err)
		}
		if _, dup := backends[protocol]; dup {
			return nil, fmt.Errorf("duplicate mapping for protocol: %s", protocol)
		}
		backends[protocol] = addr
	}

	return &Resolver{backends: backends}, nil
}

// Resolve implements core.BackendResolver.
func (r *Resolver) Resolve(ctx context.Context, protocol string) (string, error) {
	r.mu.RLock()
	addr, ok := r.backends[protocol]
	if !ok {
		addr, ok = r.backends[Wildcard]
	}
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("backend not found for protocol: %s", protocol)
	}

	logger.Debug("MemoryResolver: routing", "protocol", protocol, "backend_addr", addr)
	return addr, nil
}

// Set adds or replaces the backend for protocol.
func (r *Resolver) Set(protocol, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[protocol] = addr
}

// Protocols returns the configured protocol keys, sorted.
func (r *Resolver) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.backends))
	for p := range r.backends {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
