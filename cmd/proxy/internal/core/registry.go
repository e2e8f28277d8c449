package core

import (
	"reflect"
	"sort"
	"sync"
)

// ProtocolEntry binds an ALPN protocol name to its handler.
// Lower Priority values are preferred.
type ProtocolEntry struct {
	Name     string
	Handler  Handler
	Priority int
}

type registryEntry struct {
	ProtocolEntry
	seq int
}

// Registry is the ordered set of application protocols the server serves.
// It is safe for concurrent use and read-mostly once accepting begins.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*registryEntry
	ordered  []*registryEntry
	seq      int
	fallback string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
	}
}

// Register adds a protocol. Names are unique; equal priorities keep
// registration order.
func (r *Registry) Register(name string, handler Handler, priority int) error {
	if name == "" {
		return ErrEmptyProtocolName
	}
	if isNilHandler(handler) {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return &DuplicateProtocolError{Name: name}
	}

	e := &registryEntry{
		ProtocolEntry: ProtocolEntry{Name: name, Handler: handler, Priority: priority},
		seq:           r.seq,
	}
	r.seq++
	r.entries[name] = e
	r.ordered = append(r.ordered, e)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].Priority != r.ordered[j].Priority {
			return r.ordered[i].Priority < r.ordered[j].Priority
		}
		return r.ordered[i].seq < r.ordered[j].seq
	})
	return nil
}

// RegisterEntries registers each entry in order, stopping at the first error.
func (r *Registry) RegisterEntries(entries ...ProtocolEntry) error {
	for _, e := range entries {
		if err := r.Register(e.Name, e.Handler, e.Priority); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the handler registered under name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, &UnknownProtocolError{Name: name}
	}
	return e.Handler, nil
}

// NamesByPriority returns the registered names, most preferred first.
func (r *Registry) NamesByPriority() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ordered))
	for _, e := range r.ordered {
		names = append(names, e.Name)
	}
	return names
}

// Entries returns a snapshot of the registered entries, most preferred first.
func (r *Registry) Entries() []ProtocolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProtocolEntry, 0, len(r.ordered))
	for _, e := range r.ordered {
		out = append(out, e.ProtocolEntry)
	}
	return out
}

// Negotiate picks the most preferred registered protocol present in the
// client offer. The client's own ordering is ignored.
func (r *Registry) Negotiate(offer []string) (string, bool) {
	if len(offer) == 0 {
		return "", false
	}
	offered := make(map[string]struct{}, len(offer))
	for _, p := range offer {
		offered[p] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.ordered {
		if _, ok := offered[e.Name]; ok {
			return e.Name, true
		}
	}
	return "", false
}

// SetFallback designates the protocol used for clients that send no ALPN
// extension. The name must already be registered; "" clears it.
func (r *Registry) SetFallback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name != "" {
		if _, ok := r.entries[name]; !ok {
			return &UnknownProtocolError{Name: name}
		}
	}
	r.fallback = name
	return nil
}

// Fallback returns the fallback protocol name, or "" when none is set.
func (r *Registry) Fallback() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Len returns the number of registered protocols.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// isNilHandler also catches typed nils such as a nil *T or a nil HandlerFunc
// stored in the interface.
func isNilHandler(h Handler) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Chan, reflect.Slice, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}
