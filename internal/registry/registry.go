package registry

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// Registry resolves logical node names to their currently selected
// physical address and rotates among alternates when a backend fails.
// The selected address is always the head of the per-node list.
type Registry struct {
	mu     sync.Mutex
	nodes  map[string][]string
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		nodes:  make(map[string][]string),
		logger: logger,
	}
}

// Set installs the address list for a node, replacing any previous
// list. Multi-address lists are shuffled once here so that independent
// processes stagger which alternate they prefer first.
func (r *Registry) Set(name string, addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]string, len(addrs))
	copy(list, addrs)
	if len(list) > 1 {
		rand.Shuffle(len(list), func(i, j int) {
			list[i], list[j] = list[j], list[i]
		})
	}
	r.nodes[name] = list
}

// Delete removes a node and returns the addresses it held, so the
// caller can release resources keyed by address.
func (r *Registry) Delete(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := r.nodes[name]
	delete(r.nodes, name)
	return addrs
}

// AddressOf returns the selected address for a node.
func (r *Registry) AddressOf(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs, ok := r.nodes[name]
	if !ok || len(addrs) == 0 {
		return "", false
	}
	return addrs[0], true
}

// HasAlternates reports whether a node has more than one address.
func (r *Registry) HasAlternates(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes[name]) > 1
}

// Rotate moves the selected address to the back of the list and returns
// the new selection. Nodes with a single address are left untouched.
func (r *Registry) Rotate(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs, ok := r.nodes[name]
	if !ok || len(addrs) == 0 {
		return ""
	}
	if len(addrs) == 1 {
		return addrs[0]
	}

	r.nodes[name] = append(addrs[1:], addrs[0])
	selected := r.nodes[name][0]
	r.logger.Warn("rotated node to alternate address",
		zap.String("node", name),
		zap.String("address", selected))
	return selected
}

// Addresses returns a copy of the node's address list, selected first.
func (r *Registry) Addresses(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := r.nodes[name]
	out := make([]string, len(addrs))
	copy(out, addrs)
	return out
}

// AddressInUse reports whether addr is held by any node other than
// exclude. Used to decide whether a cached connection may be dropped
// when a node is removed.
func (r *Registry) AddressInUse(addr, exclude string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, addrs := range r.nodes {
		if name == exclude {
			continue
		}
		for _, a := range addrs {
			if a == addr {
				return true
			}
		}
	}
	return false
}
