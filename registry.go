package fjage

import (
	"net"
	"strconv"
	"sync"
)

// Target identifies a container endpoint. Pathname is empty for TCP.
type Target struct {
	Hostname string
	Port     int
	Pathname string
}

func (t Target) String() string {
	return net.JoinHostPort(t.Hostname, strconv.Itoa(t.Port)) + t.Pathname
}

// Registry shares one Gateway per Target. Gateways opened through a
// registry remove themselves from it when closed. It is safe for concurrent
// use.
type Registry struct {
	mu       sync.Mutex
	gateways map[Target]*Gateway
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[Target]*Gateway)}
}

// Open returns the open Gateway for the target described by opts, creating
// and starting one if there is none. Options other than the target only
// take effect when a new Gateway is created.
func (r *Registry) Open(opts ...Option) (*Gateway, error) {
	cfg := newGatewayConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	target := cfg.Target()

	r.mu.Lock()
	if g, ok := r.gateways[target]; ok {
		r.mu.Unlock()
		return g, nil
	}
	g := newGateway(cfg)
	g.registry = r
	r.gateways[target] = g
	r.mu.Unlock()

	g.start()
	return g, nil
}

// Lookup returns the Gateway registered for t.
func (r *Registry) Lookup(t Target) (*Gateway, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gateways[t]
	return g, ok
}

// Remove forgets g. A different Gateway registered for the same target is
// left in place.
func (r *Registry) Remove(g *Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gateways[g.target] == g {
		delete(r.gateways, g.target)
	}
}

// Len returns the number of registered gateways.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gateways)
}

// CloseAll closes every registered gateway.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	gateways := make([]*Gateway, 0, len(r.gateways))
	for _, g := range r.gateways {
		gateways = append(gateways, g)
	}
	r.mu.Unlock()

	var first error
	for _, g := range gateways {
		if err := g.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
