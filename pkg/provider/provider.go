// Package provider holds the crawler-identity providers that verification can
// delegate to.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/peacprotocol/peac-sub013/pkg/health"
	"github.com/peacprotocol/peac-sub013/pkg/vcache"
)

type Capability string

const (
	CapVerify      Capability = "verify"
	CapHealthCheck Capability = "health_check"
	CapIPLookup    Capability = "ip_lookup"
	CapSignatures  Capability = "signatures"
)

type Provider interface {
	Name() string
	Verify(ctx context.Context, req vcache.Request) (vcache.Result, error)
	HealthCheck(ctx context.Context) error
	Capabilities() []Capability
}

var (
	ErrDuplicate = errors.New("provider already registered")
	ErrNotFound  = errors.New("provider not found")
)

// Registry keeps providers in registration order.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Provider
	order  []string
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{byName: map[string]Provider{}}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.byName[name] = p
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// With returns the providers declaring capability c.
func (r *Registry) With(c Capability) []Provider {
	var out []Provider
	for _, p := range r.List() {
		for _, have := range p.Capabilities() {
			if have == c {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func (r *Registry) Backends() []vcache.Backend {
	ps := r.With(CapVerify)
	out := make([]vcache.Backend, 0, len(ps))
	for _, p := range ps {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Checkers() []health.Checker {
	ps := r.With(CapHealthCheck)
	out := make([]health.Checker, 0, len(ps))
	for _, p := range ps {
		out = append(out, p)
	}
	return out
}
