package database

import (
	"context"
	"slices"
	"sync"

	"github.com/koustreak/querygate/internal/errs"
)

// Factory builds an unconnected adapter using the shared pool settings.
type Factory func(cfg *Config) Adapter

// Registry maps a dbType to the driver that serves it.
type Registry struct {
	mu        sync.RWMutex
	factories map[DBType]Factory
	cfg       *Config
}

// NewRegistry returns an empty registry. A nil cfg means DefaultConfig.
func NewRegistry(cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Registry{factories: make(map[DBType]Factory), cfg: cfg}
}

// Register installs the factory for t, replacing any previous one.
func (r *Registry) Register(t DBType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// New returns an unconnected adapter for t.
func (r *Registry) New(t DBType) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.KindValidation, "unsupported database type %q", t).
			WithDetails(map[string]any{"supported": r.Types()})
	}
	return f(r.cfg), nil
}

// Open returns an adapter for t connected to url.
func (r *Registry) Open(ctx context.Context, t DBType, url string) (Adapter, error) {
	a, err := r.New(t)
	if err != nil {
		return nil, err
	}
	if err := a.Connect(ctx, url); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Types returns the registered dbTypes in sorted order.
func (r *Registry) Types() []DBType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DBType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
