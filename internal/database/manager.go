package database

import (
	"context"
	"sync"

	"github.com/koustreak/querygate/internal/logger"
)

// Target identifies the database behind a connection record.
type Target struct {
	Name   string
	DBType DBType
	URL    string
}

// Source hands out connected adapters. The release func must be called
// exactly once when the caller is done with the adapter.
type Source interface {
	Acquire(ctx context.Context, t Target) (Adapter, func(), error)
}

type poolEntry struct {
	adapter Adapter
	url     string
	refs    int
	stale   bool
}

// Manager keeps one connected adapter per connection name for the lifetime
// of the process. An entry whose URL changed, or that was evicted, is marked
// stale and closed once its last lease is released.
//
// With Persistent false, every Acquire opens a fresh adapter and its release
// closes it.
type Manager struct {
	registry   *Registry
	persistent bool
	log        *logger.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

// NewManager returns a Manager drawing adapters from registry.
func NewManager(registry *Registry, persistent bool, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		registry:   registry,
		persistent: persistent,
		log:        log.Component("adapters"),
		entries:    make(map[string]*poolEntry),
	}
}

// Acquire implements Source.
func (m *Manager) Acquire(ctx context.Context, t Target) (Adapter, func(), error) {
	if !m.persistent {
		a, err := m.registry.Open(ctx, t.DBType, t.URL)
		if err != nil {
			return nil, nil, err
		}
		var once sync.Once
		return a, func() { once.Do(func() { _ = a.Close() }) }, nil
	}

	m.mu.Lock()
	if e, ok := m.entries[t.Name]; ok && !m.closed {
		if e.url == t.URL {
			e.refs++
			m.mu.Unlock()
			return e.adapter, m.releaser(e), nil
		}
		m.retireLocked(t.Name, e)
	}
	m.mu.Unlock()

	// Connect outside the lock; a slow backend must not block other names.
	a, err := m.registry.Open(ctx, t.DBType, t.URL)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = a.Close()
		return nil, nil, ErrNotConnected
	}
	if e, ok := m.entries[t.Name]; ok && e.url == t.URL {
		// Lost a race with another Acquire for the same target.
		_ = a.Close()
		e.refs++
		return e.adapter, m.releaser(e), nil
	} else if ok {
		m.retireLocked(t.Name, e)
	}

	e := &poolEntry{adapter: a, url: t.URL, refs: 1}
	m.entries[t.Name] = e
	m.log.Debug().Str("connection", t.Name).Str("db_type", string(t.DBType)).Msg("adapter opened")
	return a, m.releaser(e), nil
}

// Evict drops the pooled adapter for name. In-flight leases keep it alive
// until they are released.
func (m *Manager) Evict(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		m.retireLocked(name, e)
	}
}

// Close retires every pooled adapter. Acquire fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for name, e := range m.entries {
		m.retireLocked(name, e)
	}
	return nil
}

func (m *Manager) releaser(e *poolEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			e.refs--
			if e.stale && e.refs == 0 {
				_ = e.adapter.Close()
			}
		})
	}
}

func (m *Manager) retireLocked(name string, e *poolEntry) {
	delete(m.entries, name)
	e.stale = true
	if e.refs == 0 {
		_ = e.adapter.Close()
	}
	m.log.Debug().Str("connection", name).Msg("adapter retired")
}
