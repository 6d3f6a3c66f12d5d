// Package arbiter serialises queries and metadata refreshes per connection.
//
// Each connection has two exclusive locks. A query holds the query lock
// while it runs. A refresh takes the refresh lock, raises a flag that makes
// new queries fail fast with CONFLICT, and then waits for the query lock so
// that in-flight queries finish first. Locks are always taken in the order
// refresh then query, and neither is re-entrant.
package arbiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/koustreak/querygate/internal/errs"
)

// ErrRefreshInProgress is returned to queries that arrive during a refresh.
var ErrRefreshInProgress = errs.New(errs.KindConflict, "metadata refresh in progress")

// Arbiter holds the locks of one connection. The zero value is not usable;
// use New.
type Arbiter struct {
	query      chan struct{}
	refresh    chan struct{}
	refreshing atomic.Bool
}

// New returns an Arbiter with both locks free.
func New() *Arbiter {
	return &Arbiter{
		query:   make(chan struct{}, 1),
		refresh: make(chan struct{}, 1),
	}
}

// AcquireQuery takes the query lock. It fails immediately with CONFLICT
// when a refresh holds or is waiting for the lock, and otherwise blocks
// until the lock is free or ctx is done. The returned release is safe to
// call more than once.
func (a *Arbiter) AcquireQuery(ctx context.Context) (release func(), err error) {
	if a.refreshing.Load() {
		return nil, ErrRefreshInProgress
	}

	select {
	case a.query <- struct{}{}:
	case <-ctx.Done():
		return nil, contextError(ctx, "waiting for query lock")
	}

	// A refresh may have started while we waited.
	if a.refreshing.Load() {
		<-a.query
		return nil, ErrRefreshInProgress
	}
	return once(func() { <-a.query }), nil
}

// BeginRefresh takes the refresh lock, then waits for in-flight queries to
// finish by taking the query lock. Concurrent refreshes queue on the
// refresh lock.
func (a *Arbiter) BeginRefresh(ctx context.Context) (release func(), err error) {
	select {
	case a.refresh <- struct{}{}:
	case <-ctx.Done():
		return nil, contextError(ctx, "waiting for refresh lock")
	}
	a.refreshing.Store(true)

	select {
	case a.query <- struct{}{}:
	case <-ctx.Done():
		a.refreshing.Store(false)
		<-a.refresh
		return nil, contextError(ctx, "waiting for in-flight queries")
	}

	return once(func() {
		<-a.query
		a.refreshing.Store(false)
		<-a.refresh
	}), nil
}

// Refreshing reports whether a refresh holds or is waiting for the locks.
func (a *Arbiter) Refreshing() bool {
	return a.refreshing.Load()
}

func once(fn func()) func() {
	var o sync.Once
	return func() { o.Do(fn) }
}

func contextError(ctx context.Context, msg string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Wrap(errs.KindQueryTimeout, msg, ctx.Err())
	}
	return errs.Wrap(errs.KindQueryCancelled, msg, ctx.Err())
}

// Registry hands out one Arbiter per connection name.
type Registry struct {
	mu       sync.Mutex
	arbiters map[string]*Arbiter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{arbiters: make(map[string]*Arbiter)}
}

// For returns the Arbiter for name, creating it on first use.
func (r *Registry) For(name string) *Arbiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.arbiters[name]
	if !ok {
		a = New()
		r.arbiters[name] = a
	}
	return a
}

// Forget drops the Arbiter for name. Holders of the old Arbiter keep
// working against it; later callers get a fresh one.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	delete(r.arbiters, name)
	r.mu.Unlock()
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.arbiters)
}
