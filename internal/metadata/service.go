package metadata

import (
	"context"
	"time"

	"github.com/koustreak/querygate/internal/arbiter"
	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/logger"
	"github.com/koustreak/querygate/internal/observability"
	"github.com/koustreak/querygate/internal/store"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshTimeout bounds one extraction, lock wait included.
const DefaultRefreshTimeout = 60 * time.Second

// Cache is the slice of the control-plane store the service needs.
type Cache interface {
	GetConnection(ctx context.Context, name string) (*store.Connection, error)
	GetCache(ctx context.Context, connectionID int64) (*store.CacheEntry, error)
	PutCache(ctx context.Context, e *store.CacheEntry) error
}

// Config tunes a Service. Archive and Metrics are optional.
type Config struct {
	RefreshTimeout time.Duration
	Archive        Archive
	Metrics        *observability.Metrics
}

// Service serves snapshots from the cache and refreshes them on demand.
type Service struct {
	cache   Cache
	source  database.Source
	locks   *arbiter.Registry
	archive Archive
	metrics *observability.Metrics
	timeout time.Duration
	log     *logger.Logger
	now     func() time.Time

	group singleflight.Group
}

func NewService(cache Cache, source database.Source, locks *arbiter.Registry, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	return &Service{
		cache:   cache,
		source:  source,
		locks:   locks,
		archive: cfg.Archive,
		metrics: cfg.Metrics,
		timeout: timeout,
		log:     log.Component("metadata"),
		now:     time.Now,
	}
}

// Extract returns the snapshot of conn. Without forceRefresh a cached entry
// is returned as is; otherwise, or on a miss, the database is introspected
// under the connection's refresh lock and the cache entry replaced.
//
// Concurrent extractions of the same connection share one introspection.
func (s *Service) Extract(ctx context.Context, conn *store.Connection, forceRefresh bool) (*Snapshot, error) {
	if !forceRefresh {
		snap, ok, err := s.cached(ctx, conn)
		if err != nil {
			return nil, err
		}
		if ok {
			return snap, nil
		}
	}

	key := conn.Name + "\x00" + conn.URL
	ch := s.group.DoChan(key, func() (any, error) {
		// Shared by every waiter, so it must not die with the first caller.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		snap, err := s.refresh(rctx, conn)
		s.metrics.ObserveRefresh(err)
		return snap, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.(*Snapshot)
		cp := *shared
		return &cp, nil
	case <-ctx.Done():
		e, _ := database.ContextError(ctx, ctx.Err(), "metadata request abandoned")
		return nil, e
	}
}

func (s *Service) cached(ctx context.Context, conn *store.Connection) (*Snapshot, bool, error) {
	entry, err := s.cache.GetCache(ctx, conn.ID)
	if errs.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	snap, err := Decode(entry.MetadataJSON)
	if err != nil {
		s.log.Warn().
			Str("connection", conn.Name).
			Str("version_hash", entry.VersionHash).
			Err(err).
			Msg("cached metadata unreadable, re-extracting")
		return nil, false, nil
	}

	snap.VersionHash = entry.VersionHash
	snap.CachedAt = entry.CachedAt.UTC()
	snap.NeedsRefresh = false
	return snap, true, nil
}

func (s *Service) refresh(ctx context.Context, conn *store.Connection) (*Snapshot, error) {
	start := s.now()
	log := s.log.With().Str("connection", conn.Name).Str("db_type", string(conn.DBType)).Logger()

	snap, doc, prevHash, err := s.refreshLocked(ctx, conn)
	if err != nil {
		log.Error(err).Msg("metadata refresh failed")
		return nil, err
	}

	if prevHash != snap.VersionHash {
		if prevHash != "" {
			log.Warn().
				Str("previous_hash", prevHash).
				Str("version_hash", snap.VersionHash).
				Msg("schema drift detected")
			s.metrics.ObserveDrift(conn.Name)
		}
		s.archiveVersion(ctx, conn.Name, snap.VersionHash, doc)
	}

	log.Info().
		Int("tables", len(snap.Tables)).
		Int("views", len(snap.Views)).
		Int("warnings", len(snap.Warnings)).
		Str("version_hash", snap.VersionHash).
		Int64("duration_ms", s.now().Sub(start).Milliseconds()).
		Msg("metadata refreshed")
	return snap, nil
}

// refreshLocked holds the refresh lock only while introspecting and writing
// the cache entry. The connection record is re-read under the lock, so a
// refresh queued behind an edit introspects the new target and one queued
// behind a delete fails with NOT_FOUND.
func (s *Service) refreshLocked(ctx context.Context, conn *store.Connection) (*Snapshot, []byte, string, error) {
	release, err := s.locks.For(conn.Name).BeginRefresh(ctx)
	if err != nil {
		return nil, nil, "", err
	}
	defer release()

	conn, err = s.cache.GetConnection(ctx, conn.Name)
	if err != nil {
		return nil, nil, "", err
	}

	adapter, done, err := s.source.Acquire(ctx, conn.Target())
	if err != nil {
		return nil, nil, "", openError(conn, err)
	}
	defer done()

	cat, err := adapter.Introspect(ctx)
	if err != nil {
		if e, ok := database.ContextError(ctx, err, "metadata refresh timed out"); ok {
			return nil, nil, "", e
		}
		return nil, nil, "", err
	}

	snap := FromCatalog(conn.Name, conn.DBType, cat)
	doc, hash, err := Encode(snap)
	if err != nil {
		return nil, nil, "", errs.Internal("failed to encode metadata", err)
	}

	var prevHash string
	prev, err := s.cache.GetCache(ctx, conn.ID)
	switch {
	case err == nil:
		prevHash = prev.VersionHash
	case !errs.IsNotFound(err):
		return nil, nil, "", err
	}

	now := s.now().UTC()
	err = s.cache.PutCache(ctx, &store.CacheEntry{
		ConnectionID: conn.ID,
		MetadataJSON: doc,
		VersionHash:  hash,
		SizeBytes:    int64(len(doc)),
		CachedAt:     now,
	})
	if err != nil {
		return nil, nil, "", err
	}

	snap.VersionHash = hash
	snap.CachedAt = now
	return snap, doc, prevHash, nil
}

func (s *Service) archiveVersion(ctx context.Context, connection, hash string, doc []byte) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Save(ctx, connection, hash, doc); err != nil {
		s.log.Warn().
			Str("connection", connection).
			Str("version_hash", hash).
			Err(err).
			Msg("snapshot archive failed")
	}
}

// openError keeps typed connection failures and wraps anything else as
// CONNECTION_FAILED.
func openError(conn *store.Connection, err error) error {
	if e, ok := errs.As(err); ok && e.Kind != errs.KindInternal {
		return err
	}
	return errs.Wrap(errs.KindConnectionFailed, "cannot open connection "+conn.Name, err).
		WithDetails(map[string]any{"error": err.Error()})
}
