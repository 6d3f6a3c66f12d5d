package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koustreak/querygate/internal/errs"
)

// CacheEntry is the cached metadata document of one connection.
type CacheEntry struct {
	ConnectionID int64
	MetadataJSON []byte
	VersionHash  string
	SizeBytes    int64
	CachedAt     time.Time
}

// GetCache returns the cache entry of a connection, or NOT_FOUND.
func (s *Store) GetCache(ctx context.Context, connectionID int64) (*CacheEntry, error) {
	var (
		e   = CacheEntry{ConnectionID: connectionID}
		doc string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT metadata_json, version_hash, size_bytes, cached_at
		FROM metadata_cache
		WHERE connection_id = ?`, connectionID).
		Scan(&doc, &e.VersionHash, &e.SizeBytes, &e.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindNotFound, "no cached metadata")
	}
	if err != nil {
		return nil, mapError(err, "failed to read metadata cache")
	}
	e.MetadataJSON = []byte(doc)
	return &e, nil
}

// PutCache stores e, replacing any previous entry of the connection.
func (s *Store) PutCache(ctx context.Context, e *CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata_cache (connection_id, metadata_json, version_hash, size_bytes, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (connection_id) DO UPDATE SET
			metadata_json = excluded.metadata_json,
			version_hash = excluded.version_hash,
			size_bytes = excluded.size_bytes,
			cached_at = excluded.cached_at`,
		e.ConnectionID, string(e.MetadataJSON), e.VersionHash, e.SizeBytes, e.CachedAt.UTC())
	if err != nil {
		return mapError(err, "failed to write metadata cache")
	}
	return nil
}

// DeleteCache drops the cache entry of a connection, if any.
func (s *Store) DeleteCache(ctx context.Context, connectionID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metadata_cache WHERE connection_id = ?`, connectionID); err != nil {
		return mapError(err, "failed to delete metadata cache")
	}
	return nil
}

