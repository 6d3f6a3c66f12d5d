// Package filestore defines the object storage contract used to archive
// metadata snapshots.
//
// Callers depend only on this package, never on a specific provider package.
//
//	cfg := filestore.DefaultConfig("localhost:9000", "minioadmin", "minioadmin", "querygate")
//	store, err := minio.New(ctx, cfg)
//	if err != nil { ... }
//	defer store.Close()
//
//	info, err := store.PutObject(ctx, "snapshots/c1/ab12.json", bytes.NewReader(doc), int64(len(doc)), "application/json")
package filestore

import (
	"context"
	"io"
)

// Store is implemented by every object storage provider. All keys are
// relative to the bucket named in Config.
type Store interface {
	// Ping verifies the storage backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any held resources.
	Close() error

	// EnsureBucket creates the configured bucket when it does not exist.
	EnsureBucket(ctx context.Context) error

	// PutObject uploads size bytes from r under key, replacing any existing object.
	PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*ObjectInfo, error)

	// StatObject returns metadata for the object at key without downloading it.
	// A missing object is reported as NOT_FOUND.
	StatObject(ctx context.Context, key string) (*ObjectInfo, error)
}
