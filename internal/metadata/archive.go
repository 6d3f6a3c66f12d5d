package metadata

import (
	"bytes"
	"context"
	"path"

	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/filestore"
)

// Archive keeps a history of every distinct schema version.
type Archive interface {
	Save(ctx context.Context, connection, versionHash string, doc []byte) error
}

// ObjectArchive writes snapshots to object storage, one object per version.
type ObjectArchive struct {
	store filestore.Store
}

func NewObjectArchive(store filestore.Store) *ObjectArchive {
	return &ObjectArchive{store: store}
}

// ArchiveKey is the object key of a snapshot version.
func ArchiveKey(connection, versionHash string) string {
	return path.Join("snapshots", connection, versionHash+".json")
}

// Save uploads doc unless that version is already archived.
func (a *ObjectArchive) Save(ctx context.Context, connection, versionHash string, doc []byte) error {
	key := ArchiveKey(connection, versionHash)

	_, err := a.store.StatObject(ctx, key)
	if err == nil {
		return nil
	}
	if !errs.IsNotFound(err) {
		return err
	}

	_, err = a.store.PutObject(ctx, key, bytes.NewReader(doc), int64(len(doc)), "application/json")
	return err
}
