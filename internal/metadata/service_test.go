package metadata

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koustreak/querygate/internal/arbiter"
	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/database/sqlite"
	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/store"
	"github.com/koustreak/querygate/internal/connection"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	inner database.Source
	n     atomic.Int32
	err   error
}

func (c *countingSource) Acquire(ctx context.Context, t database.Target) (database.Adapter, func(), error) {
	c.n.Add(1)
	if c.err != nil {
		return nil, nil, c.err
	}
	return c.inner.Acquire(ctx, t)
}

// gatedSource parks every Acquire until the gate is opened.
type gatedSource struct {
	inner   database.Source
	entered chan struct{}
	gate    chan struct{}
}

func newGatedSource(inner database.Source) *gatedSource {
	return &gatedSource{inner: inner, entered: make(chan struct{}, 8), gate: make(chan struct{})}
}

func (g *gatedSource) Acquire(ctx context.Context, t database.Target) (database.Adapter, func(), error) {
	g.entered <- struct{}{}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return g.inner.Acquire(ctx, t)
}

type memArchive struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (m *memArchive) Save(_ context.Context, connection, hash string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, ArchiveKey(connection, hash))
	return nil
}

type fixture struct {
	svc     *Service
	store   *store.Store
	source  *countingSource
	locks   *arbiter.Registry
	archive *memArchive
	conn    *store.Connection
	target  *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	targetPath := filepath.Join(dir, "target.db")
	target, err := sql.Open("sqlite3", targetPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = target.Close() })
	_, err = target.Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL);
		CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER, total REAL);
		CREATE VIEW big_orders AS SELECT * FROM orders WHERE total > 100;
		INSERT INTO users (email) VALUES ('a@x'), ('b@x');`)
	require.NoError(t, err)

	st, err := store.Open(ctx, filepath.Join(dir, "control.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	conn, _, err := st.UpsertConnection(ctx, &store.Connection{
		Name: "c1", DBType: database.SQLite, URL: "sqlite://" + targetPath, Database: targetPath,
	})
	require.NoError(t, err)

	reg := database.NewRegistry(nil)
	reg.Register(database.SQLite, sqlite.New)
	src := &countingSource{inner: database.NewManager(reg, false, nil)}

	locks := arbiter.NewRegistry()
	archive := &memArchive{}
	svc := NewService(st, src, locks, Config{Archive: archive}, nil)

	return &fixture{svc: svc, store: st, source: src, locks: locks, archive: archive, conn: conn, target: target}
}

func TestExtract_MissThenCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Extract(ctx, f.conn, false)
	require.NoError(t, err)
	assert.Equal(t, "c1", first.DatabaseName)
	assert.Equal(t, database.SQLite, first.DBType)
	require.Len(t, first.Tables, 2)
	assert.Equal(t, "orders", first.Tables[0].Name)
	require.Len(t, first.Views, 1)
	assert.Equal(t, "big_orders", first.Views[0].Name)
	assert.False(t, first.NeedsRefresh)
	assert.NotEmpty(t, first.VersionHash)
	assert.False(t, first.CachedAt.IsZero())

	users := first.Tables[1]
	require.NotNil(t, users.RowCount)
	assert.Equal(t, int64(2), *users.RowCount)

	second, err := f.svc.Extract(ctx, f.conn, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.source.n.Load(), "cached path does not touch the database")
	assert.Equal(t, first.VersionHash, second.VersionHash)
	assert.True(t, first.CachedAt.Equal(second.CachedAt))
	assert.Equal(t, first.Tables, second.Tables)

	entry, err := f.store.GetCache(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, first.VersionHash, entry.VersionHash)
	assert.Equal(t, int64(len(entry.MetadataJSON)), entry.SizeBytes)

	assert.Equal(t, []string{ArchiveKey("c1", first.VersionHash)}, f.archive.saved)
}

func TestExtract_ForceRefreshDetectsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.svc.Extract(ctx, f.conn, true)
	require.NoError(t, err)

	same, err := f.svc.Extract(ctx, f.conn, true)
	require.NoError(t, err)
	assert.Equal(t, before.VersionHash, same.VersionHash)
	assert.Len(t, f.archive.saved, 1, "an unchanged version is not archived again")

	_, err = f.target.Exec(`ALTER TABLE users ADD COLUMN name TEXT`)
	require.NoError(t, err)

	after, err := f.svc.Extract(ctx, f.conn, true)
	require.NoError(t, err)
	assert.NotEqual(t, before.VersionHash, after.VersionHash)
	assert.Equal(t, int32(3), f.source.n.Load())
	assert.Len(t, f.archive.saved, 2)
}

func TestExtract_UndecodableCacheIsReextracted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutCache(ctx, &store.CacheEntry{
		ConnectionID: f.conn.ID, MetadataJSON: []byte(`{"garbage":`), VersionHash: "old", CachedAt: time.Now(),
	}))

	snap, err := f.svc.Extract(ctx, f.conn, false)
	require.NoError(t, err)
	assert.NotEqual(t, "old", snap.VersionHash)
	assert.Equal(t, int32(1), f.source.n.Load())
}

func TestExtract_ArchiveFailureIsNotSurfaced(t *testing.T) {
	f := newFixture(t)
	f.archive.err = errors.New("bucket gone")

	_, err := f.svc.Extract(context.Background(), f.conn, true)
	assert.NoError(t, err)
}

func TestExtract_ConnectionFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	missing, _, err := f.store.UpsertConnection(ctx, &store.Connection{
		Name: "gone", DBType: database.SQLite, URL: "sqlite://" + filepath.Join(t.TempDir(), "gone.db"),
	})
	require.NoError(t, err)
	_, err = f.svc.Extract(ctx, missing, true)
	assert.Equal(t, errs.KindDatabaseNotFound, errs.KindOf(err))

	f.source.err = errors.New("socket closed")
	_, err = f.svc.Extract(ctx, f.conn, true)
	assert.Equal(t, errs.KindConnectionFailed, errs.KindOf(err))
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "socket closed", e.Details["error"])
}

func TestExtract_WaitsForInFlightQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.locks.For("c1").AcquireQuery(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Extract(ctx, f.conn, true)
		done <- err
	}()

	require.Eventually(t, f.locks.For("c1").Refreshing, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("refresh finished while a query held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	// New queries are refused while the refresh is pending.
	_, err = f.locks.For("c1").AcquireQuery(ctx)
	assert.True(t, errs.IsConflict(err))

	release()
	require.NoError(t, <-done)
	assert.False(t, f.locks.For("c1").Refreshing())
}

func TestExtract_CallerCancellation(t *testing.T) {
	f := newFixture(t)

	arb := f.locks.For("c1")
	release, err := arb.AcquireQuery(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.svc.Extract(ctx, f.conn, true)
	assert.Equal(t, errs.KindQueryTimeout, errs.KindOf(err))

	// The shared extraction carries on for later callers.
	release()
	require.Eventually(t, func() bool { return !arb.Refreshing() }, 5*time.Second, 5*time.Millisecond)
	_, err = f.store.GetCache(context.Background(), f.conn.ID)
	assert.NoError(t, err)
}

// otherTarget creates a second SQLite database with a different schema and
// returns its URL.
func otherTarget(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "other.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = db.Exec(`CREATE TABLE products (sku TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	return "sqlite://" + path
}

func tableNames(s *Snapshot) []string {
	names := make([]string, 0, len(s.Tables))
	for _, tbl := range s.Tables {
		names = append(names, tbl.Name)
	}
	return names
}

func TestExtract_RereadsConnectionUnderLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	otherURL := otherTarget(t)

	release, err := f.locks.For("c1").AcquireQuery(ctx)
	require.NoError(t, err)

	done := make(chan *Snapshot, 1)
	go func() {
		snap, err := f.svc.Extract(ctx, f.conn, true)
		assert.NoError(t, err)
		done <- snap
	}()
	require.Eventually(t, f.locks.For("c1").Refreshing, time.Second, 5*time.Millisecond)

	// The record moves to another database while the refresh is queued.
	_, _, err = f.store.UpsertConnection(ctx, &store.Connection{Name: "c1", DBType: database.SQLite, URL: otherURL})
	require.NoError(t, err)
	release()

	snap := <-done
	require.NotNil(t, snap)
	assert.Equal(t, []string{"products"}, tableNames(snap))

	cached, err := f.svc.Extract(ctx, f.conn, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"products"}, tableNames(cached))
}

func TestExtract_DeletedWhileQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.locks.For("c1").AcquireQuery(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Extract(ctx, f.conn, true)
		done <- err
	}()
	require.Eventually(t, f.locks.For("c1").Refreshing, time.Second, 5*time.Millisecond)

	require.NoError(t, f.store.DeleteConnection(ctx, "c1"))
	release()

	assert.True(t, errs.IsNotFound(<-done))
	_, err = f.store.GetCache(ctx, f.conn.ID)
	assert.True(t, errs.IsNotFound(err))
}

func TestExtract_ConnectionEditDuringRefresh(t *testing.T) {
	tests := []struct {
		name string
		edit func(ctx context.Context, svc *connection.Service, otherURL string) error
	}{
		{"upsert new url", func(ctx context.Context, svc *connection.Service, otherURL string) error {
			_, _, err := svc.Upsert(ctx, "c1", otherURL)
			return err
		}},
		{"delete", func(ctx context.Context, svc *connection.Service, _ string) error {
			return svc.Delete(ctx, "c1")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			otherURL := otherTarget(t)

			reg := database.NewRegistry(nil)
			reg.Register(database.SQLite, sqlite.New)
			mgr := database.NewManager(reg, false, nil)
			gated := newGatedSource(mgr)
			svc := NewService(f.store, gated, f.locks, Config{}, nil)
			conns := connection.NewService(f.store, reg, mgr, f.locks, connection.Config{}, nil)

			refreshed := make(chan error, 1)
			go func() {
				_, err := svc.Extract(ctx, f.conn, true)
				refreshed <- err
			}()
			<-gated.entered

			edited := make(chan error, 1)
			go func() { edited <- tt.edit(ctx, conns, otherURL) }()

			select {
			case err := <-edited:
				t.Fatalf("edit finished while a refresh held the connection: %v", err)
			case <-time.After(50 * time.Millisecond):
			}

			close(gated.gate)
			require.NoError(t, <-refreshed)
			require.NoError(t, <-edited)

			_, err := f.store.GetCache(ctx, f.conn.ID)
			assert.True(t, errs.IsNotFound(err), "metadata of the old target must not survive the edit")
		})
	}
}
