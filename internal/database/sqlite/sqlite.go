// Package sqlite implements database.Adapter for SQLite files using
// mattn/go-sqlite3. Files are always opened read-only.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"

	_ "github.com/mattn/go-sqlite3" // register "sqlite3" driver
)

// Adapter is a SQLite implementation of database.Adapter.
type Adapter struct {
	cfg *database.Config

	mu sync.RWMutex
	db *sql.DB
}

// New returns an unconnected adapter. It matches database.Factory.
func New(cfg *database.Config) database.Adapter {
	if cfg == nil {
		cfg = database.DefaultConfig()
	}
	return &Adapter{cfg: cfg}
}

// Connect opens the file named by url in read-only, query-only mode.
// A missing file is DATABASE_NOT_FOUND; SQLite would otherwise create it.
func (a *Adapter) Connect(ctx context.Context, rawURL string) error {
	path, err := database.SQLitePath(rawURL)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errs.Wrap(errs.KindDatabaseNotFound, "sqlite file does not exist", err)
		}
		if errors.Is(err, fs.ErrPermission) {
			return errs.Wrap(errs.KindPermissionDenied, "sqlite file is not readable", err)
		}
		return errs.Wrap(errs.KindConnectionFailed, "cannot stat sqlite file", err)
	}

	db, err := sql.Open("sqlite3", readOnlyDSN(path))
	if err != nil {
		return errs.Wrap(errs.KindConnectionFailed, "failed to open sqlite file", err)
	}
	db.SetMaxOpenConns(int(a.cfg.MaxConns))
	db.SetConnMaxIdleTime(a.cfg.MaxConnIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return classify(pingCtx, err, "ping failed")
	}

	a.mu.Lock()
	old := a.db
	a.db = db
	a.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func readOnlyDSN(path string) string {
	u := url.URL{Scheme: "file", Path: path}
	q := url.Values{}
	q.Set("mode", "ro")
	q.Set("_query_only", "1")
	q.Set("_busy_timeout", "5000")
	u.RawQuery = q.Encode()
	return u.String()
}

// TestConnection pings the file.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	db, err := a.current()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()
	return db.PingContext(ctx) == nil
}

// Execute runs sql and materialises up to opts.MaxRows rows before the
// deadline.
func (a *Adapter) Execute(ctx context.Context, query string, opts database.ExecOptions) (*database.ResultSet, error) {
	db, err := a.current()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(ctx, err, "query failed")
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, classify(ctx, err, "failed to read column types")
	}
	names := make([]string, len(colTypes))
	types := make([]string, len(colTypes))
	for i, ct := range colTypes {
		names[i] = ct.Name()
		types[i] = strings.ToLower(ct.DatabaseTypeName())
	}
	names = database.UniqueNames(names)

	data, truncated, err := database.ScanRows(rows, names, opts.MaxRows)
	if err != nil {
		return nil, classify(ctx, err, "failed to read rows")
	}

	return &database.ResultSet{
		Columns:   database.ResolveColumns(names, types, data),
		Rows:      data,
		Truncated: truncated,
	}, nil
}

// Introspect reads sqlite_master and PRAGMA table_info.
func (a *Adapter) Introspect(ctx context.Context) (*database.Catalog, error) {
	db, err := a.current()
	if err != nil {
		return nil, err
	}
	cat, err := database.InspectCatalog(ctx, &catalog{db: db}, 2)
	if err != nil {
		return nil, classify(ctx, err, "failed to read catalog")
	}
	return cat, nil
}

// Close closes the file handle pool.
func (a *Adapter) Close() error {
	a.mu.Lock()
	db := a.db
	a.db = nil
	a.mu.Unlock()
	if db != nil {
		return db.Close()
	}
	return nil
}

func (a *Adapter) current() (*sql.DB, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.db == nil {
		return nil, database.ErrNotConnected
	}
	return a.db, nil
}

func classify(ctx context.Context, err error, msg string) error {
	if e, ok := errs.As(err); ok {
		return e
	}
	if ctxErr, ok := database.ContextError(ctx, err, msg); ok {
		return ctxErr
	}
	return mapError(err, msg)
}
