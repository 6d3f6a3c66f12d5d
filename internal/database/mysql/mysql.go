// Package mysql implements database.Adapter for MySQL on database/sql with
// the go-sql-driver connector.
package mysql

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"
)

// Adapter is a MySQL implementation of database.Adapter.
// It is safe for concurrent use once connected.
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

// newWithDB wraps an already-open pool. Used by tests with sqlmock.
func newWithDB(db *sql.DB) *Adapter {
	return &Adapter{cfg: database.DefaultConfig(), db: db}
}

// Connect opens the pool for url and pings it.
func (a *Adapter) Connect(ctx context.Context, url string) error {
	mcfg, err := configFromURL(url, a.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	connector, err := gomysql.NewConnector(mcfg)
	if err != nil {
		return errs.Wrap(errs.KindConnectionFailed, "invalid mysql configuration", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(int(a.cfg.MaxConns))
	db.SetMaxIdleConns(int(a.cfg.MaxConns))
	db.SetConnMaxLifetime(a.cfg.MaxConnLifetime)
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

// TestConnection pings the pool.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	db, err := a.current()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()
	return db.PingContext(ctx) == nil
}

// Execute runs sql inside a READ ONLY transaction that is always rolled back.
func (a *Adapter) Execute(ctx context.Context, query string, opts database.ExecOptions) (*database.ResultSet, error) {
	db, err := a.current()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classify(ctx, err, "failed to begin read-only transaction")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query)
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

// Introspect reads information_schema for the connection's database.
func (a *Adapter) Introspect(ctx context.Context) (*database.Catalog, error) {
	db, err := a.current()
	if err != nil {
		return nil, err
	}
	cat, err := database.InspectCatalog(ctx, &catalog{db: db}, 4)
	if err != nil {
		return nil, classify(ctx, err, "failed to read catalog")
	}
	return cat, nil
}

// Close closes the pool.
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
