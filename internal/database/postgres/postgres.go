// Package postgres implements database.Adapter for PostgreSQL on pgxpool.
package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"
)

// Adapter is a PostgreSQL implementation of database.Adapter backed by
// pgxpool. It is safe for concurrent use once connected.
type Adapter struct {
	cfg *database.Config

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// New returns an unconnected adapter. It matches database.Factory.
func New(cfg *database.Config) database.Adapter {
	if cfg == nil {
		cfg = database.DefaultConfig()
	}
	return &Adapter{cfg: cfg}
}

// Connect builds the pool for url and pings it. Every session is opened
// read-only so a statement that slips past validation still cannot write.
func (a *Adapter) Connect(ctx context.Context, url string) error {
	poolCfg, err := pgxpool.ParseConfig(database.StripDriverSuffix(url))
	if err != nil {
		return errs.Wrap(errs.KindConnectionFailed, "invalid postgresql url", err)
	}

	poolCfg.MaxConns = a.cfg.MaxConns
	poolCfg.MinConns = a.cfg.MinConns
	poolCfg.MaxConnLifetime = a.cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = a.cfg.MaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = a.cfg.ConnectTimeout
	poolCfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "querygate"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return mapError(err, "failed to create connection pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return mapError(err, "ping failed")
	}

	a.mu.Lock()
	old := a.pool
	a.pool = pool
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// TestConnection pings the pool.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	pool, err := a.current()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()
	return pool.Ping(ctx) == nil
}

// Execute runs sql and materialises up to opts.MaxRows rows before the
// deadline.
func (a *Adapter) Execute(ctx context.Context, sql string, opts database.ExecOptions) (*database.ResultSet, error) {
	pool, err := a.current()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return nil, classify(ctx, err, "query failed")
	}
	defer rows.Close()

	descs := rows.FieldDescriptions()
	names := make([]string, len(descs))
	types := make([]string, len(descs))
	typeMap := rows.Conn().TypeMap()
	for i, d := range descs {
		names[i] = d.Name
		if t, ok := typeMap.TypeForOID(d.DataTypeOID); ok {
			types[i] = t.Name
		}
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

// Introspect reads information_schema for every schema on the search path.
func (a *Adapter) Introspect(ctx context.Context) (*database.Catalog, error) {
	pool, err := a.current()
	if err != nil {
		return nil, err
	}
	cat, err := database.InspectCatalog(ctx, &catalog{pool: pool}, 4)
	if err != nil {
		return nil, classify(ctx, err, "failed to read catalog")
	}
	return cat, nil
}

// Close drains the pool.
func (a *Adapter) Close() error {
	a.mu.Lock()
	pool := a.pool
	a.pool = nil
	a.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
	return nil
}

func (a *Adapter) current() (*pgxpool.Pool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.pool == nil {
		return nil, database.ErrNotConnected
	}
	return a.pool, nil
}

// classify prefers the context's verdict over the driver's error text.
func classify(ctx context.Context, err error, msg string) error {
	if e, ok := errs.As(err); ok {
		return e
	}
	if ctxErr, ok := database.ContextError(ctx, err, msg); ok {
		return ctxErr
	}
	return mapError(err, msg)
}
