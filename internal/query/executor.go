// Package query runs caller SQL against a connection: validation, row limit,
// arbiter, adapter, timing.
package query

import (
	"context"
	"strings"
	"time"

	"github.com/koustreak/querygate/internal/arbiter"
	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/logger"
	"github.com/koustreak/querygate/internal/observability"
	"github.com/koustreak/querygate/internal/sqlguard"
	"github.com/koustreak/querygate/internal/store"
)

// DefaultTimeout bounds one execution, row materialisation included.
const DefaultTimeout = 30 * time.Second

// Request is a raw SQL query.
type Request struct {
	SQL string `json:"sql"`
}

// Result is what a successful query returns. RowCount always equals len(Rows).
type Result struct {
	Columns         []database.ResultColumn `json:"columns"`
	Rows            []database.Row          `json:"rows"`
	RowCount        int                     `json:"rowCount"`
	ExecutionTimeMs int64                   `json:"executionTimeMs"`
	Truncated       bool                    `json:"truncated"`
	EffectiveSQL    string                  `json:"effectiveSql"`
}

// Config tunes an Executor. Zero values mean the defaults.
type Config struct {
	RowLimit int
	Timeout  time.Duration
	Metrics  *observability.Metrics
}

// Executor is safe for concurrent use.
type Executor struct {
	source   database.Source
	locks    *arbiter.Registry
	rowLimit int
	timeout  time.Duration
	metrics  *observability.Metrics
	log      *logger.Logger
}

func NewExecutor(source database.Source, locks *arbiter.Registry, cfg Config, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = sqlguard.DefaultRowLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Executor{
		source:   source,
		locks:    locks,
		rowLimit: cfg.RowLimit,
		timeout:  cfg.Timeout,
		metrics:  cfg.Metrics,
		log:      log.Component("query"),
	}
}

// Execute validates req.SQL for the connection's dialect, caps it, and runs
// it while holding the connection's query lock.
//
// A refresh in progress fails the call with CONFLICT before anything else
// happens. The adapter is released on every path.
func (e *Executor) Execute(ctx context.Context, conn *store.Connection, req Request) (res *Result, err error) {
	var elapsed time.Duration
	defer func() {
		e.metrics.ObserveQuery(string(conn.DBType), err, elapsed)
	}()

	arb := e.locks.For(conn.Name)
	if arb.Refreshing() {
		return nil, arbiter.ErrRefreshInProgress
	}

	sql := strings.TrimSpace(req.SQL)
	if sql == "" {
		return nil, errs.New(errs.KindValidation, "sql is required")
	}

	dialect, err := sqlguard.DialectFor(string(conn.DBType))
	if err != nil {
		return nil, err
	}
	plan, err := sqlguard.Prepare(sql, dialect, e.rowLimit)
	if err != nil {
		return nil, err
	}
	// Rows are never read past the cap unless the caller asked for more.
	opts := database.ExecOptions{Timeout: e.timeout, MaxRows: e.rowLimit}
	if plan.CallerLimit {
		opts.MaxRows = 0
	}

	release, err := arb.AcquireQuery(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	adapter, done, err := e.source.Acquire(ctx, conn.Target())
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	rs, err := adapter.Execute(ctx, plan.Effective, opts)
	elapsed = time.Since(start)
	if err != nil {
		err = wrapAdapterError(err)
		e.log.Warn().
			Str("connection", conn.Name).
			Str("db_type", string(conn.DBType)).
			Int64("duration_ms", elapsed.Milliseconds()).
			Err(err).
			Msg("query failed")
		return nil, err
	}

	rows := rs.Rows
	if rows == nil {
		rows = []database.Row{}
	}
	cols := rs.Columns
	if cols == nil {
		cols = []database.ResultColumn{}
	}
	truncated := plan.Limited || rs.Truncated

	e.log.Debug().
		Str("connection", conn.Name).
		Str("db_type", string(conn.DBType)).
		Int("rows", len(rows)).
		Bool("truncated", truncated).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("query executed")

	return &Result{
		Columns:         cols,
		Rows:            rows,
		RowCount:        len(rows),
		ExecutionTimeMs: elapsed.Milliseconds(),
		Truncated:       truncated,
		EffectiveSQL:    plan.Effective,
	}, nil
}

// wrapAdapterError keeps typed adapter errors and turns anything else into
// INTERNAL_ERROR carrying the driver message.
func wrapAdapterError(err error) error {
	if _, ok := errs.As(err); ok {
		return err
	}
	return errs.Internal("query failed", err)
}
