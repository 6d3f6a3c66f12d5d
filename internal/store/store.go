// Package store persists connection records and cached metadata snapshots
// in the gateway's own SQLite file.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/logger"
	_ "github.com/mattn/go-sqlite3" // register "sqlite3" driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its settings in package globals.
var gooseMu sync.Mutex

// Store is the control-plane store.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open opens (creating if needed) the SQLite file named by dsn. dsn is a
// file path or a sqlite:// URL.
func Open(ctx context.Context, dsn string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	path, err := storePath(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", buildDSN(path))
	if err != nil {
		return nil, errs.Internal("failed to open control-plane store", err)
	}
	// One connection serialises writers and keeps foreign_keys in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, mapError(err, "failed to open control-plane store")
	}

	return &Store{db: db, log: log.Component("store")}, nil
}

func storePath(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", errs.New(errs.KindValidation, "control-plane database url is empty")
	}
	if strings.Contains(dsn, "://") {
		return database.SQLitePath(dsn)
	}
	return dsn, nil
}

func buildDSN(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{log: s.log})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return errs.Internal("goose set dialect", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return mapError(err, "failed to apply migrations")
	}
	return nil
}

// Version returns the applied migration version.
func (s *Store) Version(ctx context.Context) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, errs.Internal("goose set dialect", err)
	}
	v, err := goose.GetDBVersionContext(ctx, s.db)
	if err != nil {
		return 0, mapError(err, "failed to read migration version")
	}
	return v, nil
}

// Ping checks the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return mapError(err, "control-plane store unreachable")
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// gooseLogger routes goose output through the structured logger.
type gooseLogger struct {
	log *logger.Logger
}

func (g *gooseLogger) Printf(format string, v ...any) {
	g.log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g *gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(fmt.Errorf(format, v...)).Msg("migration failed")
}
