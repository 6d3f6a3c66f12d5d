// Package database defines the dialect-neutral adapter contract that every
// backing-database driver implements, plus the pieces shared between them:
// ordered result rows, catalog types, URL parsing, the dbType registry and
// the per-connection adapter manager.
//
// Drivers live in sub-packages (postgres, mysql, sqlite) and are wired into a
// Registry by the application; callers depend only on this package.
package database

import "context"

// DBType identifies the engine behind a connection record.
type DBType string

const (
	PostgreSQL DBType = "postgresql"
	MySQL      DBType = "mysql"
	SQLite     DBType = "sqlite"
)

// Valid reports whether t is one of the supported engines.
func (t DBType) Valid() bool {
	switch t {
	case PostgreSQL, MySQL, SQLite:
		return true
	}
	return false
}

// Adapter is the uniform capability set of a dialect driver.
//
// Execute and Introspect fail with NOT_CONNECTED before Connect or after
// Close. Implementations must be safe for concurrent use once connected.
type Adapter interface {
	// Connect opens the driver pool for url and verifies it with a ping.
	Connect(ctx context.Context, url string) error

	// TestConnection reports whether the backend currently answers.
	TestConnection(ctx context.Context) bool

	// Execute runs a read-only statement within the bounds of opts.
	Execute(ctx context.Context, sql string, opts ExecOptions) (*ResultSet, error)

	// Introspect reads the native catalog. Unresolvable column types and
	// per-table failures are reported as warnings, not errors.
	Introspect(ctx context.Context) (*Catalog, error)

	// Close releases the driver pool. It is safe to call more than once.
	Close() error
}
