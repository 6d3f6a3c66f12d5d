package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"
)

// Connection is a stored connection record. URL carries credentials and
// must not leave the process.
type Connection struct {
	ID        int64
	Name      string
	DBType    database.DBType
	URL       string
	Host      *string
	Port      *int
	Database  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Target returns the adapter target for c.
func (c *Connection) Target() database.Target {
	return database.Target{Name: c.Name, DBType: c.DBType, URL: c.URL}
}

const connectionColumns = `id, name, db_type, url, host, port, database, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*Connection, error) {
	var (
		c      Connection
		dbType string
		host   sql.NullString
		port   sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Name, &dbType, &c.URL, &host, &port, &c.Database, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.DBType = database.DBType(dbType)
	if host.Valid {
		h := host.String
		c.Host = &h
	}
	if port.Valid {
		p := int(port.Int64)
		c.Port = &p
	}
	return &c, nil
}

// ListConnections returns every connection ordered by name.
func (s *Store) ListConnections(ctx context.Context) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM database_connections ORDER BY name`)
	if err != nil {
		return nil, mapError(err, "failed to list connections")
	}
	defer rows.Close()

	out := make([]*Connection, 0)
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, mapError(err, "failed to scan connection")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to list connections")
	}
	return out, nil
}

// GetConnection returns the connection called name, or NOT_FOUND.
func (s *Store) GetConnection(ctx context.Context, name string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM database_connections WHERE name = ?`, name)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "connection %q not found", name)
	}
	if err != nil {
		return nil, mapError(err, "failed to load connection")
	}
	return c, nil
}

// UpsertConnection inserts c or updates the record with the same name,
// keeping its id and created_at. It returns the stored record and the
// record it replaced, which is nil on insert.
func (s *Store) UpsertConnection(ctx context.Context, c *Connection) (stored, previous *Connection, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, mapError(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	previous, err = scanConnection(tx.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM database_connections WHERE name = ?`, c.Name))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, mapError(err, "failed to load connection")
	}

	now := time.Now().UTC()
	var port any
	if c.Port != nil {
		port = *c.Port
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO database_connections (name, db_type, url, host, port, database, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			db_type = excluded.db_type,
			url = excluded.url,
			host = excluded.host,
			port = excluded.port,
			database = excluded.database,
			updated_at = excluded.updated_at`,
		c.Name, string(c.DBType), c.URL, c.Host, port, c.Database, now, now)
	if err != nil {
		return nil, nil, mapError(err, "failed to save connection")
	}

	stored, err = scanConnection(tx.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM database_connections WHERE name = ?`, c.Name))
	if err != nil {
		return nil, nil, mapError(err, "failed to reload connection")
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapError(err, "failed to commit connection")
	}
	return stored, previous, nil
}

// DeleteConnection removes the connection called name and, by cascade, its
// metadata cache entry.
func (s *Store) DeleteConnection(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM database_connections WHERE name = ?`, name)
	if err != nil {
		return mapError(err, "failed to delete connection")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err, "failed to delete connection")
	}
	if n == 0 {
		return errs.Newf(errs.KindNotFound, "connection %q not found", name)
	}
	return nil
}
