package mysql

import (
	"context"
	"database/sql"

	"github.com/koustreak/querygate/internal/database"
)

// catalog answers database.Introspector questions from information_schema.
type catalog struct {
	db *sql.DB
}

func (c *catalog) Relations(ctx context.Context) ([]database.Relation, error) {
	const q = `
		SELECT table_name, table_type, table_comment, table_rows
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		  AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY table_name`

	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, mapError(err, "failed to list relations")
	}
	defer rows.Close()

	rels := make([]database.Relation, 0)
	for rows.Next() {
		var (
			name, tableType string
			comment         sql.NullString
			rowCount        sql.NullInt64
		)
		if err := rows.Scan(&name, &tableType, &comment, &rowCount); err != nil {
			return nil, mapError(err, "failed to scan relation")
		}

		rel := database.Relation{Name: name, TableType: database.RelationTable}
		if tableType == "VIEW" {
			rel.TableType = database.RelationView
		} else {
			if rowCount.Valid {
				n := rowCount.Int64
				rel.RowCount = &n
			}
			if comment.Valid && comment.String != "" {
				s := comment.String
				rel.Comment = &s
			}
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "error iterating relations")
	}
	return rels, nil
}

func (c *catalog) Columns(ctx context.Context, rel database.Relation) ([]database.Column, error) {
	const q = `
		SELECT column_name,
		       column_type,
		       is_nullable = 'YES',
		       column_key  = 'PRI',
		       column_default,
		       column_comment
		FROM information_schema.columns
		WHERE table_schema = DATABASE()
		  AND table_name   = ?
		ORDER BY ordinal_position`

	rows, err := c.db.QueryContext(ctx, q, rel.Name)
	if err != nil {
		return nil, mapError(err, "failed to fetch columns")
	}
	defer rows.Close()

	var cols []database.Column
	for rows.Next() {
		var (
			col      database.Column
			dataType sql.NullString
			def      sql.NullString
			comment  sql.NullString
		)
		if err := rows.Scan(&col.Name, &dataType, &col.IsNullable, &col.IsPrimaryKey, &def, &comment); err != nil {
			return nil, mapError(err, "failed to scan column")
		}
		col.DataType = dataType.String
		if def.Valid {
			s := def.String
			col.DefaultValue = &s
		}
		if comment.Valid && comment.String != "" {
			s := comment.String
			col.Comment = &s
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "error iterating columns")
	}
	return cols, nil
}
