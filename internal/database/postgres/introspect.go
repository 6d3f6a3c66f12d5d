package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koustreak/querygate/internal/database"
)

// catalog answers database.Introspector questions from information_schema.
type catalog struct {
	pool *pgxpool.Pool
}

func (c *catalog) Relations(ctx context.Context) ([]database.Relation, error) {
	const q = `
		SELECT t.table_schema,
		       t.table_name,
		       t.table_type,
		       obj_description(format('%I.%I', t.table_schema, t.table_name)::regclass, 'pg_class'),
		       (SELECT CASE WHEN pc.reltuples >= 0 THEN pc.reltuples::bigint END
		          FROM pg_catalog.pg_class pc
		         WHERE pc.oid = format('%I.%I', t.table_schema, t.table_name)::regclass)
		FROM information_schema.tables t
		WHERE t.table_schema = ANY (current_schemas(false))
		  AND t.table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY t.table_name, array_position(current_schemas(false), t.table_schema::name)`

	rows, err := c.pool.Query(ctx, q)
	if err != nil {
		return nil, mapError(err, "failed to list relations")
	}
	defer rows.Close()

	rels := make([]database.Relation, 0)
	for rows.Next() {
		var (
			rel       database.Relation
			tableType string
		)
		if err := rows.Scan(&rel.Schema, &rel.Name, &tableType, &rel.Comment, &rel.RowCount); err != nil {
			return nil, mapError(err, "failed to scan relation")
		}
		rel.TableType = database.RelationTable
		if tableType == "VIEW" {
			rel.TableType = database.RelationView
			rel.RowCount = nil
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
		SELECT c.column_name,
		       CASE WHEN c.data_type IN ('USER-DEFINED', 'ARRAY') THEN c.udt_name
		            ELSE c.data_type END,
		       c.is_nullable = 'YES',
		       c.column_default,
		       col_description(format('%I.%I', c.table_schema, c.table_name)::regclass, c.ordinal_position),
		       EXISTS (
		           SELECT 1
		           FROM information_schema.table_constraints tc
		           JOIN information_schema.key_column_usage kcu
		             ON tc.constraint_name = kcu.constraint_name
		            AND tc.table_schema    = kcu.table_schema
		            AND tc.table_name      = kcu.table_name
		           WHERE tc.constraint_type = 'PRIMARY KEY'
		             AND tc.table_schema    = c.table_schema
		             AND tc.table_name      = c.table_name
		             AND kcu.column_name    = c.column_name)
		FROM information_schema.columns c
		WHERE c.table_schema = $1
		  AND c.table_name   = $2
		ORDER BY c.ordinal_position`

	rows, err := c.pool.Query(ctx, q, rel.Schema, rel.Name)
	if err != nil {
		return nil, mapError(err, "failed to fetch columns")
	}
	defer rows.Close()

	var cols []database.Column
	for rows.Next() {
		var (
			col      database.Column
			dataType *string
		)
		if err := rows.Scan(&col.Name, &dataType, &col.IsNullable, &col.DefaultValue, &col.Comment, &col.IsPrimaryKey); err != nil {
			return nil, mapError(err, "failed to scan column")
		}
		if dataType != nil {
			col.DataType = *dataType
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "error iterating columns")
	}
	return cols, nil
}
