package sqlite

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/koustreak/querygate/internal/database"
)

type catalog struct {
	db *sql.DB
}

func (c *catalog) Relations(ctx context.Context) ([]database.Relation, error) {
	const q = `
		SELECT name, type
		FROM sqlite_master
		WHERE type IN ('table', 'view')
		  AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY name`

	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, mapError(err, "failed to list relations")
	}
	defer rows.Close()

	rels := make([]database.Relation, 0)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, mapError(err, "failed to scan relation")
		}
		rel := database.Relation{Name: name, TableType: database.RelationTable}
		if typ == "view" {
			rel.TableType = database.RelationView
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "error iterating relations")
	}
	rows.Close()

	// ANALYZE estimates win. Tables without one are counted up to
	// countCeiling rows; anything larger, or uncountable, has no row count.
	stats := c.analyzed(ctx)
	for i := range rels {
		if rels[i].TableType != database.RelationTable {
			continue
		}
		if n, ok := stats[rels[i].Name]; ok {
			rels[i].RowCount = &n
			continue
		}
		var n int64
		q := "SELECT COUNT(*) FROM (SELECT 1 FROM " + database.QuoteIdent(rels[i].Name) +
			" LIMIT " + strconv.Itoa(countCeiling+1) + ")"
		if err := c.db.QueryRowContext(ctx, q).Scan(&n); err == nil && n <= countCeiling {
			rels[i].RowCount = &n
		}
	}
	return rels, nil
}

const countCeiling = 100_000

// analyzed reads per-table row estimates from sqlite_stat1. The first integer
// of each stat string is the row count of the table or index it describes.
// A missing or unreadable stat table yields no estimates.
func (c *catalog) analyzed(ctx context.Context) map[string]int64 {
	out := make(map[string]int64)

	var present int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_stat1'`).Scan(&present)
	if err != nil || present == 0 {
		return out
	}

	rows, err := c.db.QueryContext(ctx, `SELECT tbl, stat FROM sqlite_stat1`)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var tbl, stat sql.NullString
		if err := rows.Scan(&tbl, &stat); err != nil || !tbl.Valid {
			continue
		}
		first, _, _ := strings.Cut(stat.String, " ")
		n, err := strconv.ParseInt(first, 10, 64)
		if err != nil {
			continue
		}
		// Partial indexes undercount, so keep the largest figure per table.
		if cur, seen := out[tbl.String]; !seen || n > cur {
			out[tbl.String] = n
		}
	}
	return out
}

func (c *catalog) Columns(ctx context.Context, rel database.Relation) ([]database.Column, error) {
	rows, err := c.db.QueryContext(ctx, "PRAGMA table_info("+database.QuoteIdent(rel.Name)+")")
	if err != nil {
		return nil, mapError(err, "failed to read table_info")
	}
	defer rows.Close()

	var cols []database.Column
	for rows.Next() {
		var (
			cid     int
			col     database.Column
			typ     sql.NullString
			notNull int
			def     sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col.Name, &typ, &notNull, &def, &pk); err != nil {
			return nil, mapError(err, "failed to scan table_info")
		}
		col.DataType = typ.String
		col.IsNullable = notNull == 0 && pk == 0
		col.IsPrimaryKey = pk > 0
		if def.Valid {
			s := def.String
			col.DefaultValue = &s
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "error iterating table_info")
	}
	return cols, nil
}
