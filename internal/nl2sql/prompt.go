// Package nl2sql turns a natural-language question into a candidate SQL
// statement using a generative model and the cached schema snapshot.
//
// The model is never trusted: callers submit the returned SQL to the query
// executor, which validates it like any other statement.
package nl2sql

import (
	"fmt"
	"slices"
	"strings"

	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/metadata"
)

// Prompt is the pair of chat messages sent to the model.
type Prompt struct {
	System string
	User   string
}

const systemDirective = `You translate questions about a relational database into one read-only SQL query.
Reply with a single JSON object and nothing else:
{"sql": "<query>", "explanation": "<one or two sentences>", "assumptions": ["<assumption>", ...]}
Rules:
- Use only the tables, views and columns listed in the schema.
- Write exactly one SELECT statement; WITH ... SELECT is allowed.
- Never modify data or schema.
- Do not put comments in the SQL.
- Follow the syntax of the stated SQL dialect.
- If the question is ambiguous, pick the most likely reading and list it under assumptions.`

// DialectName is the human name of a dbType used in prompts.
func DialectName(t database.DBType) string {
	switch t {
	case database.PostgreSQL:
		return "PostgreSQL"
	case database.MySQL:
		return "MySQL"
	case database.SQLite:
		return "SQLite"
	}
	return string(t)
}

// BuildPrompt renders snap and question into a prompt. The output depends
// only on its inputs: no timestamps, hashes or row counts are included.
func BuildPrompt(snap *metadata.Snapshot, question string, dialect database.DBType) Prompt {
	var b strings.Builder

	fmt.Fprintf(&b, "Dialect: %s\n", DialectName(dialect))
	if snap != nil && snap.DatabaseName != "" {
		fmt.Fprintf(&b, "Database: %s\n", snap.DatabaseName)
	}

	b.WriteString("\nSchema:\n")
	var tables, views []database.Relation
	if snap != nil {
		tables, views = sorted(snap.Tables), sorted(snap.Views)
	}
	if len(tables)+len(views) == 0 {
		b.WriteString("(no tables)\n")
	}
	for _, rel := range tables {
		writeRelation(&b, "TABLE", rel)
	}
	for _, rel := range views {
		writeRelation(&b, "VIEW", rel)
	}

	b.WriteString("\nQuestion:\n")
	b.WriteString(strings.TrimSpace(question))

	return Prompt{System: systemDirective, User: b.String()}
}

func sorted(rels []database.Relation) []database.Relation {
	out := slices.Clone(rels)
	slices.SortStableFunc(out, func(a, b database.Relation) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// writeRelation emits "TABLE name -- comment" followed by one
// "  column type [PK] [NOT NULL] [-- comment]" line per column.
func writeRelation(b *strings.Builder, kind string, rel database.Relation) {
	b.WriteString(kind)
	b.WriteByte(' ')
	b.WriteString(rel.Name)
	writeComment(b, rel.Comment)
	b.WriteByte('\n')

	for _, c := range rel.Columns {
		b.WriteString("  ")
		b.WriteString(c.Name)
		b.WriteByte(' ')
		b.WriteString(c.DataType)
		if c.IsPrimaryKey {
			b.WriteString(" PK")
		}
		if !c.IsNullable {
			b.WriteString(" NOT NULL")
		}
		writeComment(b, c.Comment)
		b.WriteByte('\n')
	}
}

func writeComment(b *strings.Builder, comment *string) {
	if comment == nil {
		return
	}
	// Keep each schema entry on one line.
	text := strings.Join(strings.Fields(*comment), " ")
	if text == "" {
		return
	}
	b.WriteString(" -- ")
	b.WriteString(text)
}
