package nl2sql

import (
	"strings"
	"testing"
	"time"

	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func sampleSnapshot() *metadata.Snapshot {
	n := int64(42)
	return &metadata.Snapshot{
		DatabaseName: "shop",
		DBType:       database.PostgreSQL,
		Tables: []database.Relation{
			{Name: "users", TableType: database.RelationTable, RowCount: &n, Comment: strptr("people\nwho log in"), Columns: []database.Column{
				{Name: "id", DataType: "integer", IsPrimaryKey: true},
				{Name: "email", DataType: "text", IsNullable: true, Comment: strptr("login address")},
			}},
			{Name: "orders", TableType: database.RelationTable, Columns: []database.Column{
				{Name: "id", DataType: "integer", IsPrimaryKey: true},
				{Name: "user_id", DataType: "integer"},
			}},
		},
		Views: []database.Relation{
			{Name: "active_users", TableType: database.RelationView, Columns: []database.Column{
				{Name: "id", DataType: "integer", IsNullable: true},
			}},
		},
		VersionHash: "abc",
		CachedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBuildPrompt_Schema(t *testing.T) {
	p := BuildPrompt(sampleSnapshot(), "  how many users?  ", database.PostgreSQL)

	assert.Contains(t, p.System, `"sql"`)
	assert.Contains(t, p.System, `"assumptions"`)

	want := strings.Join([]string{
		"Dialect: PostgreSQL",
		"Database: shop",
		"",
		"Schema:",
		"TABLE orders",
		"  id integer PK NOT NULL",
		"  user_id integer NOT NULL",
		"TABLE users -- people who log in",
		"  id integer PK NOT NULL",
		"  email text -- login address",
		"VIEW active_users",
		"  id integer",
		"",
		"Question:",
		"how many users?",
	}, "\n")
	assert.Equal(t, want, p.User)
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	a := sampleSnapshot()
	b := sampleSnapshot()
	b.Tables[0], b.Tables[1] = b.Tables[1], b.Tables[0]
	b.VersionHash = "other"
	b.CachedAt = time.Now()

	assert.Equal(t, BuildPrompt(a, "q", database.SQLite), BuildPrompt(b, "q", database.SQLite))
	assert.NotContains(t, BuildPrompt(a, "q", database.SQLite).User, "42", "row counts stay out of the prompt")
}

func TestBuildPrompt_EmptySchema(t *testing.T) {
	p := BuildPrompt(&metadata.Snapshot{DatabaseName: "empty"}, "anything", database.MySQL)
	assert.Contains(t, p.User, "Dialect: MySQL")
	assert.Contains(t, p.User, "(no tables)")

	p = BuildPrompt(nil, "anything", database.SQLite)
	assert.Contains(t, p.User, "(no tables)")
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Reply
	}{
		{
			name: "plain json",
			raw:  `{"sql":"  SELECT count(*) FROM users;  ","explanation":" counts users ","assumptions":["all users"," "]}`,
			want: Reply{SQL: "SELECT count(*) FROM users", Explanation: "counts users", Assumptions: []string{"all users"}},
		},
		{
			name: "fenced with language",
			raw:  "```json\n{\"sql\":\"SELECT 1\"}\n```",
			want: Reply{SQL: "SELECT 1", Assumptions: []string{}},
		},
		{
			name: "fenced on one line",
			raw:  "```{\"sql\":\"SELECT 2\",\"explanation\":\"two\"}```",
			want: Reply{SQL: "SELECT 2", Explanation: "two", Assumptions: []string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseResponse_Invalid(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":       "SELECT * FROM users",
		"missing sql":    `{"explanation":"none"}`,
		"empty sql":      `{"sql":"  ; "}`,
		"wrong sql type": `{"sql":42}`,
		"array":          `["SELECT 1"]`,
		"empty":          "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResponse(raw)
			assert.Equal(t, errs.KindAIInvalidResponse, errs.KindOf(err))
		})
	}
}
