package sqlguard

import (
	"testing"

	"github.com/koustreak/querygate/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(toks []Token) []TokenKind {
	out := make([]TokenKind, len(toks))
	for i, t := range toks {
		out[i] = t.Kind
	}
	return out
}

func TestTokenize_Basic(t *testing.T) {
	toks, err := Tokenize("SELECT a.b, 1.5e3 FROM t WHERE x >= $1;", Postgres)
	require.NoError(t, err)

	assert.Equal(t, []TokenKind{
		TokenWord, TokenWord, TokenDot, TokenWord, TokenComma, TokenNumber,
		TokenWord, TokenWord, TokenWord, TokenWord, TokenOperator, TokenParam, TokenSemicolon,
	}, kinds(toks))
	assert.Equal(t, "SELECT", toks[0].Upper)
	assert.Equal(t, 0, toks[0].Pos)
	assert.Equal(t, 6, toks[0].End)
	assert.Equal(t, "1.5e3", toks[5].Text)
}

func TestTokenize_Strings(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		input   string
		want    string
	}{
		{"doubled quote", SQLite, `'it''s'`, `'it''s'`},
		{"mysql backslash", MySQL, `'it\'s -- no'`, `'it\'s -- no'`},
		{"mysql double quoted", MySQL, `"a""b"`, `"a""b"`},
		{"pg escape string", Postgres, `E'a\'b'`, `E'a\'b'`},
		{"pg standard string keeps backslash", Postgres, `'a\'`, `'a\'`},
		{"hex blob", SQLite, `X'0aff'`, `X'0aff'`},
		{"national", MySQL, `N'abc'`, `N'abc'`},
		{"dollar", Postgres, `$$DROP TABLE x$$`, `$$DROP TABLE x$$`},
		{"tagged dollar", Postgres, `$fn$ a $$ b $fn$`, `$fn$ a $$ b $fn$`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			toks, err := Tokenize(tc.input, tc.dialect)
			require.NoError(t, err)
			require.Len(t, toks, 1)
			assert.Equal(t, TokenString, toks[0].Kind)
			assert.Equal(t, tc.want, toks[0].Text)
		})
	}
}

func TestTokenize_QuotedIdentifiers(t *testing.T) {
	tests := []struct {
		dialect Dialect
		input   string
	}{
		{Postgres, `"select"`},
		{SQLite, `"select"`},
		{SQLite, "`select`"},
		{SQLite, `[select]`},
		{MySQL, "`sel``ect`"},
	}

	for _, tc := range tests {
		t.Run(string(tc.dialect)+" "+tc.input, func(t *testing.T) {
			toks, err := Tokenize(tc.input, tc.dialect)
			require.NoError(t, err)
			require.Len(t, toks, 1)
			assert.Equal(t, TokenQuotedIdent, toks[0].Kind)
		})
	}
}

func TestTokenize_Comments(t *testing.T) {
	tests := []struct {
		name     string
		dialect  Dialect
		input    string
		comments int
	}{
		{"line", SQLite, "SELECT 1 -- x", 1},
		{"line without space", SQLite, "SELECT 1--x\n", 1},
		{"block", SQLite, "SELECT /* x */ 1", 1},
		{"pg nested block", Postgres, "/* a /* b */ c */ SELECT 1", 1},
		{"mysql hash", MySQL, "SELECT 1 # x", 1},
		{"pg hash is an operator", Postgres, "SELECT 1 # 2", 0},
		{"inside string", SQLite, "SELECT '-- x /* y */'", 0},
		{"inside identifier", Postgres, `SELECT "--x"`, 0},
		{"after pg standard string", Postgres, `SELECT 'a\' -- x`, 1},
		{"operator then comment", SQLite, "SELECT 1 +-- x\n 2", 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			toks, err := Tokenize(tc.input, tc.dialect)
			require.NoError(t, err)
			n := 0
			for _, tok := range toks {
				if tok.Kind == TokenComment {
					n++
				}
			}
			assert.Equal(t, tc.comments, n)
		})
	}
}

func TestTokenize_Errors(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		input   string
		pos     int
	}{
		{"unterminated string", SQLite, "SELECT 'abc", 7},
		{"unterminated identifier", Postgres, `SELECT "abc`, 7},
		{"unterminated block comment", SQLite, "SELECT 1 /* x", 9},
		{"unterminated dollar", Postgres, "SELECT $$abc", 7},
		{"backtick in postgres", Postgres, "SELECT `a`", 7},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Tokenize(tc.input, tc.dialect)
			e, ok := errs.As(err)
			require.True(t, ok)
			assert.Equal(t, errs.KindSyntaxError, e.Kind)
			assert.Equal(t, tc.pos, e.Details["position"])
		})
	}
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgresql")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	d, err = DialectFor("SQLite")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)

	_, err = DialectFor("oracle")
	assert.True(t, errs.IsValidation(err))
}
