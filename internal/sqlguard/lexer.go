package sqlguard

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/koustreak/querygate/internal/errs"
)

// Dialect selects quoting and comment rules.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgresql"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// DialectFor maps a connection db_type to its dialect.
func DialectFor(dbType string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(dbType)); d {
	case Postgres, MySQL, SQLite:
		return d, nil
	case "postgres":
		return Postgres, nil
	}
	return "", errs.Newf(errs.KindValidation, "unsupported dialect %q", dbType)
}

// Lexer tokenizes SQL text for one dialect.
type Lexer struct {
	input   string
	dialect Dialect
	pos     int
}

// NewLexer creates a Lexer over input.
func NewLexer(input string, d Dialect) *Lexer {
	return &Lexer{input: input, dialect: d}
}

// Tokenize lexes the whole input. Comments are returned as TokenComment;
// the trailing TokenEOF is not included. An unterminated string, quoted
// identifier or block comment, or a character no dialect accepts, is a
// SYNTAX_ERROR.
func Tokenize(input string, d Dialect) ([]Token, error) {
	l := NewLexer(input, d)
	var toks []Token
	for {
		t, err := l.Next()
		if err != nil {
			return nil, err
		}
		if t.Kind == TokenEOF {
			return toks, nil
		}
		toks = append(toks, t)
	}
}

// Next returns the next token.
func (l *Lexer) Next() (Token, error) {
	l.skipSpace()
	start := l.pos
	if start >= len(l.input) {
		return Token{Kind: TokenEOF, Pos: start, End: start}, nil
	}

	c := l.input[start]
	switch {
	case c == '-' && l.peek(1) == '-':
		return l.lineComment(start), nil
	case c == '#' && l.dialect == MySQL:
		return l.lineComment(start), nil
	case c == '/' && l.peek(1) == '*':
		return l.blockComment(start)

	case c == '\'':
		return l.quoted(start, '\'', TokenString, l.dialect == MySQL)
	case c == '"':
		if l.dialect == MySQL {
			return l.quoted(start, '"', TokenString, true)
		}
		return l.quoted(start, '"', TokenQuotedIdent, false)
	case c == '`':
		if l.dialect == Postgres {
			return Token{}, l.errorf(start, "unexpected character '`'")
		}
		return l.quoted(start, '`', TokenQuotedIdent, false)
	case c == '[' && l.dialect == SQLite:
		end := strings.IndexByte(l.input[start+1:], ']')
		if end < 0 {
			return Token{}, l.errorf(start, "unterminated quoted identifier")
		}
		l.pos = start + 1 + end + 1
		return l.token(TokenQuotedIdent, start), nil

	case c == '$' && l.dialect == Postgres:
		if isDigit(l.peek(1)) {
			l.pos++
			l.skipWhile(isDigit)
			return l.token(TokenParam, start), nil
		}
		if tag, ok := l.dollarTag(start); ok {
			return l.dollarQuoted(start, tag)
		}
		l.pos++
		return l.token(TokenOperator, start), nil

	case isDigit(c) || (c == '.' && isDigit(l.peek(1))):
		return l.number(start), nil

	case isIdentStart(c):
		if t, ok, err := l.prefixedString(start); ok || err != nil {
			return t, err
		}
		l.pos++
		l.skipWhile(isIdentPart)
		t := l.token(TokenWord, start)
		t.Upper = strings.ToUpper(t.Text)
		return t, nil

	case c == '?' && l.dialect != Postgres:
		l.pos++
		l.skipWhile(isDigit)
		return l.token(TokenParam, start), nil
	case (c == ':' || c == '@' || c == '$') && l.dialect != Postgres && isIdentStart(l.peek(1)):
		l.pos++
		l.skipWhile(isIdentPart)
		return l.token(TokenParam, start), nil
	case c == '@' && l.dialect == MySQL && l.peek(1) == '@':
		l.pos += 2
		l.skipWhile(func(b byte) bool { return isIdentPart(b) || b == '.' })
		return l.token(TokenParam, start), nil

	case c == '(':
		l.pos++
		return l.token(TokenLParen, start), nil
	case c == ')':
		l.pos++
		return l.token(TokenRParen, start), nil
	case c == ',':
		l.pos++
		return l.token(TokenComma, start), nil
	case c == ';':
		l.pos++
		return l.token(TokenSemicolon, start), nil
	case c == '.':
		l.pos++
		return l.token(TokenDot, start), nil

	case isOperator(c):
		l.pos++
		for l.pos < len(l.input) && isOperator(l.input[l.pos]) && !l.commentStart() {
			l.pos++
		}
		return l.token(TokenOperator, start), nil
	}

	r, _ := utf8.DecodeRuneInString(l.input[start:])
	return Token{}, l.errorf(start, "unexpected character %q", r)
}

func (l *Lexer) token(k TokenKind, start int) Token {
	return Token{Kind: k, Text: l.input[start:l.pos], Pos: start, End: l.pos}
}

func (l *Lexer) peek(n int) byte {
	if l.pos+n < len(l.input) {
		return l.input[l.pos+n]
	}
	return 0
}

func (l *Lexer) skipSpace() {
	l.skipWhile(func(b byte) bool {
		return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == '\v'
	})
}

func (l *Lexer) skipWhile(fn func(byte) bool) {
	for l.pos < len(l.input) && fn(l.input[l.pos]) {
		l.pos++
	}
}

func (l *Lexer) commentStart() bool {
	c, n := l.input[l.pos], l.peek(1)
	return (c == '-' && n == '-') || (c == '/' && n == '*') || (c == '#' && l.dialect == MySQL)
}

func (l *Lexer) lineComment(start int) Token {
	if i := strings.IndexByte(l.input[start:], '\n'); i >= 0 {
		l.pos = start + i
	} else {
		l.pos = len(l.input)
	}
	return l.token(TokenComment, start)
}

// blockComment consumes /* ... */. PostgreSQL nests block comments.
func (l *Lexer) blockComment(start int) (Token, error) {
	depth := 0
	for l.pos < len(l.input) {
		switch {
		case l.input[l.pos] == '/' && l.peek(1) == '*':
			if depth == 0 || l.dialect == Postgres {
				depth++
			}
			l.pos += 2
		case l.input[l.pos] == '*' && l.peek(1) == '/':
			depth--
			l.pos += 2
			if depth == 0 {
				return l.token(TokenComment, start), nil
			}
		default:
			l.pos++
		}
	}
	return Token{}, l.errorf(start, "unterminated block comment")
}

// quoted consumes a run delimited by q where a doubled q is an escaped q.
// With backslash set, a backslash escapes the following byte.
func (l *Lexer) quoted(start int, q byte, kind TokenKind, backslash bool) (Token, error) {
	l.pos = start + 1
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch {
		case backslash && c == '\\':
			l.pos += 2
		case c == q && l.peek(1) == q:
			l.pos += 2
		case c == q:
			l.pos++
			return l.token(kind, start), nil
		default:
			l.pos++
		}
	}
	if kind == TokenString {
		return Token{}, l.errorf(start, "unterminated string literal")
	}
	return Token{}, l.errorf(start, "unterminated quoted identifier")
}

// prefixedString handles E'..', X'..', B'..', N'..' and U&'..'.
func (l *Lexer) prefixedString(start int) (Token, bool, error) {
	c := l.input[start] | 0x20
	switch {
	case l.peek(1) == '\'' && (c == 'x' || c == 'b' || c == 'n' || (c == 'e' && l.dialect == Postgres)):
		t, err := l.quoted(start+1, '\'', TokenString, c == 'e')
		t.Pos, t.Text = start, l.input[start:l.pos]
		return t, true, err
	case c == 'u' && l.dialect == Postgres && l.peek(1) == '&' && l.peek(2) == '\'':
		t, err := l.quoted(start+2, '\'', TokenString, false)
		t.Pos, t.Text = start, l.input[start:l.pos]
		return t, true, err
	}
	return Token{}, false, nil
}

// dollarTag recognises $$ and $tag$ openers.
func (l *Lexer) dollarTag(start int) (string, bool) {
	i := start + 1
	for i < len(l.input) && l.input[i] != '$' {
		if !isIdentPart(l.input[i]) || (i == start+1 && isDigit(l.input[i])) {
			return "", false
		}
		i++
	}
	if i >= len(l.input) {
		return "", false
	}
	return l.input[start : i+1], true
}

func (l *Lexer) dollarQuoted(start int, tag string) (Token, error) {
	body := start + len(tag)
	end := strings.Index(l.input[body:], tag)
	if end < 0 {
		return Token{}, l.errorf(start, "unterminated dollar-quoted string")
	}
	l.pos = body + end + len(tag)
	return l.token(TokenString, start), nil
}

func (l *Lexer) number(start int) Token {
	if l.input[start] == '0' && (l.peek(1)|0x20) == 'x' && l.dialect != Postgres {
		l.pos += 2
		l.skipWhile(isHexDigit)
		return l.token(TokenNumber, start)
	}
	l.skipWhile(isDigit)
	if l.pos < len(l.input) && l.input[l.pos] == '.' {
		l.pos++
		l.skipWhile(isDigit)
	}
	if l.pos < len(l.input) && (l.input[l.pos]|0x20) == 'e' {
		n := 1
		if s := l.peek(1); s == '+' || s == '-' {
			n = 2
		}
		if isDigit(l.peek(n)) {
			l.pos += n
			l.skipWhile(isDigit)
		}
	}
	return l.token(TokenNumber, start)
}

func (l *Lexer) errorf(pos int, format string, args ...any) error {
	return syntaxError(l.input, pos, fmt.Sprintf(format, args...))
}

// syntaxError builds a SYNTAX_ERROR carrying the byte offset and a short
// excerpt of the text at that offset.
func syntaxError(src string, pos int, msg string) *errs.Error {
	near := src[min(pos, len(src)):]
	if len(near) > 20 {
		near = near[:20]
	}
	return errs.New(errs.KindSyntaxError, msg).WithDetails(map[string]any{
		"position": pos,
		"near":     near,
	})
}

func isDigit(c byte) bool    { return c >= '0' && c <= '9' }
func isHexDigit(c byte) bool { return isDigit(c) || (c|0x20 >= 'a' && c|0x20 <= 'f') }

func isIdentStart(c byte) bool {
	return c == '_' || (c|0x20 >= 'a' && c|0x20 <= 'z') || c >= utf8.RuneSelf
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}

func isOperator(c byte) bool {
	return strings.IndexByte("+-*/<>=~!@#%^&|:?[]{}", c) >= 0
}
