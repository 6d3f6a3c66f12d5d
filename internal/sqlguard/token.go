// Package sqlguard parses untrusted SQL text, decides whether it is a single
// read-only SELECT, and rewrites it with a row cap.
//
// The parser is structural rather than a full grammar: it tokenizes with the
// quoting and comment rules of each supported dialect, splits statements,
// and builds a tree of query bodies, clauses and nested subqueries. That is
// enough to classify the statement, find every comment and write verb, and
// re-emit the original text with a synthetic LIMIT appended.
package sqlguard

import "fmt"

// TokenKind represents the type of a lexical token.
type TokenKind int

// TokenEOF and friends enumerate the token kinds produced by the lexer.
const (
	TokenEOF TokenKind = iota

	TokenWord        // identifier or keyword
	TokenQuotedIdent // "x", `x`, [x]
	TokenString      // 'x', E'x', X'..', $tag$x$tag$
	TokenNumber      // 1, 1.5, 1e10, 0xff
	TokenParam       // $1, ?, :name, @name
	TokenOperator    // +, ::, <>, ->>, ...
	TokenLParen      // (
	TokenRParen      // )
	TokenComma       // ,
	TokenSemicolon   // ;
	TokenDot         // .
	TokenComment     // -- x, /* x */, # x
)

var tokenKindNames = map[TokenKind]string{
	TokenEOF:         "EOF",
	TokenWord:        "WORD",
	TokenQuotedIdent: "QUOTED_IDENT",
	TokenString:      "STRING",
	TokenNumber:      "NUMBER",
	TokenParam:       "PARAM",
	TokenOperator:    "OPERATOR",
	TokenLParen:      "(",
	TokenRParen:      ")",
	TokenComma:       ",",
	TokenSemicolon:   ";",
	TokenDot:         ".",
	TokenComment:     "COMMENT",
}

func (k TokenKind) String() string {
	if s, ok := tokenKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

// Token is a lexical token with its byte span in the source text.
type Token struct {
	Kind  TokenKind
	Text  string // raw source text
	Upper string // upper-cased Text, set for TokenWord only
	Pos   int    // offset of the first byte
	End   int    // offset one past the last byte
}

func (t Token) String() string {
	if t.Kind == TokenEOF {
		return "end of input"
	}
	return t.Text
}

// is reports whether t is an unquoted word equal to one of words.
func (t Token) is(words ...string) bool {
	if t.Kind != TokenWord {
		return false
	}
	for _, w := range words {
		if t.Upper == w {
			return true
		}
	}
	return false
}
