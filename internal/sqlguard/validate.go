package sqlguard

import (
	"github.com/koustreak/querygate/internal/errs"
)

// writeVerbs may not appear at statement level anywhere in a query.
var writeVerbs = map[string]bool{
	"INSERT":   true,
	"UPDATE":   true,
	"DELETE":   true,
	"DROP":     true,
	"ALTER":    true,
	"CREATE":   true,
	"TRUNCATE": true,
	"REPLACE":  true,
	"GRANT":    true,
	"REVOKE":   true,
	"MERGE":    true,
	"CALL":     true,
	"EXEC":     true,
}

// Validate parses sql and returns its statement if it is a single read-only
// SELECT. Checks run in a fixed order and the first failure wins:
//
//  1. the text does not parse: SYNTAX_ERROR
//  2. the first statement is not a SELECT: INVALID_STATEMENT
//  3. more than one statement: INVALID_STATEMENT
//  4. any comment: INVALID_STATEMENT
//  5. a write verb in statement position: INVALID_STATEMENT
//
// SELECT ... INTO and locking clauses are rejected last.
func Validate(sql string, d Dialect) (*Statement, error) {
	script, err := Parse(sql, d)
	if err != nil {
		return nil, err
	}
	if len(script.Statements) == 0 {
		return nil, syntaxError(sql, len(sql), "statement is empty")
	}

	root := script.Statements[0]
	if !root.IsSelect() {
		return nil, invalid("only SELECT allowed", "statement", root.Kind)
	}
	if n := len(script.Statements); n > 1 {
		return nil, invalid("multiple statements are not allowed", "statements", n)
	}
	if len(script.Comments) > 0 {
		return nil, invalid("comments are not allowed", "position", script.Comments[0].Pos)
	}
	if t, ok := findWriteVerb(root.tokens); ok {
		return nil, invalid("write keyword "+t.Upper+" is not allowed", "keyword", t.Upper)
	}

	var msg string
	Walk(root.Query, func(q *Query) {
		switch {
		case msg != "":
		case q.Locking != nil:
			msg = "locking clauses are not allowed"
		case q.Into != nil || bodyHasInto(q.Body):
			msg = "SELECT INTO is not allowed"
		}
	})
	if msg != "" {
		return nil, errs.New(errs.KindInvalidStatement, msg)
	}
	return root, nil
}

func invalid(msg, key string, value any) *errs.Error {
	return errs.New(errs.KindInvalidStatement, msg).WithDetails(map[string]any{key: value})
}

// findWriteVerb returns the first write verb in statement position: at
// depth zero, or directly after a parenthesis. A verb used as a function
// name or as a qualified name part is allowed, which admits MySQL's
// REPLACE() and INSERT() string functions.
func findWriteVerb(toks []Token) (Token, bool) {
	depth := 0
	for i, t := range toks {
		switch t.Kind {
		case TokenLParen:
			depth++
			continue
		case TokenRParen:
			depth--
			continue
		case TokenWord:
		default:
			continue
		}
		if !writeVerbs[t.Upper] {
			continue
		}
		if i+1 < len(toks) && (toks[i+1].Kind == TokenLParen || toks[i+1].Kind == TokenDot) {
			continue
		}
		prev := TokenEOF
		if i > 0 {
			prev = toks[i-1].Kind
			// FOR [NO KEY] UPDATE is a locking clause, rejected separately.
			if t.Upper == "UPDATE" && toks[i-1].is("FOR", "KEY") {
				continue
			}
		}
		if prev == TokenDot {
			continue
		}
		if depth == 0 || prev == TokenLParen || prev == TokenRParen {
			return t, true
		}
	}
	return Token{}, false
}

func bodyHasInto(b QueryBody) bool {
	switch n := b.(type) {
	case *Select:
		return n.Into != nil
	case *SetOperation:
		return bodyHasInto(n.Left) || bodyHasInto(n.Right)
	}
	return false
}
