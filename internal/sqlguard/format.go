package sqlguard

import (
	"strconv"
	"strings"
)

// DefaultRowLimit is the row cap added to queries without one.
const DefaultRowLimit = 1000

// InjectLimit returns a copy of stmt with a synthetic LIMIT on the
// outermost query, and whether one was added. A query that already has
// LIMIT or FETCH keeps it whatever its value. A query that reads no
// relation and calls no function is left alone since it yields a fixed
// handful of rows; set-returning calls such as generate_series or unnest
// still get the cap.
func InjectLimit(stmt *Statement, limit int) (*Statement, bool) {
	q := stmt.Query
	if q == nil || q.HasRowLimit() || stmt.constantOnly() {
		return stmt, false
	}
	if limit <= 0 {
		limit = DefaultRowLimit
	}

	cp := *q
	cp.Limit = &Limit{
		Clause:    Clause{Keyword: "LIMIT", Tokens: 1},
		Count:     strconv.Itoa(limit),
		Synthetic: true,
	}
	out := *stmt
	out.Query = &cp
	return &out, true
}

// nonCallWords are keywords that may sit right before "(" without naming a
// function.
var nonCallWords = map[string]bool{
	"SELECT": true, "DISTINCT": true, "ALL": true, "ANY": true, "SOME": true,
	"IN": true, "EXISTS": true, "NOT": true, "AND": true, "OR": true, "IS": true,
	"AS": true, "ON": true, "BY": true, "CASE": true, "WHEN": true, "THEN": true,
	"ELSE": true, "BETWEEN": true, "LIKE": true, "ILIKE": true, "VALUES": true,
}

// constantOnly reports whether the outermost query reads no relation and
// its bodies call no function.
func (s *Statement) constantOnly() bool {
	q := s.Query
	if q.HasFrom() {
		return false
	}
	calls := q.OrderBy != nil && s.callsIn(q.OrderBy)
	eachBodyClause(q.Body, func(c *Clause) {
		calls = calls || s.callsIn(c)
	})
	return !calls
}

func eachBodyClause(b QueryBody, fn func(*Clause)) {
	switch n := b.(type) {
	case *Select:
		for _, c := range []*Clause{&n.Columns, n.Where, n.GroupBy, n.Having, n.Window} {
			if c != nil {
				fn(c)
			}
		}
	case *SetOperation:
		eachBodyClause(n.Left, fn)
		eachBodyClause(n.Right, fn)
	case *ParenQuery:
		if n.Query.OrderBy != nil {
			fn(n.Query.OrderBy)
		}
		eachBodyClause(n.Query.Body, fn)
	case *Values:
		fn(&n.Rows)
	}
}

// callsIn reports whether a name followed by "(" occurs inside c, nested
// groups included.
func (s *Statement) callsIn(c *Clause) bool {
	for i := 0; i+1 < len(s.tokens); i++ {
		t := s.tokens[i]
		if t.Pos < c.Start || t.End > c.End || s.tokens[i+1].Kind != TokenLParen {
			continue
		}
		switch t.Kind {
		case TokenQuotedIdent:
			return true
		case TokenWord:
			if !nonCallWords[t.Upper] {
				return true
			}
		}
	}
	return false
}

// Format serialises stmt. Source text is reproduced byte for byte, minus
// the surrounding whitespace and terminating semicolon; synthetic nodes
// are appended in canonical form.
func Format(stmt *Statement) string {
	var b strings.Builder
	b.WriteString(stmt.Text())
	if q := stmt.Query; q != nil && q.Limit != nil && q.Limit.Synthetic {
		b.WriteString(" LIMIT ")
		b.WriteString(q.Limit.Count)
	}
	return b.String()
}

// Prepared is a validated statement with its row cap applied.
type Prepared struct {
	// Original is the validated statement as written.
	Original string
	// Effective is the text to execute.
	Effective string
	// Limited reports whether a LIMIT was injected.
	Limited bool
	// CallerLimit reports whether the statement carries its own LIMIT or
	// FETCH, which is honoured whatever its value.
	CallerLimit bool
}

// Prepare validates sql and applies the row cap.
func Prepare(sql string, d Dialect, limit int) (*Prepared, error) {
	stmt, err := Validate(sql, d)
	if err != nil {
		return nil, err
	}
	capped, limited := InjectLimit(stmt, limit)
	return &Prepared{
		Original:    Format(stmt),
		Effective:   Format(capped),
		Limited:     limited,
		CallerLimit: stmt.Query.HasRowLimit(),
	}, nil
}

// Rewrite validates sql and returns the text to execute with a row cap
// applied. original is the validated statement as written; limited reports
// whether a cap was added.
func Rewrite(sql string, d Dialect, limit int) (original, effective string, limited bool, err error) {
	p, err := Prepare(sql, d, limit)
	if err != nil {
		return "", "", false, err
	}
	return p.Original, p.Effective, p.Limited, nil
}
