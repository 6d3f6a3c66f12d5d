package sqlguard

import (
	"fmt"
	"strconv"
)

// statementVerbs are the leading keywords of statements the parser
// recognises without parsing their bodies.
var statementVerbs = map[string]bool{
	"SELECT": true, "WITH": true, "VALUES": true, "TABLE": true,
	"INSERT": true, "UPDATE": true, "DELETE": true, "REPLACE": true, "MERGE": true, "UPSERT": true,
	"CREATE": true, "ALTER": true, "DROP": true, "TRUNCATE": true, "RENAME": true, "COMMENT": true,
	"GRANT": true, "REVOKE": true, "CALL": true, "EXEC": true, "EXECUTE": true, "DO": true,
	"PREPARE": true, "DEALLOCATE": true, "DECLARE": true, "FETCH": true, "MOVE": true, "CLOSE": true,
	"BEGIN": true, "START": true, "COMMIT": true, "END": true, "ROLLBACK": true, "SAVEPOINT": true, "RELEASE": true,
	"SET": true, "RESET": true, "SHOW": true, "USE": true, "DESCRIBE": true, "DESC": true, "EXPLAIN": true,
	"PRAGMA": true, "ATTACH": true, "DETACH": true, "VACUUM": true, "ANALYZE": true, "ANALYSE": true, "REINDEX": true,
	"LOCK": true, "UNLOCK": true, "COPY": true, "LOAD": true, "HANDLER": true, "LISTEN": true, "NOTIFY": true,
	"UNLISTEN": true, "CLUSTER": true, "CHECKPOINT": true, "DISCARD": true, "REFRESH": true, "SECURITY": true,
	"IMPORT": true, "OPTIMIZE": true, "REPAIR": true, "CHECK": true, "CHECKSUM": true, "FLUSH": true,
	"KILL": true, "INSTALL": true, "UNINSTALL": true, "SHUTDOWN": true, "ABORT": true,
}

// Parse tokenizes sql and parses every statement in it. Only query
// statements are parsed structurally; other statements are classified by
// their leading verb.
func Parse(sql string, d Dialect) (*Script, error) {
	toks, err := Tokenize(sql, d)
	if err != nil {
		return nil, err
	}

	script := &Script{Source: sql, Dialect: d}
	var (
		cur   []Token
		opens []int
	)
	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		st, err := parseStatement(sql, d, cur)
		if err != nil {
			return err
		}
		script.Statements = append(script.Statements, st)
		cur = nil
		return nil
	}

	for _, t := range toks {
		switch t.Kind {
		case TokenComment:
			script.Comments = append(script.Comments, t)
			continue
		case TokenLParen:
			opens = append(opens, t.Pos)
		case TokenRParen:
			if len(opens) == 0 {
				return nil, syntaxError(sql, t.Pos, "unmatched ')'")
			}
			opens = opens[:len(opens)-1]
		case TokenSemicolon:
			if len(opens) > 0 {
				return nil, syntaxError(sql, t.Pos, "unexpected ';' inside parentheses")
			}
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		cur = append(cur, t)
	}
	if len(opens) > 0 {
		return nil, syntaxError(sql, opens[len(opens)-1], "unclosed '('")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return script, nil
}

func parseStatement(src string, d Dialect, toks []Token) (*Statement, error) {
	st := &Statement{
		Start:  toks[0].Pos,
		End:    toks[len(toks)-1].End,
		src:    src,
		tokens: toks,
	}

	first := toks[0]
	switch {
	case first.Kind == TokenLParen || first.is("SELECT", "WITH", "VALUES", "TABLE"):
		p := &parser{src: src, dialect: d, toks: toks, eofPos: st.End}
		q, err := p.parseQuery()
		if err != nil {
			return nil, err
		}
		if p.verb != "" {
			st.Kind = p.verb
			return st, nil
		}
		st.Query = q
		st.Kind = bodyKind(q.Body)
	case first.Kind == TokenWord && statementVerbs[first.Upper]:
		st.Kind = first.Upper
	default:
		return nil, syntaxError(src, first.Pos, "unexpected "+describe(first)+" at start of statement")
	}
	return st, nil
}

func bodyKind(b QueryBody) string {
	switch n := b.(type) {
	case *Values:
		return "VALUES"
	case *TableRef:
		return "TABLE"
	case *ParenQuery:
		return bodyKind(n.Query.Body)
	case *SetOperation:
		return bodyKind(n.Left)
	}
	return "SELECT"
}

type parser struct {
	src     string
	dialect Dialect
	toks    []Token
	pos     int
	eofPos  int

	// verb is set when a WITH prefix introduces a non-query statement.
	verb string
}

func (p *parser) peek() Token { return p.peekAt(0) }

func (p *parser) peekAt(n int) Token {
	if i := p.pos + n; i >= 0 && i < len(p.toks) {
		return p.toks[i]
	}
	return Token{Kind: TokenEOF, Pos: p.eofPos, End: p.eofPos}
}

func (p *parser) next() Token {
	t := p.peek()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

func (p *parser) eof() bool { return p.pos >= len(p.toks) }

func (p *parser) errorf(t Token, format string, args ...any) error {
	return syntaxError(p.src, t.Pos, fmt.Sprintf(format, args...))
}

func (p *parser) unexpected(t Token) error {
	return p.errorf(t, "unexpected %s", describe(t))
}

func describe(t Token) string {
	if t.Kind == TokenEOF {
		return "end of input"
	}
	return strconv.Quote(t.Text)
}

// group consumes a parenthesized group starting at the current '(' and
// returns the tokens between the parentheses. Parentheses are balanced
// per statement before parsing starts.
func (p *parser) group() (inner []Token, closing Token) {
	p.next()
	start, depth := p.pos, 1
	for ; p.pos < len(p.toks); p.pos++ {
		switch p.toks[p.pos].Kind {
		case TokenLParen:
			depth++
		case TokenRParen:
			depth--
			if depth == 0 {
				inner, closing = p.toks[start:p.pos], p.toks[p.pos]
				p.pos++
				return inner, closing
			}
		}
	}
	return p.toks[start:], Token{Kind: TokenEOF, Pos: p.eofPos, End: p.eofPos}
}

// subquery parses toks as a complete query. When toks is a WITH-prefixed
// non-query statement the returned verb names it and q is nil.
func (p *parser) subquery(toks []Token, eofPos int) (q *Query, verb string, err error) {
	child := &parser{src: p.src, dialect: p.dialect, toks: toks, eofPos: eofPos}
	q, err = child.parseQuery()
	if err != nil {
		return nil, "", err
	}
	if child.verb != "" {
		return nil, child.verb, nil
	}
	return q, "", nil
}

func (p *parser) parseQuery() (*Query, error) {
	q := &Query{}
	if p.peek().is("WITH") {
		w, err := p.parseWith()
		if err != nil {
			return nil, err
		}
		q.With = w
		if t := p.peek(); t.Kind == TokenWord && statementVerbs[t.Upper] && !t.is("SELECT", "VALUES", "TABLE") {
			p.verb = t.Upper
			p.pos = len(p.toks)
			return q, nil
		}
	}

	body, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	q.Body = body
	if err := p.parseQueryTail(q); err != nil {
		return nil, err
	}
	return q, nil
}

func (p *parser) parseWith() (*With, error) {
	p.next() // WITH
	w := &With{}
	if p.peek().is("RECURSIVE") {
		p.next()
		w.Recursive = true
	}

	for {
		name := p.next()
		if name.Kind != TokenWord && name.Kind != TokenQuotedIdent {
			return nil, p.errorf(name, "expected common table expression name, found %s", describe(name))
		}
		if p.peek().Kind == TokenLParen {
			if cols, closing := p.group(); len(cols) == 0 {
				return nil, p.errorf(closing, "expected column list")
			}
		}
		if !p.peek().is("AS") {
			return nil, p.errorf(p.peek(), "expected AS, found %s", describe(p.peek()))
		}
		p.next()
		if p.peek().is("NOT") {
			p.next()
		}
		if p.peek().is("MATERIALIZED") {
			p.next()
		}
		if p.peek().Kind != TokenLParen {
			return nil, p.errorf(p.peek(), "expected '(', found %s", describe(p.peek()))
		}

		open := p.peek()
		inner, closing := p.group()
		if len(inner) == 0 {
			return nil, p.errorf(closing, "empty common table expression")
		}
		cte := &CTE{
			Name: name.Text,
			Body: Clause{Keyword: "AS", Start: open.End, End: closing.Pos, Tokens: len(inner)},
		}
		if first := inner[0]; first.Kind == TokenLParen || first.is("SELECT", "WITH", "VALUES", "TABLE") {
			sub, _, err := p.subquery(inner, closing.Pos)
			if err != nil {
				return nil, err
			}
			cte.Query = sub
		}
		w.CTEs = append(w.CTEs, cte)

		if p.peek().Kind != TokenComma {
			return w, nil
		}
		p.next()
	}
}

func (p *parser) parseBody() (QueryBody, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek().is("UNION", "INTERSECT", "EXCEPT") {
		op := p.next().Upper
		all := false
		switch {
		case p.peek().is("ALL"):
			p.next()
			all = true
		case p.peek().is("DISTINCT"):
			p.next()
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &SetOperation{Op: op, All: all, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (QueryBody, error) {
	t := p.peek()
	switch {
	case t.is("SELECT"):
		return p.parseSelect()

	case t.is("VALUES"):
		c, err := p.clause(1)
		if err != nil {
			return nil, err
		}
		return &Values{Rows: *c}, nil

	case t.is("TABLE"):
		p.next()
		name := p.next()
		if name.Kind != TokenWord && name.Kind != TokenQuotedIdent {
			return nil, p.errorf(name, "expected table name, found %s", describe(name))
		}
		ref := &TableRef{Name: name.Text}
		for p.peek().Kind == TokenDot {
			p.next()
			part := p.next()
			if part.Kind != TokenWord && part.Kind != TokenQuotedIdent {
				return nil, p.unexpected(part)
			}
			ref.Name += "." + part.Text
		}
		return ref, nil

	case t.Kind == TokenLParen:
		inner, closing := p.group()
		if len(inner) == 0 {
			return nil, p.errorf(closing, "expected SELECT, found \")\"")
		}
		q, verb, err := p.subquery(inner, closing.Pos)
		if err != nil {
			return nil, err
		}
		if verb != "" {
			return nil, p.errorf(inner[0], "expected SELECT, found %s statement", verb)
		}
		return &ParenQuery{Query: q}, nil
	}
	return nil, p.errorf(t, "expected SELECT, found %s", describe(t))
}

// selectClauses lists the SELECT core clauses in their required order.
var selectClauses = []struct {
	word  string
	words int
}{
	{"FROM", 1},
	{"WHERE", 1},
	{"GROUP", 2},
	{"HAVING", 1},
	{"WINDOW", 1},
}

func (p *parser) parseSelect() (*Select, error) {
	p.next() // SELECT
	cols, err := p.span("SELECT")
	if err != nil {
		return nil, err
	}
	if cols.Tokens == 0 && p.dialect != Postgres {
		return nil, p.errorf(p.peek(), "expected select list, found %s", describe(p.peek()))
	}
	s := &Select{Columns: cols}

	last := -1
	for {
		t := p.peek()
		if t.Kind != TokenWord || !p.atBoundary() {
			return s, nil
		}
		if t.is("INTO") {
			if s.Into != nil {
				return nil, p.unexpected(t)
			}
			if s.Into, err = p.clause(1); err != nil {
				return nil, err
			}
			continue
		}

		rank := -1
		for i, c := range selectClauses {
			if t.Upper == c.word {
				rank = i
				break
			}
		}
		if rank < 0 {
			return s, nil
		}
		if rank <= last {
			return nil, p.unexpected(t)
		}
		last = rank

		c, err := p.clause(selectClauses[rank].words)
		if err != nil {
			return nil, err
		}
		switch t.Upper {
		case "FROM":
			s.From = c
		case "WHERE":
			s.Where = c
		case "GROUP":
			s.GroupBy = c
		case "HAVING":
			s.Having = c
		case "WINDOW":
			s.Window = c
		}
	}
}

// parseQueryTail parses ORDER BY, LIMIT/OFFSET/FETCH, locking and a
// trailing INTO, which apply to the whole query body.
func (p *parser) parseQueryTail(q *Query) error {
	stage := 0
	for !p.eof() {
		t := p.peek()
		if t.Kind != TokenWord || !p.atBoundary() {
			return p.unexpected(t)
		}

		var err error
		switch t.Upper {
		case "ORDER":
			if stage >= 1 {
				return p.unexpected(t)
			}
			stage = 1
			q.OrderBy, err = p.clause(2)
		case "LIMIT":
			if q.Limit != nil || q.Fetch != nil || stage > 2 {
				return p.unexpected(t)
			}
			stage = 2
			var c *Clause
			if c, err = p.clause(1); err == nil {
				q.Limit = &Limit{Clause: *c, Count: p.src[c.Start:c.End]}
			}
		case "OFFSET":
			if q.Offset != nil || stage > 2 {
				return p.unexpected(t)
			}
			stage = 2
			q.Offset, err = p.clause(1)
		case "FETCH":
			if q.Fetch != nil || q.Limit != nil || stage > 2 {
				return p.unexpected(t)
			}
			stage = 2
			q.Fetch, err = p.clause(1)
		case "FOR", "LOCK":
			if q.Locking != nil {
				return p.unexpected(t)
			}
			stage = 3
			q.Locking, err = p.clause(1)
		case "INTO":
			if q.Into != nil {
				return p.unexpected(t)
			}
			q.Into, err = p.clause(1)
		default:
			return p.unexpected(t)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// clause consumes a keyword of the given word count and the non-empty
// span that follows it.
func (p *parser) clause(words int) (*Clause, error) {
	name := p.next().Upper
	if words == 2 {
		name += " " + p.next().Upper
	}
	c, err := p.span(name)
	if err != nil {
		return nil, err
	}
	if c.Tokens == 0 {
		return nil, p.errorf(p.peek(), "expected expression after %s, found %s", name, describe(p.peek()))
	}
	return &c, nil
}

// span consumes tokens up to the next clause boundary at this depth.
// Parenthesized groups are consumed whole; queries inside them are parsed
// into Subqueries.
func (p *parser) span(keyword string) (Clause, error) {
	c := Clause{Keyword: keyword, Start: p.peek().Pos, End: p.peek().Pos}
	prev := TokenEOF
	for !p.eof() && !p.atBoundary() {
		t := p.peek()
		if t.Kind == TokenComma && (prev == TokenEOF || prev == TokenComma) {
			return c, p.unexpected(t)
		}
		if t.Kind == TokenLParen {
			inner, closing := p.group()
			if err := p.nested(inner, closing.Pos, &c); err != nil {
				return c, err
			}
			c.End = closing.End
		} else {
			c.End = p.next().End
		}
		prev = t.Kind
		c.Tokens++
	}
	if prev == TokenComma {
		return c, p.unexpected(p.peek())
	}
	return c, nil
}

// nested parses queries found in a parenthesized group.
func (p *parser) nested(inner []Token, eofPos int, c *Clause) error {
	if len(inner) == 0 {
		return nil
	}
	if inner[0].is("SELECT", "WITH", "VALUES") {
		q, verb, err := p.subquery(inner, eofPos)
		if err != nil {
			return err
		}
		if verb == "" {
			c.Subqueries = append(c.Subqueries, q)
		}
		return nil
	}

	for i := 0; i < len(inner); i++ {
		if inner[i].Kind != TokenLParen {
			continue
		}
		j := matchParen(inner, i)
		if err := p.nested(inner[i+1:j], inner[j].Pos, c); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// matchParen returns the index of the ')' closing toks[i].
func matchParen(toks []Token, i int) int {
	depth := 0
	for j := i; j < len(toks); j++ {
		switch toks[j].Kind {
		case TokenLParen:
			depth++
		case TokenRParen:
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return len(toks) - 1
}

// atBoundary reports whether the current token starts a clause of the
// enclosing query.
func (p *parser) atBoundary() bool {
	t := p.peek()
	if t.Kind != TokenWord {
		return false
	}
	switch t.Upper {
	case "WHERE", "HAVING", "INTO", "LIMIT", "OFFSET", "UNION", "INTERSECT", "EXCEPT":
		return true
	case "FROM":
		// IS [NOT] DISTINCT FROM is an operator.
		return !(p.peekAt(-1).is("DISTINCT") && p.peekAt(-2).is("IS", "NOT"))
	case "GROUP", "ORDER":
		return p.peekAt(1).is("BY")
	case "WINDOW":
		n := p.peekAt(1).Kind
		return (n == TokenWord || n == TokenQuotedIdent) && p.peekAt(2).is("AS")
	case "FETCH":
		return p.peekAt(1).is("FIRST", "NEXT")
	case "FOR":
		return p.peekAt(1).is("UPDATE", "SHARE", "NO", "KEY")
	case "LOCK":
		return p.peekAt(1).is("IN")
	}
	return false
}
