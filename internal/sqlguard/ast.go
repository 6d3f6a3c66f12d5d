package sqlguard

// Script is a parsed SQL text: every statement plus every comment.
type Script struct {
	Source     string
	Dialect    Dialect
	Statements []*Statement
	Comments   []Token
}

// Statement is one semicolon-separated statement.
type Statement struct {
	// Kind is the leading verb: SELECT, INSERT, VALUES, ... A WITH prefix is
	// looked through, so "WITH x AS (...) DELETE ..." has Kind DELETE.
	Kind string

	// Query is set when the statement is a query (SELECT, VALUES, TABLE).
	Query *Query

	Start, End int // byte span in Source, excluding the terminating ';'

	src    string
	tokens []Token
}

// IsSelect reports whether the statement is a SELECT query.
func (s *Statement) IsSelect() bool { return s.Kind == "SELECT" && s.Query != nil }

// Text returns the statement's source text.
func (s *Statement) Text() string { return s.src[s.Start:s.End] }

// Query is a full query expression: optional WITH, a body, and the
// clauses that apply to the whole body.
type Query struct {
	With    *With
	Body    QueryBody
	OrderBy *Clause
	Limit   *Limit
	Offset  *Clause
	Fetch   *Clause
	Locking *Clause // FOR UPDATE / FOR SHARE / LOCK IN SHARE MODE
	Into    *Clause // trailing INTO (MySQL)
}

// QueryBody is a Select, SetOperation, ParenQuery, Values or TableRef.
type QueryBody interface {
	queryBody()
}

// With is a WITH clause.
type With struct {
	Recursive bool
	CTEs      []*CTE
}

// CTE is a common table expression. Query is nil when the body is not a
// query (a data-modifying statement).
type CTE struct {
	Name  string
	Query *Query
	Body  Clause
}

// Select is a single SELECT core.
type Select struct {
	Columns Clause
	Into    *Clause
	From    *Clause
	Where   *Clause
	GroupBy *Clause
	Having  *Clause
	Window  *Clause
}

// SetOperation combines two bodies with UNION, INTERSECT or EXCEPT.
type SetOperation struct {
	Op          string
	All         bool
	Left, Right QueryBody
}

// ParenQuery is a parenthesized query used as a body.
type ParenQuery struct {
	Query *Query
}

// Values is a VALUES list.
type Values struct {
	Rows Clause
}

// TableRef is PostgreSQL's TABLE name shorthand.
type TableRef struct {
	Name string
}

func (*Select) queryBody()       {}
func (*SetOperation) queryBody() {}
func (*ParenQuery) queryBody()   {}
func (*Values) queryBody()       {}
func (*TableRef) queryBody()     {}

// Clause is an opaque run of tokens following a clause keyword. Nested
// queries found inside it are parsed and kept in Subqueries.
type Clause struct {
	Keyword    string
	Start, End int
	Tokens     int
	Subqueries []*Query
}

// Limit is a LIMIT clause. Synthetic limits are added by InjectLimit and
// have no source span.
type Limit struct {
	Clause
	Count     string
	Synthetic bool
}

// HasRowLimit reports whether the query already caps its row count with
// LIMIT or FETCH. A query whose whole body is a parenthesized query
// inherits the inner cap.
func (q *Query) HasRowLimit() bool {
	if q.Limit != nil || q.Fetch != nil {
		return true
	}
	if p, ok := q.Body.(*ParenQuery); ok && q.Offset == nil {
		return p.Query.HasRowLimit()
	}
	return false
}

// HasFrom reports whether any SELECT core of the outermost body reads
// from a relation.
func (q *Query) HasFrom() bool { return bodyHasFrom(q.Body) }

func bodyHasFrom(b QueryBody) bool {
	switch n := b.(type) {
	case *Select:
		return n.From != nil
	case *SetOperation:
		return bodyHasFrom(n.Left) || bodyHasFrom(n.Right)
	case *ParenQuery:
		return n.Query.HasFrom()
	case *TableRef:
		return true
	}
	return false
}

// Walk calls fn for q and every nested query reachable from it, depth first.
func Walk(q *Query, fn func(*Query)) {
	if q == nil {
		return
	}
	fn(q)
	if q.With != nil {
		for _, c := range q.With.CTEs {
			Walk(c.Query, fn)
			walkClause(&c.Body, fn)
		}
	}
	walkBody(q.Body, fn)
	for _, c := range []*Clause{q.OrderBy, q.Offset, q.Fetch, q.Locking, q.Into} {
		walkClause(c, fn)
	}
	if q.Limit != nil {
		walkClause(&q.Limit.Clause, fn)
	}
}

func walkBody(b QueryBody, fn func(*Query)) {
	switch n := b.(type) {
	case *Select:
		for _, c := range []*Clause{&n.Columns, n.Into, n.From, n.Where, n.GroupBy, n.Having, n.Window} {
			walkClause(c, fn)
		}
	case *SetOperation:
		walkBody(n.Left, fn)
		walkBody(n.Right, fn)
	case *ParenQuery:
		Walk(n.Query, fn)
	case *Values:
		walkClause(&n.Rows, fn)
	}
}

func walkClause(c *Clause, fn func(*Query)) {
	if c == nil {
		return
	}
	for _, sub := range c.Subqueries {
		Walk(sub, fn)
	}
}
