package database

import "time"

// ResultColumn describes one column of a result set.
type ResultColumn struct {
	Name     string `json:"name"`
	DataType string `json:"dataType"`
}

// ResultSet is what an adapter returns from Execute.
type ResultSet struct {
	Columns []ResultColumn
	Rows    []Row
	// Truncated is set when reading stopped at ExecOptions.MaxRows while
	// the statement still had rows to give.
	Truncated bool
}

// ExecOptions bounds one Execute call.
type ExecOptions struct {
	// Timeout bounds both the statement call and row materialisation.
	Timeout time.Duration
	// MaxRows stops reading after that many rows. Zero reads everything.
	MaxRows int
}

// RelationType distinguishes base tables from views.
type RelationType string

const (
	RelationTable RelationType = "table"
	RelationView  RelationType = "view"
)

// Column is one column of a table or view as reported by the catalog.
type Column struct {
	Name         string  `json:"name"`
	DataType     string  `json:"dataType"`
	IsNullable   bool    `json:"isNullable"`
	IsPrimaryKey bool    `json:"isPrimaryKey"`
	DefaultValue *string `json:"defaultValue,omitempty"`
	Comment      *string `json:"comment,omitempty"`
}

// Relation is a table or a view.
type Relation struct {
	Name      string       `json:"name"`
	TableType RelationType `json:"tableType"`
	Columns   []Column     `json:"columns"`
	RowCount  *int64       `json:"rowCount,omitempty"`
	Comment   *string      `json:"comment,omitempty"`

	// Schema is the namespace the relation was listed from, for engines
	// that search more than one.
	Schema string `json:"-"`
}

// Catalog is the raw result of Adapter.Introspect.
type Catalog struct {
	Tables   []Relation
	Views    []Relation
	Warnings []string
}

// UnknownType is recorded for columns whose type the catalog does not resolve.
const UnknownType = "unknown"
