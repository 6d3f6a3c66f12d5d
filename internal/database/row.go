package database

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Row is an ordered mapping from column name to value. It marshals to a JSON
// object whose keys keep the column order of the result set.
type Row struct {
	names  []string
	values []any
}

// NewRow pairs names with values. Both slices must have the same length.
func NewRow(names []string, values []any) Row {
	return Row{names: names, values: values}
}

// Names returns the column names in order.
func (r Row) Names() []string { return r.names }

// Values returns the values in column order.
func (r Row) Values() []any { return r.values }

// Len returns the number of columns in the row.
func (r Row) Len() int { return len(r.names) }

// Get returns the value stored under name.
func (r Row) Get(name string) (any, bool) {
	for i, n := range r.names {
		if n == name {
			return r.values[i], true
		}
	}
	return nil, false
}

// MarshalJSON writes the row as an object in column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Rows is the minimal cursor shared by database/sql and pgx result sets.
// The caller owns closing it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// ScanRows materialises the remaining rows of rows, at most maxRows of them
// when maxRows is positive; truncated reports that rows were left unread.
// Values are normalised so they render sensibly as JSON (text as strings,
// uuids as strings). The returned slice is always non-nil.
func ScanRows(rows Rows, names []string, maxRows int) ([]Row, bool, error) {
	result := make([]Row, 0)

	for rows.Next() {
		if maxRows > 0 && len(result) == maxRows {
			return result, true, nil
		}
		dest := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, false, err
		}
		for i := range dest {
			dest[i] = normalizeValue(dest[i])
		}
		result = append(result, NewRow(names, dest))
	}

	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return result, false, nil
}

// UniqueNames makes duplicate column names addressable by suffixing later
// occurrences: "id", "id" becomes "id", "id_2".
func UniqueNames(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]int, len(names))
	for i, n := range names {
		seen[n]++
		if seen[n] == 1 {
			out[i] = n
			continue
		}
		candidate := n + "_" + strconv.Itoa(seen[n])
		for seen[candidate] > 0 {
			seen[n]++
			candidate = n + "_" + strconv.Itoa(seen[n])
		}
		seen[candidate] = 1
		out[i] = candidate
	}
	return out
}

// ResolveColumns pairs names with the driver-reported type names, falling
// back to the Go type of the first row's value when the driver has none.
func ResolveColumns(names, driverTypes []string, rows []Row) []ResultColumn {
	cols := make([]ResultColumn, len(names))
	for i, name := range names {
		typ := ""
		if i < len(driverTypes) {
			typ = driverTypes[i]
		}
		if typ == "" && len(rows) > 0 {
			typ = InferType(rows[0].values[i])
		}
		if typ == "" {
			typ = UnknownType
		}
		cols[i] = ResultColumn{Name: name, DataType: typ}
	}
	return cols
}

// InferType returns a best-effort type name for a scanned value.
func InferType(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case float32, float64:
		return "real"
	case string:
		return "text"
	case []byte:
		return "blob"
	case time.Time:
		return "timestamp"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		cp := make([]byte, len(val))
		copy(cp, val)
		return cp
	case [16]byte:
		return uuid.UUID(val).String()
	default:
		return v
	}
}
