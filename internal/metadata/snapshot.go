// Package metadata extracts, hashes, caches and archives schema snapshots of
// the databases behind connection records.
package metadata

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/koustreak/querygate/internal/database"
)

// Snapshot is the wire representation of a database schema.
type Snapshot struct {
	DatabaseName string              `json:"databaseName"`
	DBType       database.DBType     `json:"dbType"`
	Tables       []database.Relation `json:"tables"`
	Views        []database.Relation `json:"views"`
	VersionHash  string              `json:"versionHash"`
	CachedAt     time.Time           `json:"cachedAt"`
	NeedsRefresh bool                `json:"needsRefresh"`
	Warnings     []string            `json:"warnings"`
}

// FromCatalog builds a snapshot from an adapter catalog. Relations are routed
// into Tables or Views by their type and sorted by name.
func FromCatalog(name string, dbType database.DBType, cat *database.Catalog) *Snapshot {
	s := &Snapshot{
		DatabaseName: name,
		DBType:       dbType,
		Tables:       []database.Relation{},
		Views:        []database.Relation{},
		Warnings:     []string{},
	}
	if cat == nil {
		return s
	}

	for _, rel := range slices.Concat(cat.Tables, cat.Views) {
		if rel.Columns == nil {
			rel.Columns = []database.Column{}
		}
		if rel.TableType == database.RelationView {
			s.Views = append(s.Views, rel)
		} else {
			rel.TableType = database.RelationTable
			s.Tables = append(s.Tables, rel)
		}
	}
	sortRelations(s.Tables)
	sortRelations(s.Views)

	if len(cat.Warnings) > 0 {
		s.Warnings = append(s.Warnings, cat.Warnings...)
	}
	return s
}

func sortRelations(rels []database.Relation) {
	slices.SortStableFunc(rels, func(a, b database.Relation) int {
		return strings.Compare(a.Name, b.Name)
	})
}

// --- storage document ---

// The cached document uses snake_case keys and carries no timestamps and no
// hash; those live in their own metadata_cache columns.
type document struct {
	DatabaseName string           `json:"database_name"`
	DBType       string           `json:"db_type"`
	Tables       []storedRelation `json:"tables"`
	Views        []storedRelation `json:"views"`
	Warnings     []string         `json:"warnings"`
}

type storedRelation struct {
	Name      string         `json:"name"`
	TableType string         `json:"table_type"`
	Columns   []storedColumn `json:"columns"`
	RowCount  *int64         `json:"row_count"`
	Comment   *string        `json:"comment"`
}

type storedColumn struct {
	Name         string  `json:"name"`
	DataType     string  `json:"data_type"`
	IsNullable   bool    `json:"is_nullable"`
	IsPrimaryKey bool    `json:"is_primary_key"`
	DefaultValue *string `json:"default_value"`
	Comment      *string `json:"comment"`
}

func newDocument(s *Snapshot, sortColumns bool) document {
	doc := document{
		DatabaseName: s.DatabaseName,
		DBType:       string(s.DBType),
		Tables:       storeRelations(s.Tables, sortColumns),
		Views:        storeRelations(s.Views, sortColumns),
		Warnings:     slices.Clone(s.Warnings),
	}
	if doc.Warnings == nil {
		doc.Warnings = []string{}
	}
	slices.Sort(doc.Warnings)
	return doc
}

func storeRelations(rels []database.Relation, sortColumns bool) []storedRelation {
	out := make([]storedRelation, 0, len(rels))
	for _, rel := range rels {
		cols := make([]storedColumn, 0, len(rel.Columns))
		for _, c := range rel.Columns {
			cols = append(cols, storedColumn{
				Name:         c.Name,
				DataType:     c.DataType,
				IsNullable:   c.IsNullable,
				IsPrimaryKey: c.IsPrimaryKey,
				DefaultValue: c.DefaultValue,
				Comment:      c.Comment,
			})
		}
		if sortColumns {
			slices.SortStableFunc(cols, func(a, b storedColumn) int { return strings.Compare(a.Name, b.Name) })
		}
		out = append(out, storedRelation{
			Name:      rel.Name,
			TableType: string(rel.TableType),
			Columns:   cols,
			RowCount:  rel.RowCount,
			Comment:   rel.Comment,
		})
	}
	slices.SortStableFunc(out, func(a, b storedRelation) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (d document) snapshot() (*Snapshot, error) {
	t := database.DBType(d.DBType)
	if !t.Valid() {
		return nil, fmt.Errorf("unknown db_type %q", d.DBType)
	}
	s := &Snapshot{
		DatabaseName: d.DatabaseName,
		DBType:       t,
		Warnings:     d.Warnings,
	}
	if s.Warnings == nil {
		s.Warnings = []string{}
	}

	var err error
	if s.Tables, err = loadRelations(d.Tables, database.RelationTable); err != nil {
		return nil, err
	}
	if s.Views, err = loadRelations(d.Views, database.RelationView); err != nil {
		return nil, err
	}
	return s, nil
}

func loadRelations(in []storedRelation, want database.RelationType) ([]database.Relation, error) {
	out := make([]database.Relation, 0, len(in))
	for _, r := range in {
		if database.RelationType(r.TableType) != want {
			return nil, fmt.Errorf("relation %q has table_type %q in the %ss list", r.Name, r.TableType, want)
		}
		cols := make([]database.Column, 0, len(r.Columns))
		for _, c := range r.Columns {
			cols = append(cols, database.Column{
				Name:         c.Name,
				DataType:     c.DataType,
				IsNullable:   c.IsNullable,
				IsPrimaryKey: c.IsPrimaryKey,
				DefaultValue: c.DefaultValue,
				Comment:      c.Comment,
			})
		}
		out = append(out, database.Relation{
			Name:      r.Name,
			TableType: want,
			Columns:   cols,
			RowCount:  r.RowCount,
			Comment:   r.Comment,
		})
	}
	return out, nil
}

// --- encoding ---

// Encode returns the document persisted in the cache and the version hash of
// the snapshot. Timestamps and the previous hash never influence either.
func Encode(s *Snapshot) (doc []byte, versionHash string, err error) {
	doc, err = marshal(newDocument(s, false))
	if err != nil {
		return nil, "", err
	}
	versionHash, err = Hash(s)
	if err != nil {
		return nil, "", err
	}
	return doc, versionHash, nil
}

// Decode parses a cached document. VersionHash and CachedAt are left for the
// caller to fill from the cache row.
func Decode(doc []byte) (*Snapshot, error) {
	var d document
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode cached metadata: %w", err)
	}
	return d.snapshot()
}

// Canonical is the hashed form: relations and columns sorted by name, fixed
// key order, compact UTF-8 with no trailing whitespace. Row counts move with
// the data rather than the schema and are left out.
func Canonical(s *Snapshot) ([]byte, error) {
	doc := newDocument(s, true)
	for _, rels := range [][]storedRelation{doc.Tables, doc.Views} {
		for i := range rels {
			rels[i].RowCount = nil
		}
	}
	return marshal(doc)
}

// Hash is the hex SHA-256 of Canonical(s).
func Hash(s *Snapshot) (string, error) {
	b, err := Canonical(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
