package database

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Introspector is the catalog-reading half of a driver. InspectCatalog
// drives it; drivers only answer the two questions.
type Introspector interface {
	// Relations lists every user table and view with its table-level facts.
	// An error here means the catalog is unreadable as a whole.
	Relations(ctx context.Context) ([]Relation, error)

	// Columns lists the columns of one relation in declared order.
	Columns(ctx context.Context, rel Relation) ([]Column, error)
}

// InspectCatalog lists relations and fetches their columns with at most
// concurrency lookups in flight. A failing column lookup becomes a warning
// and leaves that relation with no columns.
func InspectCatalog(ctx context.Context, in Introspector, concurrency int) (*Catalog, error) {
	rels, err := in.Relations(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		warnings []string
	)
	warn := func(format string, args ...any) {
		mu.Lock()
		warnings = append(warnings, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	if concurrency < 1 {
		concurrency = 1
	}
	var g errgroup.Group
	g.SetLimit(concurrency)

	for i := range rels {
		g.Go(func() error {
			rel := &rels[i]
			cols, err := in.Columns(ctx, *rel)
			if err != nil {
				warn("%s %s: columns unavailable: %v", rel.TableType, rel.Name, err)
				rel.Columns = []Column{}
				return nil
			}
			for j := range cols {
				if strings.TrimSpace(cols[j].DataType) == "" {
					warn("%s.%s: column type could not be resolved", rel.Name, cols[j].Name)
					cols[j].DataType = UnknownType
				}
			}
			if cols == nil {
				cols = []Column{}
			}
			rel.Columns = cols
			return nil
		})
	}
	_ = g.Wait()

	cat := &Catalog{Tables: []Relation{}, Views: []Relation{}, Warnings: []string{}}
	for _, rel := range rels {
		if rel.TableType == RelationView {
			cat.Views = append(cat.Views, rel)
		} else {
			rel.TableType = RelationTable
			cat.Tables = append(cat.Tables, rel)
		}
	}
	if warnings != nil {
		slices.Sort(warnings)
		cat.Warnings = warnings
	}
	return cat, nil
}

// QuoteIdent double-quotes an identifier for PostgreSQL and SQLite.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
