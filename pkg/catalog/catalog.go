// Package catalog tracks table and index definitions: names, schemas and
// which columns each index is built over. It replaces an earlier
// TableMetaData design that declared a table's heap as a map[int]string
// while every caller actually expected a handle to an open data file.
//
// Catalog is metadata only. The runtime state an index or heap needs while
// an engine is open (the B+Tree, the pm_map, the HeapManager) is built and
// owned by the engine package that opens the table, keyed off the
// definitions recorded here.
package catalog

import (
	"sync"

	"github.com/bobboyms/storage-engine/pkg/errors"
	"github.com/bobboyms/storage-engine/pkg/record"
)

// IndexDef describes one index over a table: which columns (in schema
// order) its key is the hash of, whether it is the table's primary index,
// and whether duplicate keys are rejected.
type IndexDef struct {
	Name    string
	Columns []int
	Primary bool
	Unique  bool
}

// Table is a named schema plus its index definitions and the fixed slot
// size every row in its heap occupies.
type Table struct {
	Name         string
	Schema       *record.Schema
	MaxTupleSize int
	Indices      []IndexDef
}

// GetIndex returns the named index definition.
func (t *Table) GetIndex(name string) (*IndexDef, error) {
	for i := range t.Indices {
		if t.Indices[i].Name == name {
			return &t.Indices[i], nil
		}
	}
	return nil, &errors.IndexNotFoundError{Name: name}
}

// PrimaryIndex returns the table's single primary index definition. Every
// table has exactly one; NewTable refuses to register a table without one.
func (t *Table) PrimaryIndex() *IndexDef {
	for i := range t.Indices {
		if t.Indices[i].Primary {
			return &t.Indices[i]
		}
	}
	return nil
}

// SecondaryIndices returns every non-primary index definition.
func (t *Table) SecondaryIndices() []IndexDef {
	out := make([]IndexDef, 0, len(t.Indices))
	for _, idx := range t.Indices {
		if !idx.Primary {
			out = append(out, idx)
		}
	}
	return out
}

// Catalog is the process-wide registry of open tables.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func NewCatalog() *Catalog {
	return &Catalog{tables: make(map[string]*Table)}
}

// NewTable registers a table definition. Exactly one index in indices must
// have Primary set; NewTable rejects zero or more than one.
func (c *Catalog) NewTable(name string, schema *record.Schema, maxTupleSize int, indices ...IndexDef) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[name]; exists {
		return nil, &errors.TableAlreadyExistsError{Name: name}
	}

	primaryCount := 0
	for _, idx := range indices {
		if idx.Primary {
			primaryCount++
		}
	}
	if primaryCount == 0 {
		return nil, &errors.PrimarykeyNotDefinedError{TableName: name}
	}
	if primaryCount > 1 {
		return nil, &errors.TwoPrimarykeysError{Total: primaryCount}
	}

	t := &Table{
		Name:         name,
		Schema:       schema,
		MaxTupleSize: maxTupleSize,
		Indices:      indices,
	}
	c.tables[name] = t
	return t, nil
}

func (c *Catalog) GetTable(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tables[name]
	if !ok {
		return nil, &errors.TableNotFoundError{Name: name}
	}
	return t, nil
}

// Tables returns every registered table, in no particular order.
func (c *Catalog) Tables() []*Table {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	return out
}
