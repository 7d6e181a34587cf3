// Package record implements the opaque typed tuple the storage core operates
// on: a Record bound to a Schema, serialized to and from BSON. It stands in
// for the catalog/codec layer the core treats as an external collaborator.
package record

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	recerrors "github.com/bobboyms/storage-engine/pkg/errors"
	"github.com/bobboyms/storage-engine/pkg/types"
)

// ColumnType mirrors the schema's per-column type tag.
type ColumnType int

const (
	TypeInt ColumnType = iota
	TypeVarchar
	TypeBoolean
	TypeFloat
	TypeDate
)

func (t ColumnType) String() string {
	return [...]string{"INT", "VARCHAR", "BOOL", "FLOAT", "DATE"}[t]
}

// Column carries a type plus the enabled/inlined flags the merge and
// projection logic consult.
type Column struct {
	Name    string
	Type    ColumnType
	Enabled bool // participates in projection/merge
	Inlined bool // true: value stored in-line; false: owned indirectly
}

// Schema enumerates a table's (or an index's, or a projection's) columns.
// Schemas are owned by the catalog for the process lifetime; records and
// indices only ever hold a borrowed *Schema.
type Schema struct {
	Name    string
	Columns []Column
}

// NewSchema builds a schema from the given columns; duplicate column names
// are not rejected.
func NewSchema(name string, columns ...Column) *Schema {
	return &Schema{Name: name, Columns: columns}
}

// IndexOf returns the column's ordinal position, or -1 if absent.
func (s *Schema) IndexOf(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Record is an opaque tuple: a slice of values, parallel to its schema's
// columns. Unlike a C++ implementation there is no explicit free of
// non-inlined fields — the Go runtime reclaims them — but "consumed"/
// "set_data" ownership transfer semantics are still honored at the call
// sites that matter.
type Record struct {
	schema *Schema
	values []any
}

// New builds a record bound to schema with the given column values, in
// schema column order.
func New(schema *Schema, values []any) *Record {
	v := make([]any, len(schema.Columns))
	copy(v, values)
	return &Record{schema: schema, values: v}
}

func (r *Record) Schema() *Schema { return r.schema }

// Get returns the value stored at column i (get_pointer(i) in the source).
func (r *Record) Get(i int) any {
	if i < 0 || i >= len(r.values) {
		return nil
	}
	return r.values[i]
}

// GetByName is a convenience wrapper over Get+IndexOf.
func (r *Record) GetByName(name string) (any, bool) {
	i := r.schema.IndexOf(name)
	if i < 0 {
		return nil, false
	}
	return r.values[i], true
}

// Set overwrites column i in place.
func (r *Record) Set(i int, value any) {
	if i >= 0 && i < len(r.values) {
		r.values[i] = value
	}
}

// SetFrom copies field i from another record of the same schema
// (set_data(i, other) in the source).
func (r *Record) SetFrom(i int, other *Record) {
	if other == nil {
		return
	}
	r.Set(i, other.Get(i))
}

// Clone makes an independent copy of the record's payload (used by the
// OPT-SP engine's update path, which byte-copies the previous version
// before applying field overwrites).
func (r *Record) Clone() *Record {
	return New(r.schema, r.values)
}

// Serialize encodes the full record through its own schema.
func (r *Record) Serialize() ([]byte, error) {
	return r.serializeThrough(r.schema)
}

// Project re-serializes the record through a caller-chosen projection
// schema, used by Select's result and by the LSM/WAL "serialize through
// projection" step.
func (r *Record) Project(projection *Schema) ([]byte, error) {
	if projection == nil {
		return r.Serialize()
	}
	return r.serializeThrough(projection)
}

func (r *Record) serializeThrough(schema *Schema) ([]byte, error) {
	doc := make(bson.D, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		idx := r.schema.IndexOf(col.Name)
		if idx < 0 {
			continue
		}
		doc = append(doc, bson.E{Key: col.Name, Value: r.values[idx]})
	}
	return bson.Marshal(doc)
}

// Deserialize decodes data (as produced by Serialize) back into a record
// bound to schema.
func Deserialize(schema *Schema, data []byte) (*Record, error) {
	var doc bson.D
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("record: bson decode: %w", err)
	}
	values := make([]any, len(schema.Columns))
	for _, e := range doc {
		if idx := schema.IndexOf(e.Key); idx >= 0 {
			values[idx] = e.Value
		}
	}
	return &Record{schema: schema, values: values}, nil
}

// Comparable converts column i's value to the types.Comparable the btree
// package orders keys by; used when a caller needs the raw indexed value
// (e.g. building a ScanCondition) rather than its 64-bit hash.
func (r *Record) Comparable(i int) (types.Comparable, error) {
	v := r.Get(i)
	switch val := v.(type) {
	case int:
		return types.IntKey(val), nil
	case int32:
		return types.IntKey(val), nil
	case int64:
		return types.IntKey(val), nil
	case string:
		return types.VarcharKey(val), nil
	case bool:
		return types.BoolKey(val), nil
	case float32:
		return types.FloatKey(val), nil
	case float64:
		return types.FloatKey(val), nil
	case time.Time:
		return types.DateKey(val), nil
	default:
		return nil, &recerrors.InvalidKeyTypeError{Name: fmt.Sprintf("column %d", i), TypeName: fmt.Sprintf("%T", v)}
	}
}

// KeyBytes renders the concatenation of the given columns' values as a
// deterministic byte sequence, suitable for hashing. Each value is tagged with its type so that distinct column types
// serializing to the same text never collide trivially.
func (r *Record) KeyBytes(columns []int) []byte {
	buf := make([]byte, 0, 16*len(columns))
	for _, i := range columns {
		v := r.Get(i)
		buf = append(buf, []byte(fmt.Sprintf("%T:%v|", v, v))...)
	}
	return buf
}
