// Package dialect holds what differs between the supported backends: the
// NGSI to SQL type table, DDL, value encoding and decoding, error
// classification and the compilation of geo queries into predicates.
package dialect

import (
	"errors"
	"strconv"

	"github.com/baseplate/timeseries/internal/core/geo"
	"github.com/baseplate/timeseries/internal/core/ngsi"
)

// ErrorClass is the retry category of a backend error.
type ErrorClass int

const (
	Fatal ErrorClass = iota
	Transient
	AggregationUnsupported
)

func (c ErrorClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case AggregationUnsupported:
		return "aggregation-unsupported"
	}
	return "fatal"
}

// ErrIncompatibleValue is returned when a value cannot be stored in the
// established type of its column.
var ErrIncompatibleValue = errors.New("value does not fit column type")

// Reserved column names shared by every entity table.
const (
	EntityIDCol       = "entity_id"
	EntityTypeCol     = "entity_type"
	TimeIndexCol      = "time_index"
	ServicePathCol    = "fiware_servicepath"
	OriginalEntityCol = "__original_entity__"
	InstanceIDCol     = "instanceid"
)

// Column is a physical column. Name is unquoted.
type Column struct {
	Name    string
	SQLType string
}

// Table identifies a physical table. Schema is empty for the default
// namespace. Both parts are unquoted.
type Table struct {
	Schema string
	Name   string
}

// Qualified renders the quoted, schema-qualified table name.
func (t Table) Qualified() string {
	if t.Schema == "" {
		return Quote(t.Name)
	}
	return Quote(t.Schema) + "." + Quote(t.Name)
}

func (t Table) String() string { return t.Qualified() }

// Args accumulates positional statement parameters.
type Args struct {
	values []any
}

// Add appends v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(len(a.values))
}

func (a *Args) Values() []any { return a.values }

func (a *Args) Len() int { return len(a.values) }

// Dialect is implemented once per backend.
type Dialect interface {
	Name() string

	// SQLType maps an attribute to its column type, falling back to the
	// structured or text type for NGSI types without a dedicated one.
	SQLType(attr ngsi.Attribute) string
	// FixedColumns lists the columns every entity table starts with.
	FixedColumns() []Column
	// NormalizeType turns a type reported by information_schema into the
	// name SQLType would have produced.
	NormalizeType(dbType string) string
	// DefaultSchema is the schema tables without a tenant live in.
	DefaultSchema() string

	RenderCreateTable(t Table, cols []Column) []string
	RenderAlterAddColumn(t Table, cols []Column) []string
	RenderCreateMetadataTable() string
	// RenderUpsertMetadata takes $1 table name and $2 the JSON attribute map.
	RenderUpsertMetadata() string
	// IsDuplicateColumn reports an ALTER failing because the column exists.
	IsDuplicateColumn(err error) bool
	// RenderListColumns selects (column name, type) for $1 schema, $2 table.
	RenderListColumns() string

	// Placeholder wraps a parameter placeholder with the conversion its
	// column type needs.
	Placeholder(ph string, sqlType string) string
	EncodeValue(attr ngsi.Attribute, sqlType string) (any, error)
	DecodeValue(raw any, ngsiType string) any

	ClassifyError(err error) ErrorClass

	// GeoPredicate compiles q into a WHERE term, adding any parameters to args.
	GeoPredicate(q geo.Query, args *Args) (string, error)
}

// ShouldPreserveOriginal reports whether a failed insert was rejected by the
// backend because of the data, in which case the original entities are
// stored instead.
func ShouldPreserveOriginal(d Dialect, err error) bool {
	return isServerError(err) && d.ClassifyError(err) != Transient
}
