package dialect

import (
	"fmt"
	"strings"

	"github.com/baseplate/timeseries/internal/core/geo"
	"github.com/baseplate/timeseries/internal/core/ngsi"
)

const (
	pgText        = "text"
	pgBigint      = "bigint"
	pgFloat       = "float"
	pgBoolean     = "boolean"
	pgTimestampTZ = "timestamp WITH TIME ZONE"
	pgJSONB       = "jsonb"
	pgGeometry    = "geometry"
	pgTimeIndex   = "timestamp WITH TIME ZONE NOT NULL"

	// SRID of every stored geometry.
	wgs84 = 4326
	// Degrees per metre, good enough for small search radii.
	degreesPerMetre = 0.000009
)

var timescaleTypes = map[string]string{
	ngsi.TypeArray:      pgJSONB,
	ngsi.TypeBoolean:    pgBoolean,
	ngsi.TypeDateTime:   pgTimestampTZ,
	ngsi.TypeISO8601:    pgTimestampTZ,
	ngsi.TypeInteger:    pgBigint,
	ngsi.TypeNumber:     pgFloat,
	ngsi.TypeText:       pgText,
	ngsi.TypeStructured: pgJSONB,
	ngsi.TypeGeoJSON:    pgGeometry,
	ngsi.TypeGeoPoint:   pgGeometry,
	ngsi.TypeGeoLine:    pgGeometry,
	ngsi.TypeGeoPolygon: pgGeometry,
	ngsi.TypeGeoBox:     pgGeometry,
}

var timescaleClasses = map[string]storageClass{
	pgText:        classText,
	pgBigint:      classInt,
	pgFloat:       classFloat,
	pgBoolean:     classBool,
	pgTimestampTZ: classTime,
	pgTimeIndex:   classTime,
	pgJSONB:       classJSON,
	pgGeometry:    classGeometry,
}

// udt names reported by information_schema.columns.
var timescaleUDTs = map[string]string{
	"text":        pgText,
	"varchar":     pgText,
	"int8":        pgBigint,
	"int4":        pgBigint,
	"float8":      pgFloat,
	"float4":      pgFloat,
	"bool":        pgBoolean,
	"timestamptz": pgTimestampTZ,
	"jsonb":       pgJSONB,
	"json":        pgJSONB,
	"geometry":    pgGeometry,
}

// Timescale targets PostgreSQL with the TimescaleDB and PostGIS extensions:
// one schema per tenant, one hypertable per entity type partitioned on
// time_index.
type Timescale struct{}

func NewTimescale() *Timescale { return &Timescale{} }

func (*Timescale) Name() string { return "timescale" }

func (*Timescale) DefaultSchema() string { return "public" }

func (*Timescale) SQLType(attr ngsi.Attribute) string {
	return resolveType(timescaleTypes, attr, pgJSONB, pgJSONB, pgText)
}

func (*Timescale) FixedColumns() []Column {
	return []Column{
		{Name: EntityIDCol, SQLType: pgText},
		{Name: EntityTypeCol, SQLType: pgText},
		{Name: TimeIndexCol, SQLType: pgTimeIndex},
		{Name: ServicePathCol, SQLType: pgText},
		{Name: OriginalEntityCol, SQLType: pgJSONB},
		{Name: InstanceIDCol, SQLType: pgText},
	}
}

func (*Timescale) NormalizeType(dbType string) string {
	if t, ok := timescaleUDTs[strings.ToLower(dbType)]; ok {
		return t
	}
	return pgText
}

func (*Timescale) RenderCreateTable(t Table, cols []Column) []string {
	var stmts []string
	if t.Schema != "" {
		stmts = append(stmts, "create schema if not exists "+Quote(t.Schema))
	}
	tn := t.Qualified()
	stmts = append(stmts,
		fmt.Sprintf("create table if not exists %s (%s)", tn, columnDefs(cols)),
		fmt.Sprintf("select create_hypertable(%s, '%s', if_not_exists => true)", QuoteLiteral(tn), TimeIndexCol),
		fmt.Sprintf("create index if not exists %s on %s (%s, %s desc)",
			Quote("ix_"+t.Name+"_eid_and_tx"), tn, EntityIDCol, TimeIndexCol),
	)
	return stmts
}

func (*Timescale) RenderAlterAddColumn(t Table, cols []Column) []string {
	stmts := make([]string, 0, len(cols))
	for _, c := range cols {
		stmts = append(stmts, fmt.Sprintf("alter table %s add column if not exists %s %s", t.Qualified(), Quote(c.Name), c.SQLType))
	}
	return stmts
}

// MergesMetadata is true: the upsert unions the stored jsonb record.
func (*Timescale) MergesMetadata() bool { return true }

func (*Timescale) RenderCreateMetadataTable() string {
	return "create table if not exists " + MetadataTable + " (table_name text primary key, entity_attrs jsonb)"
}

// Existing keys win, so concurrent writers adding different columns merge
// instead of overwriting each other.
func (*Timescale) RenderUpsertMetadata() string {
	return "insert into " + MetadataTable + " (table_name, entity_attrs) values ($1, $2::jsonb) " +
		"on conflict (table_name) do update set entity_attrs = excluded.entity_attrs || " + MetadataTable + ".entity_attrs"
}

func (*Timescale) IsDuplicateColumn(err error) bool {
	pe, ok := pqError(err)
	return ok && pe.Code == "42701"
}

func (*Timescale) RenderListColumns() string {
	return "select column_name, udt_name from information_schema.columns where table_schema = $1 and table_name = $2"
}

func (*Timescale) Placeholder(ph string, sqlType string) string {
	switch timescaleClasses[sqlType] {
	case classJSON:
		return ph + "::jsonb"
	case classGeometry:
		return fmt.Sprintf("ST_GeomFromText(%s, %d)", ph, wgs84)
	}
	return ph
}

func (*Timescale) EncodeValue(attr ngsi.Attribute, sqlType string) (any, error) {
	class, ok := timescaleClasses[sqlType]
	if !ok {
		class = classText
	}
	return encodeCommon(attr, sqlType, class)
}

func (*Timescale) DecodeValue(raw any, ngsiType string) any {
	switch ngsiType {
	case ngsi.TypeGeoJSON, ngsi.TypeGeoPoint, ngsi.TypeGeoLine, ngsi.TypeGeoPolygon, ngsi.TypeGeoBox:
		var hex string
		switch v := raw.(type) {
		case []byte:
			hex = string(v)
		case string:
			hex = v
		default:
			return decodeCommon(raw, ngsiType)
		}
		obj, err := geo.DecodeEWKBHex(hex)
		if err != nil {
			return hex
		}
		return geoFromGeoJSON(obj, ngsiType)
	}
	return decodeCommon(raw, ngsiType)
}

// 42883 undefined_function: e.g. avg over a text column.
func (*Timescale) ClassifyError(err error) ErrorClass {
	if pe, ok := pqError(err); ok {
		switch pe.Code {
		case "42883":
			return AggregationUnsupported
		case "55000":
			return Transient
		}
	}
	if isConnectionError(err) {
		return Transient
	}
	return Fatal
}

func (*Timescale) GeoPredicate(q geo.Query, args *Args) (string, error) {
	location, centroid := Quote(geo.LocationAttr), Quote(geo.CentroidAttr)
	shape := func(g geo.Geometry) string {
		return fmt.Sprintf("ST_GeomFromText(%s, %d)", args.Add(geo.WKT(g)), wgs84)
	}

	switch t := q.(type) {
	case geo.Near:
		c := t.Centroid()
		ref := shape(c)
		var terms []string
		if t.Min != nil {
			terms = append(terms, fmt.Sprintf("NOT ST_DWithin(%s, %s, %s)", centroid, ref, formatDegrees(*t.Min)))
		}
		if t.Max != nil {
			terms = append(terms, fmt.Sprintf("ST_DWithin(%s, %s, %s)", centroid, ref, formatDegrees(*t.Max)))
		}
		if len(terms) == 0 {
			return "", ngsi.Usagef("near query needs minDistance or maxDistance")
		}
		return "(" + strings.Join(terms, " AND ") + ")", nil
	case geo.CoveredBy:
		return fmt.Sprintf("ST_Within(%s, %s)", location, shape(t.Geometry)), nil
	case geo.Intersects:
		return fmt.Sprintf("ST_Intersects(%s, %s)", location, shape(t.Geometry)), nil
	case geo.Disjoint:
		return fmt.Sprintf("ST_Disjoint(%s, %s)", location, shape(t.Geometry)), nil
	case geo.Equals:
		return "", ngsi.ErrGeoQueryUnsupported
	}
	return "", nil
}

func formatDegrees(metres float64) string {
	s := fmt.Sprintf("%.16f", degreesPerMetre*metres)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
