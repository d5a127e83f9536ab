package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/baseplate/timeseries/internal/core/geo"
	"github.com/baseplate/timeseries/internal/core/ngsi"
)

const (
	crText        = "text"
	crBigint      = "bigint"
	crDouble      = "double precision"
	crBoolean     = "boolean"
	crTimestampTZ = "timestamp with time zone"
	crObject      = "object(ignored)"
	crTextArray   = "array(text)"
	crGeoPoint    = "geo_point"
	crGeoShape    = "geo_shape"

	DefaultCrateReplicas = "2-all"
)

var crateTypes = map[string]string{
	ngsi.TypeArray:      crTextArray,
	ngsi.TypeBoolean:    crBoolean,
	ngsi.TypeDateTime:   crTimestampTZ,
	ngsi.TypeISO8601:    crTimestampTZ,
	ngsi.TypeInteger:    crBigint,
	ngsi.TypeNumber:     crDouble,
	ngsi.TypeText:       crText,
	ngsi.TypeStructured: crObject,
	ngsi.TypeGeoJSON:    crGeoShape,
	ngsi.TypeGeoPoint:   crGeoPoint,
	ngsi.TypeGeoLine:    crGeoShape,
	ngsi.TypeGeoPolygon: crGeoShape,
	ngsi.TypeGeoBox:     crGeoShape,
}

var crateClasses = map[string]storageClass{
	crText:        classText,
	crBigint:      classInt,
	crDouble:      classFloat,
	crBoolean:     classBool,
	crTimestampTZ: classTime,
	crObject:      classJSON,
	crTextArray:   classTextArray,
	crGeoPoint:    classGeoPoint,
	crGeoShape:    classGeoShape,
}

// data_type values reported by information_schema.columns.
var crateDataTypes = map[string]string{
	"text":                     crText,
	"string":                   crText,
	"bigint":                   crBigint,
	"long":                     crBigint,
	"integer":                  crBigint,
	"double precision":         crDouble,
	"double":                   crDouble,
	"real":                     crDouble,
	"float":                    crDouble,
	"boolean":                  crBoolean,
	"timestamp with time zone": crTimestampTZ,
	"timestamp":                crTimestampTZ,
	"object":                   crObject,
	"text_array":               crTextArray,
	"string_array":             crTextArray,
	"array(text)":              crTextArray,
	"geo_point":                crGeoPoint,
	"geo_shape":                crGeoShape,
}

// Crate targets CrateDB through its PostgreSQL wire endpoint. Tenants map to
// schemas created on first use; tables are replicated across the cluster.
type Crate struct {
	Replicas string
}

func NewCrate(replicas string) *Crate {
	if replicas == "" {
		replicas = DefaultCrateReplicas
	}
	return &Crate{Replicas: replicas}
}

func (*Crate) Name() string { return "crate" }

func (*Crate) DefaultSchema() string { return "doc" }

func (*Crate) SQLType(attr ngsi.Attribute) string {
	return resolveType(crateTypes, attr, crObject, crText, crText)
}

func (*Crate) FixedColumns() []Column {
	return []Column{
		{Name: EntityIDCol, SQLType: crText},
		{Name: EntityTypeCol, SQLType: crText},
		{Name: TimeIndexCol, SQLType: crTimestampTZ},
		{Name: ServicePathCol, SQLType: crText},
		{Name: OriginalEntityCol, SQLType: crObject},
		{Name: InstanceIDCol, SQLType: crText},
	}
}

func (*Crate) NormalizeType(dbType string) string {
	if t, ok := crateDataTypes[strings.ToLower(dbType)]; ok {
		return t
	}
	return crText
}

func (c *Crate) tableOptions() string {
	return fmt.Sprintf("with (number_of_replicas = %s, column_policy = 'dynamic')", QuoteLiteral(c.Replicas))
}

func (c *Crate) RenderCreateTable(t Table, cols []Column) []string {
	return []string{
		fmt.Sprintf("create table if not exists %s (%s) %s", t.Qualified(), columnDefs(cols), c.tableOptions()),
	}
}

func (*Crate) RenderAlterAddColumn(t Table, cols []Column) []string {
	stmts := make([]string, 0, len(cols))
	for _, c := range cols {
		stmts = append(stmts, fmt.Sprintf("alter table %s add column %s %s", t.Qualified(), Quote(c.Name), c.SQLType))
	}
	return stmts
}

func (c *Crate) RenderCreateMetadataTable() string {
	return "create table if not exists " + MetadataTable +
		" (table_name text primary key, entity_attrs " + crObject + ") " + c.tableOptions()
}

// Last writer wins: there is no object merge to fall back on.
func (*Crate) RenderUpsertMetadata() string {
	return "insert into " + MetadataTable + " (table_name, entity_attrs) values ($1, $2::object) " +
		"on conflict (table_name) do update set entity_attrs = excluded.entity_attrs"
}

func (*Crate) IsDuplicateColumn(err error) bool {
	return isServerError(err) && strings.Contains(err.Error(), "already exists")
}

// Object sub-columns are listed as col['key'] and are skipped by callers.
func (*Crate) RenderListColumns() string {
	return "select column_name, data_type from information_schema.columns where table_schema = $1 and table_name = $2"
}

func (*Crate) Placeholder(ph string, sqlType string) string {
	switch crateClasses[sqlType] {
	case classJSON:
		return ph + "::object"
	case classTextArray:
		return ph + "::array(text)"
	case classGeoPoint:
		return ph + "::geo_point"
	case classGeoShape:
		return ph + "::geo_shape"
	}
	return ph
}

func (*Crate) EncodeValue(attr ngsi.Attribute, sqlType string) (any, error) {
	class, ok := crateClasses[sqlType]
	if !ok {
		class = classText
	}
	if class != classTextArray || attr.Value.IsNull() {
		return encodeCommon(attr, sqlType, class)
	}

	items, ok := attr.Value.Any.([]any)
	if !ok {
		return nil, mismatch(attr.Value, sqlType)
	}
	out := make(pq.StringArray, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIncompatibleValue, err)
		}
		out = append(out, string(data))
	}
	return out, nil
}

func (*Crate) DecodeValue(raw any, ngsiType string) any {
	text, isText := asText(raw)
	switch ngsiType {
	case ngsi.TypeGeoPoint:
		if isText {
			if lat, lon, ok := parseCratePoint(text); ok {
				return ngsi.FormatPoint(lat, lon)
			}
		}
	case ngsi.TypeGeoJSON, ngsi.TypeGeoLine, ngsi.TypeGeoPolygon, ngsi.TypeGeoBox:
		if isText {
			var obj map[string]any
			if err := json.Unmarshal([]byte(text), &obj); err == nil {
				return geoFromGeoJSON(obj, ngsiType)
			}
		}
	case ngsi.TypeArray:
		if isText && strings.HasPrefix(text, "{") {
			var items pq.StringArray
			if err := items.Scan([]byte(text)); err == nil {
				out := make([]any, 0, len(items))
				for _, item := range items {
					out = append(out, decodeArrayItem(item))
				}
				return out
			}
		}
	}
	return decodeCommon(raw, ngsiType)
}

func asText(raw any) (string, bool) {
	switch v := raw.(type) {
	case []byte:
		return string(v), true
	case string:
		return v, true
	}
	return "", false
}

func decodeArrayItem(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// parseCratePoint reads a geo_point as sent over the wire, "(lon,lat)" or
// "{lon,lat}" or "[lon, lat]".
func parseCratePoint(s string) (lat, lon float64, ok bool) {
	s = strings.Trim(strings.TrimSpace(s), "(){}[]")
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lon, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lat, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	return lat, lon, err1 == nil && err2 == nil
}

func (*Crate) ClassifyError(err error) ErrorClass {
	if isConnectionError(err) {
		return Transient
	}
	if isServerError(err) {
		msg := err.Error()
		if strings.Contains(msg, "Cannot cast") || strings.Contains(msg, "UnsupportedFeatureException") {
			return AggregationUnsupported
		}
	}
	return Fatal
}

func (*Crate) GeoPredicate(q geo.Query, args *Args) (string, error) {
	location, centroid := Quote(geo.LocationAttr), Quote(geo.CentroidAttr)
	match := func(g geo.Geometry, rel string) string {
		return fmt.Sprintf("match (%s, %s) using %s", location, QuoteLiteral(geo.WKT(g)), rel)
	}

	switch t := q.(type) {
	case geo.Near:
		distance := fmt.Sprintf("distance(%s, %s)", centroid, QuoteLiteral(geo.WKT(t.Centroid())))
		var terms []string
		if t.Min != nil {
			terms = append(terms, distance+" >= "+strconv.FormatFloat(*t.Min, 'f', -1, 64))
		}
		if t.Max != nil {
			terms = append(terms, distance+" <= "+strconv.FormatFloat(*t.Max, 'f', -1, 64))
		}
		if len(terms) == 0 {
			return "", ngsi.Usagef("near query needs minDistance or maxDistance")
		}
		return "(" + strings.Join(terms, " AND ") + ")", nil
	case geo.CoveredBy:
		return match(t.Geometry, "within"), nil
	case geo.Intersects:
		return match(t.Geometry, "intersects"), nil
	case geo.Disjoint:
		return match(t.Geometry, "disjoint"), nil
	case geo.Equals:
		return "", ngsi.ErrGeoQueryUnsupported
	}
	return "", nil
}
