package ngsi

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NGSI attribute type tags with a dedicated column type.
const (
	TypeArray      = "Array"
	TypeBoolean    = "Boolean"
	TypeDateTime   = "DateTime"
	TypeISO8601    = "ISO8601"
	TypeInteger    = "Integer"
	TypeNumber     = "Number"
	TypeText       = "Text"
	TypeStructured = "StructuredValue"
	TypeGeoJSON    = "geo:json"
	TypeGeoPoint   = "geo:point"
	TypeGeoLine    = "geo:line"
	TypeGeoPolygon = "geo:polygon"
	TypeGeoBox     = "geo:box"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindInteger
	KindBoolean
	KindText
	KindDateTime
	KindStructured
	KindArray
	KindGeoPoint
	KindGeoShape
	KindUnknown
)

var kindNames = [...]string{"Null", "Number", "Integer", "Boolean", "Text", "DateTime", "StructuredValue", "Array", "GeoPoint", "GeoShape", "Unknown"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is an attribute value. Only the field matching Kind is meaningful.
// Structured, Array, GeoShape and Unknown keep their decoded JSON form in Any.
type Value struct {
	Kind Kind
	Num  float64
	Int  int64
	Bool bool
	Str  string
	Time time.Time
	Lat  float64
	Lon  float64
	Any  any
}

func Null() Value { return Value{Kind: KindNull} }
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }
func Integer(i int64) Value { return Value{Kind: KindInteger, Int: i} }
func Boolean(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }
func Text(s string) Value { return Value{Kind: KindText, Str: s} }
func DateTime(t time.Time) Value { return Value{Kind: KindDateTime, Time: t} }
func Structured(m map[string]any) Value { return Value{Kind: KindStructured, Any: m} }
func Array(a []any) Value { return Value{Kind: KindArray, Any: a} }
func GeoPoint(lat, lon float64) Value {
	return Value{Kind: KindGeoPoint, Lat: lat, Lon: lon}
}
func GeoShape(v any) Value { return Value{Kind: KindGeoShape, Any: v} }
func Unknown(v any) Value { return Value{Kind: KindUnknown, Any: v} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Interface returns the plain JSON form of the value as it appears in NGSI payloads.
func (v Value) Interface() any {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindInteger:
		return v.Int
	case KindBoolean:
		return v.Bool
	case KindText:
		return v.Str
	case KindDateTime:
		return FormatTime(v.Time)
	case KindGeoPoint:
		return FormatPoint(v.Lat, v.Lon)
	case KindStructured, KindArray, KindGeoShape, KindUnknown:
		return v.Any
	}
	return nil
}

// Attribute is one named NGSI attribute.
type Attribute struct {
	Type     string
	Value    Value
	Metadata map[string]any
}

// Entity is one update of an NGSI entity. A zero TimeIndex means the
// producer did not resolve one.
type Entity struct {
	ID        string
	Type      string
	Attrs     map[string]Attribute
	TimeIndex time.Time
}

// Map renders the entity in NGSI v2 normalized form.
func (e Entity) Map() map[string]any {
	m := map[string]any{"id": e.ID, "type": e.Type}
	for name, a := range e.Attrs {
		attr := map[string]any{"type": a.Type, "value": a.Value.Interface()}
		if len(a.Metadata) > 0 {
			attr["metadata"] = a.Metadata
		}
		m[name] = attr
	}
	if !e.TimeIndex.IsZero() {
		m["time_index"] = FormatTime(e.TimeIndex)
	}
	return m
}

// Tenant isolates data into a storage namespace. An empty Service selects
// the default namespace; an empty ServicePath means none was given.
type Tenant struct {
	Service     string
	ServicePath string
}

// Classify builds the Value variant for a decoded JSON value given the
// attribute's declared type.
func Classify(ngsiType string, raw any) Value {
	if raw == nil {
		return Null()
	}

	switch ngsiType {
	case TypeGeoPoint:
		if s, ok := raw.(string); ok {
			if lat, lon, err := ParsePoint(s); err == nil {
				return GeoPoint(lat, lon)
			}
		}
	case TypeGeoJSON:
		if m, ok := raw.(map[string]any); ok {
			return GeoShape(m)
		}
	case TypeGeoLine, TypeGeoPolygon, TypeGeoBox:
		return GeoShape(raw)
	case TypeDateTime, TypeISO8601:
		if s, ok := raw.(string); ok {
			if t, ok := ParseTime(s); ok {
				return DateTime(t)
			}
		}
	}

	switch v := raw.(type) {
	case bool:
		return Boolean(v)
	case int64:
		return Integer(v)
	case int:
		return Integer(int64(v))
	case float64:
		return Number(v)
	case string:
		return Text(v)
	case map[string]any:
		if !IsKnownType(ngsiType) {
			return Unknown(v)
		}
		return Structured(v)
	case []any:
		if !IsKnownType(ngsiType) {
			return Unknown(v)
		}
		return Array(v)
	}
	return Unknown(raw)
}

// InferType guesses the NGSI type of an untyped attribute from its value.
func InferType(raw any) string {
	switch v := raw.(type) {
	case []any:
		return TypeArray
	case map[string]any:
		return TypeStructured
	case bool:
		return TypeBoolean
	case int64, int:
		return TypeInteger
	case float64:
		return TypeNumber
	case string:
		if _, ok := ParseTime(v); ok {
			return TypeDateTime
		}
	}
	return TypeText
}

var knownTypes = map[string]bool{
	TypeArray: true, TypeBoolean: true, TypeDateTime: true, TypeISO8601: true,
	TypeInteger: true, TypeNumber: true, TypeText: true, TypeStructured: true,
	TypeGeoJSON: true, TypeGeoPoint: true, TypeGeoLine: true, TypeGeoPolygon: true,
	TypeGeoBox: true,
}

// IsKnownType reports whether t has a dedicated column type.
func IsKnownType(t string) bool {
	return knownTypes[t]
}

// ParsePoint parses an SLF point "lat, lon".
func ParsePoint(s string) (lat, lon float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid point %q", s)
	}
	if lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
		return 0, 0, fmt.Errorf("invalid latitude in %q: %w", s, err)
	}
	if lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return 0, 0, fmt.Errorf("invalid longitude in %q: %w", s, err)
	}
	return lat, lon, nil
}

// FormatPoint renders an SLF point.
func FormatPoint(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + ", " + strconv.FormatFloat(lon, 'f', -1, 64)
}
