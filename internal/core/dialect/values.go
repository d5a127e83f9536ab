package dialect

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/baseplate/timeseries/internal/core/geo"
	"github.com/baseplate/timeseries/internal/core/ngsi"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// storageClass groups column types that share an encoding.
type storageClass int

const (
	classText storageClass = iota
	classFloat
	classInt
	classBool
	classTime
	classJSON
	classGeometry
	classGeoPoint
	classGeoShape
	classTextArray
)

func mismatch(v ngsi.Value, sqlType string) error {
	return fmt.Errorf("%w: %s into %s", ErrIncompatibleValue, v.Kind, sqlType)
}

func toFloat(v ngsi.Value, sqlType string) (any, error) {
	switch v.Kind {
	case ngsi.KindNumber:
		return v.Num, nil
	case ngsi.KindInteger:
		return float64(v.Int), nil
	case ngsi.KindBoolean:
		if v.Bool {
			return 1.0, nil
		}
		return 0.0, nil
	case ngsi.KindText:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return f, nil
		}
	}
	return nil, mismatch(v, sqlType)
}

func toInt(v ngsi.Value, sqlType string) (any, error) {
	f, err := toFloat(v, sqlType)
	if err != nil {
		return nil, err
	}
	if v.Kind == ngsi.KindInteger {
		return v.Int, nil
	}
	x := f.(float64)
	if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
		return nil, mismatch(v, sqlType)
	}
	return int64(x), nil
}

func toBool(v ngsi.Value, sqlType string) (any, error) {
	switch v.Kind {
	case ngsi.KindBoolean:
		return v.Bool, nil
	case ngsi.KindInteger:
		if v.Int == 0 || v.Int == 1 {
			return v.Int == 1, nil
		}
	case ngsi.KindNumber:
		if v.Num == 0 || v.Num == 1 {
			return v.Num == 1, nil
		}
	case ngsi.KindText:
		switch strings.ToLower(strings.TrimSpace(v.Str)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return nil, mismatch(v, sqlType)
}

func toTime(v ngsi.Value, sqlType string) (any, error) {
	switch v.Kind {
	case ngsi.KindDateTime:
		return v.Time, nil
	case ngsi.KindText:
		if t, ok := ngsi.ParseTime(v.Str); ok {
			return t, nil
		}
	}
	return nil, mismatch(v, sqlType)
}

func toText(v ngsi.Value) (any, error) {
	switch v.Kind {
	case ngsi.KindText:
		return v.Str, nil
	case ngsi.KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64), nil
	case ngsi.KindInteger:
		return strconv.FormatInt(v.Int, 10), nil
	case ngsi.KindBoolean:
		return strconv.FormatBool(v.Bool), nil
	case ngsi.KindDateTime, ngsi.KindGeoPoint:
		return v.Interface().(string), nil
	}
	return toJSON(v)
}

func toJSON(v ngsi.Value) (any, error) {
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleValue, err)
	}
	return string(data), nil
}

// shapeOf reads the geometry of a geo-typed attribute.
func shapeOf(attr ngsi.Attribute) (geo.Geometry, map[string]any, error) {
	v := attr.Value
	switch v.Kind {
	case ngsi.KindGeoPoint:
		return geo.Point{Lat: v.Lat, Lon: v.Lon}, nil, nil
	case ngsi.KindGeoShape, ngsi.KindStructured, ngsi.KindUnknown, ngsi.KindArray:
		if m, ok := v.Any.(map[string]any); ok {
			return nil, m, nil
		}
		g, err := geo.FromSLF(attr.Type, v.Any)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrIncompatibleValue, err)
		}
		return g, nil, nil
	}
	return nil, nil, mismatch(v, attr.Type)
}

// toWKT renders a geo attribute as WKT.
func toWKT(attr ngsi.Attribute) (any, error) {
	g, geoJSON, err := shapeOf(attr)
	if err != nil {
		return nil, err
	}
	if g != nil {
		return geo.WKT(g), nil
	}
	s, err := geo.GeoJSONToWKT(geoJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleValue, err)
	}
	return s, nil
}

// encodeCommon handles the classes both dialects store the same way.
func encodeCommon(attr ngsi.Attribute, sqlType string, class storageClass) (any, error) {
	v := attr.Value
	if v.IsNull() {
		return nil, nil
	}
	switch class {
	case classFloat:
		return toFloat(v, sqlType)
	case classInt:
		return toInt(v, sqlType)
	case classBool:
		return toBool(v, sqlType)
	case classTime:
		return toTime(v, sqlType)
	case classJSON:
		return toJSON(v)
	case classGeometry, classGeoPoint, classGeoShape:
		return toWKT(attr)
	}
	return toText(v)
}

// decodeCommon converts a driver value into its NGSI JSON form.
func decodeCommon(raw any, ngsiType string) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case time.Time:
		return ngsi.FormatTime(v)
	case []byte:
		return decodeText(string(v), ngsiType)
	case string:
		return decodeText(v, ngsiType)
	case int64:
		if ngsiType == ngsi.TypeNumber {
			return float64(v)
		}
		return v
	case float32:
		return decodeFloat(float64(v), ngsiType)
	case float64:
		return decodeFloat(v, ngsiType)
	}
	return raw
}

func decodeFloat(f float64, ngsiType string) any {
	if ngsiType == ngsi.TypeInteger && f == math.Trunc(f) {
		return int64(f)
	}
	return f
}

func decodeText(s string, ngsiType string) any {
	switch ngsiType {
	case ngsi.TypeText:
		return s
	case ngsi.TypeNumber:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case ngsi.TypeInteger:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
	case ngsi.TypeBoolean:
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	case ngsi.TypeDateTime, ngsi.TypeISO8601:
		if t, ok := ngsi.ParseTime(s); ok {
			return ngsi.FormatTime(t)
		}
		return s
	}
	if looksLikeJSON(s) {
		var out any
		if err := json.Unmarshal([]byte(s), &out); err == nil {
			return out
		}
	}
	return s
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) > 1 && (s[0] == '{' && s[len(s)-1] == '}' || s[0] == '[' && s[len(s)-1] == ']')
}

// geoFromGeoJSON renders a stored GeoJSON geometry as the value of an
// attribute of ngsiType.
func geoFromGeoJSON(obj map[string]any, ngsiType string) any {
	switch ngsiType {
	case ngsi.TypeGeoPoint, ngsi.TypeGeoLine, ngsi.TypeGeoPolygon, ngsi.TypeGeoBox:
		g, err := geo.FromGeoJSON(obj, ngsiType)
		if err != nil {
			return obj
		}
		return geo.SLFValue(g)
	}
	return obj
}
