package geo

import (
	"fmt"
	"iter"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkbhex"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/baseplate/timeseries/internal/core/ngsi"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WKT encodes g. Boxes are written as their equivalent polygon.
func WKT(g Geometry) string {
	switch s := g.(type) {
	case Point:
		return "POINT (" + wktCoords(s.Points()) + ")"
	case Line:
		return "LINESTRING (" + wktCoords(s.Points()) + ")"
	case Polygon:
		return "POLYGON ((" + wktCoords(s.Points()) + "))"
	case Box:
		return WKT(s.ToPolygon())
	}
	return ""
}

func wktCoords(points iter.Seq[LonLat]) string {
	var b strings.Builder
	first := true
	for p := range points {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(formatCoord(p.Lon))
		b.WriteByte(' ')
		b.WriteString(formatCoord(p.Lat))
	}
	return b.String()
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// GeoJSON encodes g as a GeoJSON geometry object.
func GeoJSON(g Geometry) map[string]any {
	coords := func() []any {
		var out []any
		for p := range g.Points() {
			out = append(out, []any{p.Lon, p.Lat})
		}
		return out
	}

	switch s := g.(type) {
	case Point:
		return map[string]any{"type": "Point", "coordinates": []any{s.Lon, s.Lat}}
	case Line:
		return map[string]any{"type": "LineString", "coordinates": coords()}
	case Polygon:
		return map[string]any{"type": "Polygon", "coordinates": []any{coords()}}
	case Box:
		return GeoJSON(s.ToPolygon())
	}
	return nil
}

func parseGeoJSON(obj any) (geom.T, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var g geom.T
	if err := geojson.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("invalid geojson: %w", err)
	}
	return g, nil
}

// GeoJSONToWKT converts a decoded GeoJSON geometry to WKT.
func GeoJSONToWKT(obj any) (string, error) {
	g, err := parseGeoJSON(obj)
	if err != nil {
		return "", err
	}
	return wkt.Marshal(g)
}

// GeoJSONCentroid averages every coordinate of a GeoJSON geometry.
func GeoJSONCentroid(obj any) (Point, bool) {
	g, err := parseGeoJSON(obj)
	if err != nil {
		return Point{}, false
	}
	return centroidOf(flatPoints(g))
}

func flatPoints(g geom.T) iter.Seq[LonLat] {
	return func(yield func(LonLat) bool) {
		if gc, ok := g.(*geom.GeometryCollection); ok {
			for _, child := range gc.Geoms() {
				for p := range flatPoints(child) {
					if !yield(p) {
						return
					}
				}
			}
			return
		}
		flat, stride := g.FlatCoords(), g.Stride()
		if stride < 2 {
			return
		}
		for i := 0; i+1 < len(flat); i += stride {
			if !yield(LonLat{Lon: flat[i], Lat: flat[i+1]}) {
				return
			}
		}
	}
}

// DecodeEWKBHex turns a PostGIS hex EWKB value into a GeoJSON object.
func DecodeEWKBHex(s string) (map[string]any, error) {
	g, err := ewkbhex.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ewkb: %w", err)
	}
	data, err := geojson.Marshal(g)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromGeoJSON converts a GeoJSON geometry back to the SLF shape named by
// ngsiType. Boxes are read back from the ring written by Box.ToPolygon.
func FromGeoJSON(obj map[string]any, ngsiType string) (Geometry, error) {
	g, err := parseGeoJSON(obj)
	if err != nil {
		return nil, err
	}

	var ps []Point
	for p := range flatPoints(g) {
		ps = append(ps, Point{Lat: p.Lat, Lon: p.Lon})
	}

	switch t := g.(type) {
	case *geom.Point:
		if ngsiType == ngsi.TypeGeoPoint && len(ps) == 1 {
			return ps[0], nil
		}
	case *geom.LineString:
		if ngsiType == ngsi.TypeGeoLine {
			return NewLine(ps)
		}
	case *geom.Polygon:
		ring := ps
		if t.NumLinearRings() > 0 {
			ring = ps[:t.LinearRing(0).NumCoords()]
		}
		switch ngsiType {
		case ngsi.TypeGeoPolygon:
			return NewPolygon(ring)
		case ngsi.TypeGeoBox:
			if len(ring) < 3 {
				return nil, fmt.Errorf("box ring too short")
			}
			return Box{BottomRight: ring[2], TopLeft: ring[0]}, nil
		}
	}
	return nil, fmt.Errorf("cannot read %s from geojson", ngsiType)
}
