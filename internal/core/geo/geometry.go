// Package geo implements the NGSI Simple Location Format geometries, the
// georel/geometry/coords query language over them, and the conversions to
// WKT and GeoJSON used when storing and filtering locations.
package geo

import (
	"fmt"
	"iter"

	"github.com/baseplate/timeseries/internal/core/ngsi"
)

// LonLat is a coordinate pair in GeoJSON order.
type LonLat struct {
	Lon float64
	Lat float64
}

// Geometry is an SLF shape. Points yields its defining points in GeoJSON
// (lon, lat) order; the sequence is fresh on every call.
type Geometry interface {
	Points() iter.Seq[LonLat]
	NGSIType() string
}

type Point struct {
	Lat float64
	Lon float64
}

func (p Point) Points() iter.Seq[LonLat] {
	return func(yield func(LonLat) bool) {
		yield(LonLat{Lon: p.Lon, Lat: p.Lat})
	}
}

func (Point) NGSIType() string { return ngsi.TypeGeoPoint }

type Line struct {
	Vertices []Point
}

func NewLine(ps []Point) (Line, error) {
	if len(ps) < 2 {
		return Line{}, fmt.Errorf("a line needs at least 2 points, got %d", len(ps))
	}
	return Line{Vertices: ps}, nil
}

func (l Line) Points() iter.Seq[LonLat] { return pointSeq(l.Vertices) }

func (Line) NGSIType() string { return ngsi.TypeGeoLine }

type Polygon struct {
	Vertices []Point
}

func NewPolygon(ps []Point) (Polygon, error) {
	if len(ps) < 4 {
		return Polygon{}, fmt.Errorf("a polygon needs at least 4 points, got %d", len(ps))
	}
	return Polygon{Vertices: ps}, nil
}

func (p Polygon) Points() iter.Seq[LonLat] { return pointSeq(p.Vertices) }

func (Polygon) NGSIType() string { return ngsi.TypeGeoPolygon }

// Box is an axis-aligned rectangle given by two opposite corners.
type Box struct {
	BottomRight Point
	TopLeft     Point
}

// NewBox takes the first two points as bottom-right and top-left corners.
func NewBox(ps []Point) (Box, error) {
	if len(ps) < 2 {
		return Box{}, fmt.Errorf("a box needs 2 points, got %d", len(ps))
	}
	return Box{BottomRight: ps[0], TopLeft: ps[1]}, nil
}

func (b Box) Points() iter.Seq[LonLat] {
	return pointSeq([]Point{b.BottomRight, b.TopLeft})
}

func (Box) NGSIType() string { return ngsi.TypeGeoBox }

// ToPolygon returns the closed ring top-left, top-right, bottom-right,
// bottom-left, top-left.
func (b Box) ToPolygon() Polygon {
	topRight := Point{Lat: b.TopLeft.Lat, Lon: b.BottomRight.Lon}
	bottomLeft := Point{Lat: b.BottomRight.Lat, Lon: b.TopLeft.Lon}
	return Polygon{Vertices: []Point{b.TopLeft, topRight, b.BottomRight, bottomLeft, b.TopLeft}}
}

func pointSeq(ps []Point) iter.Seq[LonLat] {
	return func(yield func(LonLat) bool) {
		for _, p := range ps {
			if !yield(LonLat{Lon: p.Lon, Lat: p.Lat}) {
				return
			}
		}
	}
}

// Centroid averages the points of g. It returns false for an empty shape.
func Centroid(g Geometry) (Point, bool) {
	return centroidOf(g.Points())
}

func centroidOf(points iter.Seq[LonLat]) (Point, bool) {
	var lon, lat float64
	n := 0
	for p := range points {
		lon += p.Lon
		lat += p.Lat
		n++
	}
	if n == 0 {
		return Point{}, false
	}
	return Point{Lat: lat / float64(n), Lon: lon / float64(n)}, true
}

// CountPoints returns how many points define g.
func CountPoints(g Geometry) int {
	n := 0
	for range g.Points() {
		n++
	}
	return n
}

// FromSLF builds a geometry from an NGSI SLF attribute value: a single
// "lat, lon" string for geo:point, a list of them otherwise.
func FromSLF(ngsiType string, value any) (Geometry, error) {
	if ngsiType == ngsi.TypeGeoPoint {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("geo:point value must be a string")
		}
		lat, lon, err := ngsi.ParsePoint(s)
		if err != nil {
			return nil, err
		}
		return Point{Lat: lat, Lon: lon}, nil
	}

	raw, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s value must be a list of points", ngsiType)
	}
	ps := make([]Point, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("%s point must be a string", ngsiType)
		}
		lat, lon, err := ngsi.ParsePoint(s)
		if err != nil {
			return nil, err
		}
		ps = append(ps, Point{Lat: lat, Lon: lon})
	}

	switch ngsiType {
	case ngsi.TypeGeoLine:
		return NewLine(ps)
	case ngsi.TypeGeoPolygon:
		return NewPolygon(ps)
	case ngsi.TypeGeoBox:
		return NewBox(ps)
	}
	return nil, fmt.Errorf("not an SLF type: %s", ngsiType)
}

// SLFValue renders g back into its NGSI attribute value.
func SLFValue(g Geometry) any {
	if p, ok := g.(Point); ok {
		return ngsi.FormatPoint(p.Lat, p.Lon)
	}
	var out []any
	for p := range g.Points() {
		out = append(out, ngsi.FormatPoint(p.Lat, p.Lon))
	}
	return out
}
