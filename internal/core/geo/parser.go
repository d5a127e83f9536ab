package geo

import (
	"fmt"
	"strconv"

	"github.com/baseplate/timeseries/internal/core/ngsi"
)

// Parse turns the georel, geometry and coords query parameters into a
// Query. It returns nil when all three are empty and a usage error when
// only some are given or any of them is malformed.
func Parse(georel, geometry, coords string) (Query, error) {
	if georel == "" && geometry == "" && coords == "" {
		return nil, nil
	}
	if georel == "" || geometry == "" || coords == "" {
		return nil, ngsi.Usagef("georel, geometry and coords must be given together")
	}

	points, ok := parseCoords(coords)
	if !ok {
		return nil, ngsi.Usagef("invalid coords: %s", coords)
	}
	shape, err := buildGeometry(geometry, points)
	if err != nil {
		return nil, ngsi.Usagef("invalid %s geometry: %v", geometry, err)
	}
	q, ok := parseGeorel(georel, shape)
	if !ok {
		return nil, ngsi.Usagef("invalid georel: %s", georel)
	}
	return q, nil
}

func buildGeometry(kind string, ps []Point) (Geometry, error) {
	switch kind {
	case "point":
		return ps[0], nil
	case "line":
		return NewLine(ps)
	case "polygon":
		return NewPolygon(ps)
	case "box":
		return NewBox(ps)
	}
	return nil, fmt.Errorf("unknown geometry type")
}

// scanner walks a query parameter one byte at a time.
type scanner struct {
	src string
	pos int
}

func (s *scanner) eof() bool { return s.pos >= len(s.src) }

func (s *scanner) peek() byte {
	if s.eof() {
		return 0
	}
	return s.src[s.pos]
}

func (s *scanner) accept(lit string) bool {
	if len(s.src)-s.pos >= len(lit) && s.src[s.pos:s.pos+len(lit)] == lit {
		s.pos += len(lit)
		return true
	}
	return false
}

func (s *scanner) ident() string {
	start := s.pos
	for !s.eof() {
		c := s.peek()
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			break
		}
		s.pos++
	}
	return s.src[start:s.pos]
}

func (s *scanner) digits() int {
	start := s.pos
	for !s.eof() && s.peek() >= '0' && s.peek() <= '9' {
		s.pos++
	}
	return s.pos - start
}

// number reads (0|[1-9][0-9]*)([.][0-9]+)?, with an optional leading sign
// when signed is set.
func (s *scanner) number(signed bool) (float64, bool) {
	start := s.pos
	if signed && (s.peek() == '+' || s.peek() == '-') {
		s.pos++
	}

	switch c := s.peek(); {
	case c == '0':
		s.pos++
	case c >= '1' && c <= '9':
		s.digits()
	default:
		return 0, false
	}

	if s.peek() == '.' {
		s.pos++
		if s.digits() == 0 {
			return 0, false
		}
	}

	f, err := strconv.ParseFloat(s.src[start:s.pos], 64)
	return f, err == nil
}

// parseCoords reads lat,lon(;lat,lon)*.
func parseCoords(src string) ([]Point, bool) {
	s := &scanner{src: src}
	var ps []Point
	for {
		lat, ok := s.number(true)
		if !ok || !s.accept(",") {
			return nil, false
		}
		lon, ok := s.number(true)
		if !ok {
			return nil, false
		}
		ps = append(ps, Point{Lat: lat, Lon: lon})
		if s.eof() {
			return ps, true
		}
		if !s.accept(";") {
			return nil, false
		}
	}
}

const (
	minDistanceKey = "minDistance"
	maxDistanceKey = "maxDistance"
)

// parseGeorel reads
//
//	near;minDistance:d | near;maxDistance:d |
//	near;minDistance:d;maxDistance:d | near;maxDistance:d;minDistance:d |
//	coveredBy | intersects | disjoint | equals
func parseGeorel(src string, shape Geometry) (Query, bool) {
	s := &scanner{src: src}
	var q Query
	switch s.ident() {
	case "near":
		near, ok := parseNear(s, shape)
		if !ok {
			return nil, false
		}
		q = near
	case "coveredBy":
		q = CoveredBy{Geometry: shape}
	case "intersects":
		q = Intersects{Geometry: shape}
	case "disjoint":
		q = Disjoint{Geometry: shape}
	case "equals":
		q = Equals{Geometry: shape}
	default:
		return nil, false
	}
	if !s.eof() {
		return nil, false
	}
	return q, true
}

func parseNear(s *scanner, shape Geometry) (Near, bool) {
	q := Near{Geometry: shape}
	for i := 0; i < 2; i++ {
		if i > 0 && s.eof() {
			break
		}
		if !s.accept(";") {
			return Near{}, false
		}
		key := s.ident()
		if !s.accept(":") {
			return Near{}, false
		}
		d, ok := s.number(false)
		if !ok {
			return Near{}, false
		}
		switch {
		case key == minDistanceKey && q.Min == nil:
			q.Min = &d
		case key == maxDistanceKey && q.Max == nil:
			q.Max = &d
		default:
			return Near{}, false
		}
	}
	return q, true
}
