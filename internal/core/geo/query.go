package geo

// Query is a spatial relation applied to a geometry.
type Query interface {
	Shape() Geometry
}

// Near matches entities whose location centroid lies within [Min, Max]
// metres of the centroid of Geometry. At least one bound is set.
type Near struct {
	Geometry Geometry
	Min      *float64
	Max      *float64
}

func (q Near) Shape() Geometry { return q.Geometry }

// Centroid is the reference point distances are measured from.
func (q Near) Centroid() Point {
	c, _ := Centroid(q.Geometry)
	return c
}

type CoveredBy struct{ Geometry Geometry }

func (q CoveredBy) Shape() Geometry { return q.Geometry }

type Intersects struct{ Geometry Geometry }

func (q Intersects) Shape() Geometry { return q.Geometry }

type Disjoint struct{ Geometry Geometry }

func (q Disjoint) Shape() Geometry { return q.Geometry }

// Equals parses but no backend evaluates it.
type Equals struct{ Geometry Geometry }

func (q Equals) Shape() Geometry { return q.Geometry }
