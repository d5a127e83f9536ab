package geo

import (
	"github.com/baseplate/timeseries/internal/core/ngsi"
)

const (
	LocationAttr = "location"
	CentroidAttr = "location_centroid"

	geoPropertyType = "GeoProperty"
)

// NormalizeLocation rewrites the entity's location as a geo:json attribute
// and adds a location_centroid geo:point next to it. When there is no
// location it understands, the location is left alone and any centroid is
// removed.
func NormalizeLocation(e *ngsi.Entity) {
	loc, ok := e.Attrs[LocationAttr]
	if !ok {
		delete(e.Attrs, CentroidAttr)
		return
	}

	var (
		geometry map[string]any
		centroid Point
		found    bool
	)
	switch loc.Type {
	case ngsi.TypeGeoJSON, geoPropertyType:
		m, isMap := loc.Value.Any.(map[string]any)
		if !isMap {
			delete(e.Attrs, CentroidAttr)
			return
		}
		geometry = m
		centroid, found = GeoJSONCentroid(m)
	default:
		shape, err := FromSLF(loc.Type, loc.Value.Interface())
		if err != nil {
			delete(e.Attrs, CentroidAttr)
			return
		}
		geometry = GeoJSON(shape)
		centroid, found = Centroid(shape)
	}

	e.Attrs[LocationAttr] = ngsi.Attribute{
		Type:     ngsi.TypeGeoJSON,
		Value:    ngsi.GeoShape(geometry),
		Metadata: loc.Metadata,
	}
	if found {
		e.Attrs[CentroidAttr] = ngsi.Attribute{
			Type:  ngsi.TypeGeoPoint,
			Value: ngsi.GeoPoint(centroid.Lat, centroid.Lon),
		}
	}
}
