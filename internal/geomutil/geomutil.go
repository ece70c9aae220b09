// Package geomutil provides pure geometry helpers shared by the sync
// engine, the subscription matcher and the tile pipeline. All functions
// are stateless; coordinates are WGS84 lon/lat unless noted.
package geomutil

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

// DefaultBufferSize is the buffer radius, in meters, applied to
// bufferable subscription geometries that carry no bufferSize property.
const DefaultBufferSize = 1000.0

// Bufferable reports whether a geometry type takes a buffer. Polygons
// already have an areal footprint and are matched as-is.
func Bufferable(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Point, orb.MultiPoint, orb.LineString, orb.MultiLineString:
		return true
	}
	return false
}

// ResolveBufferSize returns the buffer radius for one feature: the
// feature's own bufferSize property when present and positive,
// DefaultBufferSize for bufferable geometries without one, and 0 for
// polygonal geometries where a buffer is not applicable.
func ResolveBufferSize(f *geojson.Feature) float64 {
	if f == nil || f.Geometry == nil || !Bufferable(f.Geometry) {
		return 0
	}
	if v, ok := f.Properties["bufferSize"]; ok {
		switch n := v.(type) {
		case float64:
			if n > 0 {
				return n
			}
		case int:
			if n > 0 {
				return float64(n)
			}
		}
	}
	return DefaultBufferSize
}

// CollectionBufferSize derives the buffer size stored on a subscription
// from its feature collection: the first bufferable feature decides.
func CollectionBufferSize(fc *geojson.FeatureCollection) float64 {
	if fc == nil {
		return 0
	}
	for _, f := range fc.Features {
		if f.Geometry != nil && Bufferable(f.Geometry) {
			return ResolveBufferSize(f)
		}
	}
	return 0
}

// Flatten expands geometry collections so that every feature in the
// result carries a single concrete geometry. Properties are shared with
// the source feature. This is the canonical projection fed to the
// cluster index; cluster identity is always derived from it.
func Flatten(fc *geojson.FeatureCollection) *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	if fc == nil {
		return out
	}
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if coll, ok := f.Geometry.(orb.Collection); ok {
			for _, g := range coll {
				nf := geojson.NewFeature(g)
				nf.Properties = f.Properties
				out.Append(nf)
			}
			continue
		}
		out.Append(f)
	}
	return out
}

// Centroid returns the centroid of all geometries in the collection.
func Centroid(fc *geojson.FeatureCollection) orb.Point {
	if fc == nil || len(fc.Features) == 0 {
		return orb.Point{}
	}
	coll := make(orb.Collection, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f != nil && f.Geometry != nil {
			coll = append(coll, f.Geometry)
		}
	}
	c, _ := planar.CentroidArea(coll)
	return c
}

// GeometryCentroid returns the planar centroid of a single geometry.
func GeometryCentroid(g orb.Geometry) orb.Point {
	if g == nil {
		return orb.Point{}
	}
	c, _ := planar.CentroidArea(g)
	return c
}

// AreaSquareMeters computes the spherical area of a geometry.
func AreaSquareMeters(g orb.Geometry) float64 {
	return geo.Area(g)
}

// DistanceMeters computes the haversine distance between two points.
func DistanceMeters(a, b orb.Point) float64 {
	return geo.DistanceHaversine(a, b)
}

// ToMercator projects a geometry from WGS84 into web mercator (EPSG:3857).
func ToMercator(g orb.Geometry) orb.Geometry {
	return project.Geometry(orb.Clone(g), project.WGS84.ToMercator)
}

// ToWGS84 projects a geometry from web mercator back to WGS84.
func ToWGS84(g orb.Geometry) orb.Geometry {
	return project.Geometry(orb.Clone(g), project.Mercator.ToWGS84)
}
