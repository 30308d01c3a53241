// Package geo holds the small amount of spherical geometry the estimators
// need: great-circle distance, straight-line interpolation between stops,
// bearings and bounding-box filters.
package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius.
const EarthRadiusMeters = 6371000.0

// Point is an immutable WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lon float64
}

func NewPoint(lat, lon float64) Point { return Point{Lat: lat, Lon: lon} }

func (p Point) LatLng() s2.LatLng { return s2.LatLngFromDegrees(p.Lat, p.Lon) }

// DistanceTo returns the great-circle distance to q in meters.
func (p Point) DistanceTo(q Point) float64 {
	return p.LatLng().Distance(q.LatLng()).Radians() * EarthRadiusMeters
}

// Distance is the great-circle (haversine) distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	return NewPoint(lat1, lon1).DistanceTo(NewPoint(lat2, lon2))
}

// Interpolate moves linearly in lat/lon space from a towards b by frac,
// clamped to [0,1]. Good enough between neighbouring stops; it drifts from
// the real path on long inter-urban segments.
func Interpolate(a, b Point, frac float64) Point {
	frac = Clamp(frac, 0, 1)
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*frac,
		Lon: a.Lon + (b.Lon-a.Lon)*frac,
	}
}

// Bearing returns the initial bearing from a to b in degrees [0,360).
func Bearing(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	brng := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(brng+360, 360)
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Area is a lat/lon bounding box.
type Area struct {
	rect s2.Rect
}

// NewArea builds the smallest box containing both corners.
func NewArea(minLat, minLon, maxLat, maxLon float64) Area {
	r := s2.RectFromLatLng(s2.LatLngFromDegrees(minLat, minLon))
	r = r.AddPoint(s2.LatLngFromDegrees(maxLat, maxLon))
	return Area{rect: r}
}

func (a Area) Contains(p Point) bool { return a.rect.ContainsLatLng(p.LatLng()) }

// Center returns the box center.
func (a Area) Center() Point {
	c := a.rect.Center()
	return NewPoint(c.Lat.Degrees(), c.Lng.Degrees())
}
