// Package geo provides the great-circle distance and bounding-box math used
// by the blender and the region scheduler. Adapted from the coordinate
// package this project started from: the telescope-mount transforms
// (horizontal/equatorial coordinates, bearing, closest-approach estimation)
// are gone, and distance is now expressed in statute miles rather than
// nautical miles, since that is the unit the aggregator's reports and
// region config use throughout.
package geo

import (
	"math"

	"github.com/skyfeed/aggregator/pkg/model"
)

const (
	degreesToRadians = math.Pi / 180.0

	// EarthRadiusMiles is the WGS84 mean radius used for the haversine
	// formula, per spec.md §4.1.
	EarthRadiusMiles = 3958.7613

	// boundingBoxMargin widens a region's derived bounding box by a 2%
	// safety margin, per spec.md §3.
	boundingBoxMargin = 1.02

	// milesPerDegreeLatitude approximates a degree of latitude in miles.
	milesPerDegreeLatitude = 69.0
)

// DistanceMiles returns the great-circle distance between (lat1, lon1) and
// (lat2, lon2) in statute miles, via the haversine formula. Deterministic to
// at least 1e-6 mi, per spec.md §4.1.
func DistanceMiles(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * degreesToRadians
	lat2Rad := lat2 * degreesToRadians
	dLat := (lat2 - lat1) * degreesToRadians
	dLon := (lon2 - lon1) * degreesToRadians

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMiles * c
}

// FullGlobe is the degenerate bounding box covering every valid coordinate.
func FullGlobe() model.BoundingBox {
	return model.BoundingBox{LaMin: -90, LoMin: -180, LaMax: 90, LoMax: 180}
}

// BoundingBox computes the bounding box for a region of the given radius (in
// miles) centered at (lat, lon), widened by a 2% safety margin, per
// spec.md §3 and §4.1.
//
// A pole center (or one close enough to a pole that cos(lat) falls below
// 1e-8) or a radius that would already cover the globe clamps to the full
// globe rather than producing a box with an undefined or infinite longitude
// span, per spec.md §8's boundary-condition property.
func BoundingBox(lat, lon, radiusMiles float64) model.BoundingBox {
	if radiusMiles >= 90*milesPerDegreeLatitude {
		return FullGlobe()
	}
	if math.Abs(lat) >= 90 {
		return FullGlobe()
	}

	latDelta := (radiusMiles / milesPerDegreeLatitude) * boundingBoxMargin

	cosLat := math.Cos(lat * degreesToRadians)
	if math.Abs(cosLat) < 1e-8 {
		return FullGlobe()
	}
	lonDelta := (radiusMiles / (milesPerDegreeLatitude * math.Abs(cosLat))) * boundingBoxMargin

	box := model.BoundingBox{
		LaMin: lat - latDelta,
		LaMax: lat + latDelta,
		LoMin: lon - lonDelta,
		LoMax: lon + lonDelta,
	}

	if box.LaMin < -90 {
		box.LaMin = -90
	}
	if box.LaMax > 90 {
		box.LaMax = 90
	}
	if box.LoMin < -180 {
		box.LoMin = -180
	}
	if box.LoMax > 180 {
		box.LoMax = 180
	}

	return box
}

// AreaDeg2 returns the bounding box's area in square degrees, the unit the
// wide-area credit-cost table is keyed by (spec.md §4.5).
func AreaDeg2(b model.BoundingBox) float64 {
	return (b.LaMax - b.LaMin) * (b.LoMax - b.LoMin)
}
