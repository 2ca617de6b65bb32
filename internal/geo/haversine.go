// Package geo holds the great-circle math used to decide which users fall
// inside an event's proximity radius.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DistanceKm returns the great-circle distance between a and b in kilometers.
func DistanceKm(a, b Point) float64 {
	if a == b {
		return 0
	}

	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRadians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// Within reports whether b lies inside the closed disc of radiusKm around a.
// Points exactly on the boundary are included.
func Within(a, b Point, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
