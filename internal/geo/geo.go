// Package geo holds the spherical math and spatial helpers used by the tracker.
package geo

import (
	"math"

	polyline "github.com/twpayne/go-polyline"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// CellIndex maps a coordinate to its integer grid index at the given precision.
// Two coordinates share a cell exactly when their indexes are equal.
func CellIndex(v float64, places int) int64 {
	return int64(math.Round(v * math.Pow(10, float64(places))))
}

// EncodePath encodes ordered [lat, lng] pairs as a Google encoded polyline.
func EncodePath(coords [][]float64) string {
	if len(coords) == 0 {
		return ""
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePath reverses EncodePath.
func DecodePath(s string) ([][]float64, error) {
	if s == "" {
		return nil, nil
	}
	coords, _, err := polyline.DecodeCoords([]byte(s))
	return coords, err
}
