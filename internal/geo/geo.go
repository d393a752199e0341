// Package geo discretizes coordinates into spatial cells and enumerates
// cell neighborhoods for ring searches. Two coordinates in the same cell are
// co-located for matching purposes; a k-ring is the set of cells within k
// adjacency hops of an origin cell, not a Euclidean circle.
package geo

import "math"

// CellIndex converts coordinates to cell identifiers at a fixed resolution
// and enumerates all cells within ring-distance k of a given cell.
type CellIndex interface {
	Cell(lat, lng float64) string
	Ring(cell string, k int) ([]string, error)
}

const earthRadiusKm = 6371.0088

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const deg = math.Pi / 180
	dLat := (lat2 - lat1) * deg
	dLng := (lng2 - lng1) * deg

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*deg)*math.Cos(lat2*deg)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
