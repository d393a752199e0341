// Package routing defines the route-computation collaborator. Real ETA
// computation belongs to an external mapping provider; the engine only
// depends on the interface.
package routing

import (
	"context"

	"github.com/openrescue/dispatch/internal/geo"
	"github.com/openrescue/dispatch/internal/models"
)

// Route is a computed path from a responder to a requester.
type Route struct {
	DistanceKm  float64             `json:"distance_km"`
	DurationMin float64             `json:"duration_min"`
	Geometry    []models.Coordinate `json:"geometry,omitempty"`
}

// Planner computes a route between two coordinates.
type Planner interface {
	Route(ctx context.Context, origin, destination models.Coordinate) (*Route, error)
}

// HaversinePlanner estimates routes as straight-line distance at a fixed
// average speed. Stand-in for a mapping provider.
type HaversinePlanner struct {
	AvgSpeedKmh float64
}

func NewHaversinePlanner() *HaversinePlanner {
	return &HaversinePlanner{AvgSpeedKmh: 40}
}

func (p *HaversinePlanner) Route(ctx context.Context, origin, destination models.Coordinate) (*Route, error) {
	km := geo.HaversineKm(origin.Lat, origin.Lng, destination.Lat, destination.Lng)
	return &Route{
		DistanceKm:  km,
		DurationMin: km / p.AvgSpeedKmh * 60,
		Geometry:    []models.Coordinate{origin, destination},
	}, nil
}
