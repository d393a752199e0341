// Package match finds candidate responders for a request via the spatial
// ring search and drives the initial broadcast.
package match

import (
	"context"
	"sort"

	"github.com/openrescue/dispatch/internal/config"
	"github.com/openrescue/dispatch/internal/geo"
	"github.com/openrescue/dispatch/internal/models"
)

// Directory is what the searcher needs from the provider directory.
type Directory interface {
	FindAvailable(ctx context.Context, serviceType models.ServiceType, cells []string) ([]models.Responder, error)
}

// Candidate is a matched responder with its geodesic distance from the
// requester's exact coordinate.
type Candidate struct {
	Responder  models.Responder
	DistanceKm float64
}

// Searcher runs the k-ring candidate search.
type Searcher struct {
	cells geo.CellIndex
	dir   Directory
	cfg   config.Engine
}

func NewSearcher(cells geo.CellIndex, dir Directory, cfg config.Engine) *Searcher {
	return &Searcher{cells: cells, dir: dir, cfg: cfg}
}

// FindCandidates returns available responders of the request's service type
// within ring hops of its cell, nearest first, truncated to the fan-out cap.
func (s *Searcher) FindCandidates(ctx context.Context, req *models.EmergencyRequest, ring int) ([]Candidate, error) {
	cells, err := s.cells.Ring(req.Cell, ring)
	if err != nil {
		return nil, err
	}

	responders, err := s.dir.FindAvailable(ctx, req.ServiceType, cells)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(responders))
	for _, resp := range responders {
		candidates = append(candidates, Candidate{
			Responder: resp,
			DistanceKm: geo.HaversineKm(req.Coordinate.Lat, req.Coordinate.Lng,
				resp.Coordinate.Lat, resp.Coordinate.Lng),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})

	if len(candidates) > s.cfg.MaxFanout {
		candidates = candidates[:s.cfg.MaxFanout]
	}
	return candidates, nil
}

// InitialCandidates runs the first broadcast search: ring 1, widened once to
// ring 2 in the same pass when too few responders are found. Zero candidates
// at the widened ring is the expected sparse-coverage path, not an error;
// the escalation worker takes over from there.
func (s *Searcher) InitialCandidates(ctx context.Context, req *models.EmergencyRequest) ([]Candidate, int, error) {
	ring := s.cfg.InitialRadius
	candidates, err := s.FindCandidates(ctx, req, ring)
	if err != nil {
		return nil, 0, err
	}
	if len(candidates) < s.cfg.MinCandidates {
		ring++
		widened, err := s.FindCandidates(ctx, req, ring)
		if err != nil {
			return nil, 0, err
		}
		if len(widened) > len(candidates) {
			candidates = widened
		}
	}
	return candidates, ring, nil
}
