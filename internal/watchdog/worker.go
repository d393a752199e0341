// Package watchdog reclaims requests whose responder accepted but never
// confirmed a live connection.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/openrescue/dispatch/internal/geo"
	"github.com/openrescue/dispatch/internal/match"
	"github.com/openrescue/dispatch/internal/messages"
	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/internal/notify"
)

// Lifecycle is what the worker needs from the request application layer.
type Lifecycle interface {
	FindStaleAccepted(ctx context.Context, limit int32) ([]models.EmergencyRequest, error)
	Reclaim(ctx context.Context, id uuid.UUID) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*models.EmergencyRequest, error)
}

// Directory resolves responder records for the re-broadcast.
type Directory interface {
	GetResponder(ctx context.Context, id uuid.UUID) (*models.Responder, error)
}

// Candidates exposes the broadcast recipient set recorded for a request.
type Candidates interface {
	Get(ctx context.Context, requestID uuid.UUID) ([]uuid.UUID, error)
}

// CandidateFinder runs a fresh ring search when the recorded set is gone.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, req *models.EmergencyRequest, ring int) ([]match.Candidate, error)
}

// CandidateNotifier delivers the emergency broadcast to candidates.
type CandidateNotifier interface {
	Broadcast(ctx context.Context, req *models.EmergencyRequest, candidates []match.Candidate, escalated, rebroadcast bool, previous *uuid.UUID)
}

// Config tunes the watchdog sweep.
type Config struct {
	Interval  time.Duration
	BatchSize int32
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Second,
		BatchSize: 50,
	}
}

// Worker sweeps accepted requests whose connect deadline elapsed without a
// confirmed connection, returns them to the pending pool and resends the
// broadcast. Reclaim is conditional at the row level, so overlapping sweeps
// reclaim each request once.
type Worker struct {
	lifecycle   Lifecycle
	directory   Directory
	candidates  Candidates
	finder      CandidateFinder
	broadcaster CandidateNotifier
	notifier    notify.Notifier
	config      Config
	clock       clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(lifecycle Lifecycle, directory Directory, candidates Candidates, finder CandidateFinder, broadcaster CandidateNotifier, notifier notify.Notifier, cfg Config, clock clockwork.Clock) *Worker {
	return &Worker{
		lifecycle:   lifecycle,
		directory:   directory,
		candidates:  candidates,
		finder:      finder,
		broadcaster: broadcaster,
		notifier:    notifier,
		config:      cfg,
		clock:       clock,
		stopChan:    make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("connection watchdog already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().Dur("interval", w.config.Interval).Msg("connection watchdog started")
	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("connection watchdog not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("connection watchdog stopped")
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one reclaim pass over all stale accepted requests.
func (w *Worker) Sweep(ctx context.Context) {
	stale, err := w.lifecycle.FindStaleAccepted(ctx, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to find stale accepted requests")
		return
	}

	for i := range stale {
		w.reclaimOne(ctx, &stale[i])
	}
}

func (w *Worker) reclaimOne(ctx context.Context, stale *models.EmergencyRequest) {
	previous := stale.ResponderID

	reclaimed, err := w.lifecycle.Reclaim(ctx, stale.ID)
	if err != nil {
		log.Error().Err(err).Str("request_id", stale.ID.String()).Msg("failed to reclaim request")
		return
	}
	if !reclaimed {
		// Connected, cancelled or reclaimed by a peer since the sweep query.
		log.Debug().Str("request_id", stale.ID.String()).Msg("request no longer stale, skipping")
		return
	}

	req, err := w.lifecycle.Get(ctx, stale.ID)
	if err != nil {
		log.Error().Err(err).Str("request_id", stale.ID.String()).
			Msg("failed to reload reclaimed request")
		return
	}

	candidates := w.recalledCandidates(ctx, req, previous)
	if len(candidates) > 0 {
		w.broadcaster.Broadcast(ctx, req, candidates, false, true, previous)
	}

	if previous != nil {
		if err := w.notifier.Notify(ctx, req.RequesterID, messages.TypeResponderUnavailable,
			messages.ResponderUnavailable{RequestID: req.ID, ResponderID: *previous}); err != nil {
			log.Warn().Err(err).Str("request_id", req.ID.String()).
				Msg("failed to notify requester of reclaim")
		}
	}

	log.Info().
		Str("request_id", req.ID.String()).
		Int("candidates", len(candidates)).
		Msg("stale acceptance reclaimed, broadcast resent")
}

// recalledCandidates rebuilds the original candidate set, minus the vanished
// responder. When the recorded set is gone from the cache it falls back to a
// fresh ring search at the request's current radius.
func (w *Worker) recalledCandidates(ctx context.Context, req *models.EmergencyRequest, previous *uuid.UUID) []match.Candidate {
	ids, err := w.candidates.Get(ctx, req.ID)
	if err != nil {
		log.Warn().Err(err).Str("request_id", req.ID.String()).
			Msg("failed to load candidate set, falling back to ring search")
		ids = nil
	}

	if len(ids) == 0 {
		found, err := w.finder.FindCandidates(ctx, req, req.SearchRadius)
		if err != nil {
			log.Error().Err(err).Str("request_id", req.ID.String()).
				Msg("fallback ring search failed")
			return nil
		}
		return found
	}

	candidates := make([]match.Candidate, 0, len(ids))
	for _, id := range ids {
		if previous != nil && id == *previous {
			continue
		}
		resp, err := w.directory.GetResponder(ctx, id)
		if err != nil {
			log.Debug().Err(err).Str("responder_id", id.String()).
				Msg("candidate no longer resolvable, skipping")
			continue
		}
		candidates = append(candidates, match.Candidate{
			Responder: *resp,
			DistanceKm: geo.HaversineKm(req.Coordinate.Lat, req.Coordinate.Lng,
				resp.Coordinate.Lat, resp.Coordinate.Lng),
		})
	}
	return candidates
}
