// Package escalate widens the search ring of requests nobody accepted in
// time, and terminally fails the ones that ran out of ring.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/openrescue/dispatch/internal/match"
	"github.com/openrescue/dispatch/internal/messages"
	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/internal/notify"
	"github.com/openrescue/dispatch/internal/request"
	"github.com/openrescue/dispatch/pkg/e"
)

// Lifecycle is what the worker needs from the request application layer.
type Lifecycle interface {
	FindEscalatable(ctx context.Context, limit int32) ([]models.EmergencyRequest, error)
	Escalate(ctx context.Context, id uuid.UUID) (*request.EscalationOutcome, error)
}

// CandidateFinder runs the ring search at a given radius.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, req *models.EmergencyRequest, ring int) ([]match.Candidate, error)
}

// CandidateAdder grows a request's recorded candidate set, reporting which
// responders are new.
type CandidateAdder interface {
	Add(ctx context.Context, requestID uuid.UUID, responderIDs []uuid.UUID) ([]uuid.UUID, error)
}

// CandidateNotifier delivers the emergency broadcast to candidates.
type CandidateNotifier interface {
	Broadcast(ctx context.Context, req *models.EmergencyRequest, candidates []match.Candidate, escalated, rebroadcast bool, previous *uuid.UUID)
}

// Config tunes the escalation sweep.
type Config struct {
	Interval  time.Duration
	BatchSize int32
}

func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Second,
		BatchSize: 50,
	}
}

// Worker periodically sweeps pending requests whose accept deadline elapsed
// and escalates each one. Sweeps are safe to run from several processes at
// once; the radius-conditioned update makes every escalation happen once.
type Worker struct {
	lifecycle   Lifecycle
	finder      CandidateFinder
	candidates  CandidateAdder
	broadcaster CandidateNotifier
	notifier    notify.Notifier
	config      Config
	clock       clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(lifecycle Lifecycle, finder CandidateFinder, candidates CandidateAdder, broadcaster CandidateNotifier, notifier notify.Notifier, cfg Config, clock clockwork.Clock) *Worker {
	return &Worker{
		lifecycle:   lifecycle,
		finder:      finder,
		candidates:  candidates,
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
		return fmt.Errorf("escalation worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().Dur("interval", w.config.Interval).Msg("escalation worker started")
	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("escalation worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("escalation worker stopped")
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

// Sweep runs one escalation pass over all overdue pending requests.
func (w *Worker) Sweep(ctx context.Context) {
	overdue, err := w.lifecycle.FindEscalatable(ctx, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to find escalatable requests")
		return
	}

	for i := range overdue {
		w.escalateOne(ctx, overdue[i].ID)
	}
}

func (w *Worker) escalateOne(ctx context.Context, id uuid.UUID) {
	outcome, err := w.lifecycle.Escalate(ctx, id)
	if err != nil {
		// Accepted, cancelled or escalated by a peer between the sweep
		// query and here. Normal under concurrency.
		if errors.Is(err, e.ErrNoLongerPending) || errors.Is(err, e.ErrWrongState) || errors.Is(err, e.ErrNotFound) {
			log.Debug().Err(err).Str("request_id", id.String()).
				Msg("request no longer escalatable, skipping")
			return
		}
		log.Error().Err(err).Str("request_id", id.String()).Msg("failed to escalate request")
		return
	}

	req := outcome.Request
	if outcome.Exhausted {
		if err := w.notifier.Notify(ctx, req.RequesterID, messages.TypeNoProviders,
			messages.NoProviders{RequestID: req.ID}); err != nil {
			log.Warn().Err(err).Str("request_id", req.ID.String()).
				Msg("failed to notify requester of exhausted search")
		}
		return
	}

	candidates, err := w.finder.FindCandidates(ctx, req, outcome.NewRadius)
	if err != nil {
		// The radius bump is committed, so the next sweep will not retry
		// this ring. Candidates in it still see the request once the ring
		// widens again.
		log.Error().Err(err).Str("request_id", req.ID.String()).
			Int("radius", outcome.NewRadius).Msg("escalated search failed")
		return
	}

	fresh := w.freshCandidates(ctx, req.ID, candidates)
	if len(fresh) > 0 {
		w.broadcaster.Broadcast(ctx, req, fresh, true, false, nil)
	}

	if err := w.notifier.Notify(ctx, req.RequesterID, messages.TypeSearchEscalated,
		messages.SearchEscalated{RequestID: req.ID, Radius: outcome.NewRadius}); err != nil {
		log.Warn().Err(err).Str("request_id", req.ID.String()).
			Msg("failed to notify requester of escalation")
	}

	log.Info().
		Str("request_id", req.ID.String()).
		Int("radius", outcome.NewRadius).
		Int("new_candidates", len(fresh)).
		Msg("request escalated")
}

// freshCandidates records the widened candidate set and returns only the
// responders that have not been broadcast to before. When the cache is
// unavailable everyone in the ring is treated as fresh; a duplicate
// broadcast beats a missed one.
func (w *Worker) freshCandidates(ctx context.Context, requestID uuid.UUID, candidates []match.Candidate) []match.Candidate {
	ids := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Responder.ID
	}
	added, err := w.candidates.Add(ctx, requestID, ids)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID.String()).
			Msg("failed to update candidate set, broadcasting to full ring")
		return candidates
	}

	isNew := make(map[uuid.UUID]bool, len(added))
	for _, id := range added {
		isNew[id] = true
	}
	fresh := candidates[:0:0]
	for _, c := range candidates {
		if isNew[c.Responder.ID] {
			fresh = append(fresh, c)
		}
	}
	return fresh
}
