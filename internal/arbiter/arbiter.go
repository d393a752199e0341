// Package arbiter decides acceptance races. Exactly one responder may win a
// pending request; everyone else gets a definitive answer.
package arbiter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/openrescue/dispatch/internal/cache"
	"github.com/openrescue/dispatch/internal/messages"
	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/internal/notify"
	"github.com/openrescue/dispatch/internal/routing"
	"github.com/openrescue/dispatch/pkg/e"
)

// Lifecycle is what the arbiter needs from the request application layer.
type Lifecycle interface {
	TryAccept(ctx context.Context, id, responderID uuid.UUID) (*models.EmergencyRequest, error)
	RecordRejection(ctx context.Context, id, responderID uuid.UUID) error
}

// Locker is the per-request acceptance lock.
type Locker interface {
	Acquire(ctx context.Context, requestID uuid.UUID) (token string, ok bool, err error)
	Release(ctx context.Context, requestID uuid.UUID, token string) error
}

// Candidates exposes the broadcast recipient set for a request.
type Candidates interface {
	Get(ctx context.Context, requestID uuid.UUID) ([]uuid.UUID, error)
}

// Locations exposes last-known responder positions for route estimates.
type Locations interface {
	Get(ctx context.Context, responderID uuid.UUID) (*cache.Location, error)
}

// Arbiter serializes accept attempts per request. The lock is an
// optimization that rejects late arrivals without touching Postgres; the
// conditional update inside TryAccept is what actually guarantees a single
// winner.
type Arbiter struct {
	lifecycle  Lifecycle
	lock       Locker
	candidates Candidates
	locations  Locations
	notifier   notify.Notifier
	planner    routing.Planner
	clock      clockwork.Clock
	holdover   time.Duration
}

func New(lifecycle Lifecycle, lock Locker, candidates Candidates, locations Locations, notifier notify.Notifier, planner routing.Planner, clock clockwork.Clock, holdover time.Duration) *Arbiter {
	return &Arbiter{
		lifecycle:  lifecycle,
		lock:       lock,
		candidates: candidates,
		locations:  locations,
		notifier:   notifier,
		planner:    planner,
		clock:      clock,
		holdover:   holdover,
	}
}

// Accept runs one responder's attempt to win a request. The responder is
// always told the outcome (accept_confirmed or already_taken); only
// infrastructure failures surface as errors.
func (a *Arbiter) Accept(ctx context.Context, requestID, responderID uuid.UUID) error {
	token, ok, err := a.lock.Acquire(ctx, requestID)
	if err != nil {
		return e.Wrap("acquire accept lock", err)
	}
	if !ok {
		return a.notifier.Notify(ctx, responderID, messages.TypeAlreadyTaken,
			messages.AlreadyTaken{RequestID: requestID})
	}

	req, err := a.lifecycle.TryAccept(ctx, requestID, responderID)
	if err != nil {
		if relErr := a.lock.Release(ctx, requestID, token); relErr != nil {
			log.Warn().Err(relErr).Str("request_id", requestID.String()).
				Msg("failed to release accept lock after lost race")
		}
		if errors.Is(err, e.ErrNoLongerPending) || errors.Is(err, e.ErrNotFound) {
			return a.notifier.Notify(ctx, responderID, messages.TypeAlreadyTaken,
				messages.AlreadyTaken{RequestID: requestID})
		}
		return e.Wrap("try accept", err)
	}

	a.announceWinner(ctx, req, responderID)
	a.releaseLater(requestID, token)

	log.Info().
		Str("request_id", requestID.String()).
		Str("responder_id", responderID.String()).
		Msg("request accepted")
	return nil
}

// Reject records an informational decline. It never blocks the request;
// escalation handles a request everyone declined.
func (a *Arbiter) Reject(ctx context.Context, requestID, responderID uuid.UUID) error {
	if err := a.lifecycle.RecordRejection(ctx, requestID, responderID); err != nil && !errors.Is(err, e.ErrNotFound) {
		return e.Wrap("record rejection", err)
	}
	return a.notifier.Notify(ctx, responderID, messages.TypeRejectConfirmed,
		messages.RejectConfirmed{RequestID: requestID})
}

// announceWinner fans the outcome out to the winner, the losing candidates
// and the requester. All deliveries are best-effort; the state transition
// already committed.
func (a *Arbiter) announceWinner(ctx context.Context, req *models.EmergencyRequest, winnerID uuid.UUID) {
	confirmed := messages.AcceptConfirmed{
		RequestID:   req.ID,
		ResponderID: winnerID,
		Route:       a.routeFor(ctx, winnerID, req),
		Request:     req,
	}
	if err := a.notifier.Notify(ctx, winnerID, messages.TypeAcceptConfirmed, confirmed); err != nil {
		log.Warn().Err(err).Str("responder_id", winnerID.String()).
			Msg("failed to notify accept winner")
	}
	if err := a.notifier.Notify(ctx, req.RequesterID, messages.TypeAcceptConfirmed, confirmed); err != nil {
		log.Warn().Err(err).Str("requester_id", req.RequesterID.String()).
			Msg("failed to notify requester of acceptance")
	}

	ids, err := a.candidates.Get(ctx, req.ID)
	if err != nil {
		log.Warn().Err(err).Str("request_id", req.ID.String()).
			Msg("failed to load candidate set, losers not notified")
		return
	}
	taken := messages.RequestTaken{RequestID: req.ID}
	for _, id := range ids {
		if id == winnerID {
			continue
		}
		if err := a.notifier.Notify(ctx, id, messages.TypeRequestTaken, taken); err != nil {
			log.Debug().Err(err).Str("responder_id", id.String()).
				Msg("failed to notify losing candidate")
		}
	}
}

// routeFor estimates the winner's route from their last reported position.
// Without a cached position the route starts at the request itself, which
// yields a zero-length placeholder until the first location report lands.
func (a *Arbiter) routeFor(ctx context.Context, responderID uuid.UUID, req *models.EmergencyRequest) *routing.Route {
	origin := req.Coordinate
	if loc, err := a.locations.Get(ctx, responderID); err == nil && loc != nil {
		origin = loc.Coordinate
	}
	route, err := a.planner.Route(ctx, origin, req.Coordinate)
	if err != nil {
		return nil
	}
	return route
}

// releaseLater frees the lock after a short holdover. Stragglers that raced
// the winner keep hitting the held lock instead of the database; the row
// condition still rejects them if the lock has lapsed.
func (a *Arbiter) releaseLater(requestID uuid.UUID, token string) {
	go func() {
		<-a.clock.After(a.holdover)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.lock.Release(ctx, requestID, token); err != nil {
			log.Debug().Err(err).Str("request_id", requestID.String()).
				Msg("deferred lock release failed")
		}
	}()
}
