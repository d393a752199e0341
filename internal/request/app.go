package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/openrescue/dispatch/internal/config"
	"github.com/openrescue/dispatch/internal/geo"
	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/internal/request/events"
	"github.com/openrescue/dispatch/pkg/e"
)

// Store is what the lifecycle app needs from the request repository.
type Store interface {
	Create(ctx context.Context, req *models.EmergencyRequest, payload []byte) error
	Get(ctx context.Context, id uuid.UUID) (*models.EmergencyRequest, error)
	Accept(ctx context.Context, id, responderID uuid.UUID, now, connectBy time.Time, payload []byte) (bool, error)
	Escalate(ctx context.Context, id uuid.UUID, fromRadius, toRadius int, acceptBy, now time.Time) (bool, error)
	FailNoProviders(ctx context.Context, id uuid.UUID, now time.Time, payload []byte) (bool, error)
	ConfirmConnected(ctx context.Context, id, responderID uuid.UUID, now time.Time) (bool, error)
	Release(ctx context.Context, id uuid.UUID, responderID *uuid.UUID, acceptBy, now time.Time) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, now time.Time, payload []byte) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, now time.Time, payload []byte) (bool, error)
	FindEscalatable(ctx context.Context, now time.Time, limit int32) ([]models.EmergencyRequest, error)
	FindStaleAccepted(ctx context.Context, now time.Time, limit int32) ([]models.EmergencyRequest, error)
	InsertEvent(ctx context.Context, requestID uuid.UUID, eventType string, responderID *uuid.UUID, metadata map[string]any) error
}

// App is the request lifecycle state machine. All transitions go through the
// store's conditional updates; App adds validation, deadlines and payloads.
type App struct {
	store Store
	cells geo.CellIndex
	clock clockwork.Clock
	cfg   config.Engine
}

func NewApp(store Store, cells geo.CellIndex, clock clockwork.Clock, cfg config.Engine) *App {
	return &App{store: store, cells: cells, clock: clock, cfg: cfg}
}

// Create validates input, discretizes the coordinate and persists a pending
// request plus its created outbox event in one transaction.
func (a *App) Create(ctx context.Context, requesterID uuid.UUID, serviceType models.ServiceType, coord models.Coordinate, description string) (*models.EmergencyRequest, error) {
	if !coord.Valid() {
		return nil, fmt.Errorf("create request: %w", e.ErrInvalidCoords)
	}
	if !serviceType.Valid() {
		return nil, fmt.Errorf("create request: %w", e.ErrInvalidService)
	}

	now := a.clock.Now().UTC()
	req := &models.EmergencyRequest{
		ID:           uuid.New(),
		RequesterID:  requesterID,
		ServiceType:  serviceType,
		Description:  description,
		Coordinate:   coord,
		Cell:         a.cells.Cell(coord.Lat, coord.Lng),
		SearchRadius: a.cfg.InitialRadius,
		Status:       models.StatusPending,
		CreatedAt:    now,
		AcceptBy:     now.Add(a.cfg.AcceptWindow),
	}

	payload, err := json.Marshal(events.CreatedPayload{
		RequestID:    req.ID.String(),
		RequesterID:  requesterID.String(),
		ServiceType:  string(serviceType),
		Description:  description,
		Coordinate:   coord,
		Status:       string(req.Status),
		SearchRadius: req.SearchRadius,
		MustAcceptBy: req.AcceptBy,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal created payload: %w", err)
	}

	if err := a.store.Create(ctx, req, payload); err != nil {
		return nil, err
	}

	log.Info().
		Str("request_id", req.ID.String()).
		Str("service_type", string(serviceType)).
		Str("cell", req.Cell).
		Msg("emergency request created")

	return req, nil
}

// Get returns one request.
func (a *App) Get(ctx context.Context, id uuid.UUID) (*models.EmergencyRequest, error) {
	return a.store.Get(ctx, id)
}

// EscalationOutcome reports what an escalation pass did to one request.
type EscalationOutcome struct {
	Request   *models.EmergencyRequest
	NewRadius int
	Exhausted bool // radius was already at the cap; request failed terminally
}

// Escalate widens the search ring of a pending request whose accept deadline
// has elapsed, or terminally fails it when the ring is already at the cap.
// Concurrent callers resolve via the radius-conditioned update: losers get
// ErrNoLongerPending.
func (a *App) Escalate(ctx context.Context, id uuid.UUID) (*EscalationOutcome, error) {
	req, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now().UTC()
	if req.Status != models.StatusPending {
		return nil, fmt.Errorf("escalate %s: %w", id, e.ErrWrongState)
	}
	if req.AcceptBy.After(now) {
		return nil, fmt.Errorf("escalate %s: accept deadline not elapsed: %w", id, e.ErrWrongState)
	}

	if req.SearchRadius >= a.cfg.MaxRadius {
		payload, err := json.Marshal(events.NoProvidersPayload{
			RequestID:   req.ID.String(),
			FinalRadius: req.SearchRadius,
			FailedAt:    now,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal no_providers payload: %w", err)
		}
		failed, err := a.store.FailNoProviders(ctx, id, now, payload)
		if err != nil {
			return nil, err
		}
		if !failed {
			return nil, fmt.Errorf("escalate %s: %w", id, e.ErrNoLongerPending)
		}
		req.Status = models.StatusNoProviders
		log.Warn().Str("request_id", id.String()).Int("radius", req.SearchRadius).
			Msg("escalation exhausted, no providers available")
		return &EscalationOutcome{Request: req, NewRadius: req.SearchRadius, Exhausted: true}, nil
	}

	newRadius := req.SearchRadius + 1
	newAcceptBy := now.Add(a.cfg.AcceptWindow)
	escalated, err := a.store.Escalate(ctx, id, req.SearchRadius, newRadius, newAcceptBy, now)
	if err != nil {
		return nil, err
	}
	if !escalated {
		return nil, fmt.Errorf("escalate %s: %w", id, e.ErrNoLongerPending)
	}

	req.SearchRadius = newRadius
	req.AcceptBy = newAcceptBy
	log.Info().Str("request_id", id.String()).Int("radius", newRadius).Msg("search escalated")
	return &EscalationOutcome{Request: req, NewRadius: newRadius}, nil
}

// TryAccept is the only path from pending to accepted. Exactly one responder
// wins under concurrency; the rest get ErrNoLongerPending, which is a normal
// outcome, not a failure.
func (a *App) TryAccept(ctx context.Context, id, responderID uuid.UUID) (*models.EmergencyRequest, error) {
	now := a.clock.Now().UTC()
	connectBy := now.Add(a.cfg.ConnectWindow)

	payload, err := json.Marshal(events.AcceptedPayload{
		RequestID:     id.String(),
		ResponderID:   responderID.String(),
		AcceptedAt:    now,
		MustConnectBy: connectBy,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal accepted payload: %w", err)
	}

	won, err := a.store.Accept(ctx, id, responderID, now, connectBy, payload)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("accept %s: %w", id, e.ErrNoLongerPending)
	}

	log.Info().
		Str("request_id", id.String()).
		Str("responder_id", responderID.String()).
		Time("connect_by", connectBy).
		Msg("request accepted")

	return a.store.Get(ctx, id)
}

// ConfirmConnected moves accepted -> in_progress once the assigned responder
// establishes a live connection.
func (a *App) ConfirmConnected(ctx context.Context, id, responderID uuid.UUID) (*models.EmergencyRequest, error) {
	connected, err := a.store.ConfirmConnected(ctx, id, responderID, a.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if connected {
		return a.store.Get(ctx, id)
	}

	// Distinguish the rejection reason for the caller.
	req, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusAccepted {
		return nil, fmt.Errorf("connect %s: %w", id, e.ErrWrongState)
	}
	return nil, fmt.Errorf("connect %s: %w", id, e.ErrNotAssigned)
}

// Reclaim returns an accepted-but-never-connected request to the pending
// pool. Safe to call repeatedly; only the first call wins the conditional
// update, later calls report false.
func (a *App) Reclaim(ctx context.Context, id uuid.UUID) (bool, error) {
	now := a.clock.Now().UTC()
	return a.store.Release(ctx, id, nil, now.Add(a.cfg.AcceptWindow), now)
}

// RecordRejection logs a responder's explicit rejection. Informational only;
// the request stays available to everyone else.
func (a *App) RecordRejection(ctx context.Context, id, responderID uuid.UUID) error {
	return a.store.InsertEvent(ctx, id, AuditRejected, &responderID, nil)
}

// ApplyStatusUpdate bridges responder-reported outcomes onto the lifecycle.
// Unknown kinds leave the status untouched but are still recorded.
func (a *App) ApplyStatusUpdate(ctx context.Context, id, responderID uuid.UUID, kind models.StatusUpdateKind, description string) error {
	meta := map[string]any{"update": string(kind)}
	if description != "" {
		meta["description"] = description
	}
	if err := a.store.InsertEvent(ctx, id, AuditStatusUpdate, &responderID, meta); err != nil {
		log.Error().Err(err).Str("request_id", id.String()).Msg("failed to record status update")
	}

	now := a.clock.Now().UTC()
	switch kind {
	case models.UpdateArrived:
		_, err := a.store.ConfirmConnected(ctx, id, responderID, now)
		return err
	case models.UpdateRejected:
		_, err := a.store.Release(ctx, id, &responderID, now.Add(a.cfg.AcceptWindow), now)
		return err
	case models.UpdateCompleted:
		payload, err := json.Marshal(events.CompletedPayload{
			RequestID:   id.String(),
			ResponderID: responderID.String(),
			CompletedAt: now,
		})
		if err != nil {
			return fmt.Errorf("marshal completed payload: %w", err)
		}
		_, err = a.store.Complete(ctx, id, now, payload)
		return err
	default:
		return nil
	}
}

// Cancel terminally cancels a request on behalf of its requester. The
// returned snapshot is the pre-cancel state, so callers can notify a then-
// assigned responder.
func (a *App) Cancel(ctx context.Context, id, byUserID uuid.UUID) (*models.EmergencyRequest, error) {
	req, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != byUserID {
		return nil, fmt.Errorf("cancel %s: %w", id, e.ErrNotAssigned)
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("cancel %s: %w", id, e.ErrWrongState)
	}

	now := a.clock.Now().UTC()
	payload, err := json.Marshal(events.CancelledPayload{
		RequestID:   id.String(),
		CancelledBy: byUserID.String(),
		CancelledAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal cancelled payload: %w", err)
	}

	cancelled, err := a.store.Cancel(ctx, id, now, payload)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		// Lost the race against accept/complete/another cancel. Accept and
		// in_progress still admit cancellation, so losing here means the
		// request went terminal first.
		return nil, fmt.Errorf("cancel %s: %w", id, e.ErrNoLongerPending)
	}

	log.Info().Str("request_id", id.String()).Msg("request cancelled")
	return req, nil
}

// FindEscalatable exposes the escalation worker's scan.
func (a *App) FindEscalatable(ctx context.Context, limit int32) ([]models.EmergencyRequest, error) {
	return a.store.FindEscalatable(ctx, a.clock.Now().UTC(), limit)
}

// FindStaleAccepted exposes the watchdog's scan.
func (a *App) FindStaleAccepted(ctx context.Context, limit int32) ([]models.EmergencyRequest, error) {
	return a.store.FindStaleAccepted(ctx, a.clock.Now().UTC(), limit)
}

// IsNotFound reports whether err is the storage not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, e.ErrNotFound)
}
