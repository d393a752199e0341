package request

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/internal/outbox"
	"github.com/openrescue/dispatch/internal/request/events"
	"github.com/openrescue/dispatch/pkg/e"
)

// Audit event types recorded in request_events.
const (
	AuditAccepted     = "accepted"
	AuditRejected     = "rejected"
	AuditConnected    = "provider_connected"
	AuditDisconnected = "provider_disconnected"
	AuditEscalated    = "search_escalated"
	AuditNoProviders  = "failed_no_providers"
	AuditCancelled    = "cancelled"
	AuditCompleted    = "completed"
	AuditStatusUpdate = "status_update"
)

// Repository persists emergency requests. Every transition is a conditional
// update keyed on the current status, so racing callers resolve at the row:
// exactly one sees rows affected, the rest get false. Transitions that the
// outside world must observe insert their outbox event in the same
// transaction.
type Repository struct {
	pool   *pgxpool.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *pgxpool.Pool, ob *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: ob}
}

const requestColumns = `
id, requester_id, service_type, description, latitude, longitude, cell,
search_radius, status, responder_id, created_at, accept_by, connect_by, connected_at`

func scanRequest(row pgx.Row) (*models.EmergencyRequest, error) {
	var req models.EmergencyRequest
	err := row.Scan(&req.ID, &req.RequesterID, &req.ServiceType, &req.Description,
		&req.Coordinate.Lat, &req.Coordinate.Lng, &req.Cell, &req.SearchRadius,
		&req.Status, &req.ResponderID, &req.CreatedAt, &req.AcceptBy,
		&req.ConnectBy, &req.ConnectedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Create inserts a new pending request together with its created outbox
// event.
func (r *Repository) Create(ctx context.Context, req *models.EmergencyRequest, payload []byte) error {
	const op = "request.Create"
	const query = `
INSERT INTO emergency_requests
  (id, requester_id, service_type, description, latitude, longitude, cell,
   search_radius, status, created_at, accept_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query,
			req.ID, req.RequesterID, req.ServiceType, req.Description,
			req.Coordinate.Lat, req.Coordinate.Lng, req.Cell,
			req.SearchRadius, req.Status, req.CreatedAt, req.AcceptBy); err != nil {
			return err
		}
		return r.outbox.InsertTx(ctx, tx, req.ID, events.TypeCreated, payload)
	})
	return e.WrapError(ctx, op, err)
}

// Get returns one request by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.EmergencyRequest, error) {
	const op = "request.Get"
	req, err := scanRequest(r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM emergency_requests WHERE id = $1`, id))
	if err != nil {
		return nil, e.WrapError(ctx, op, err)
	}
	return req, nil
}

// Accept moves pending -> accepted for the given responder. Returns false if
// the request had already left pending; the caller lost the race.
func (r *Repository) Accept(ctx context.Context, id, responderID uuid.UUID, now, connectBy time.Time, payload []byte) (bool, error) {
	const op = "request.Accept"
	const query = `
UPDATE emergency_requests
SET status = 'accepted', responder_id = $2, connect_by = $3
WHERE id = $1 AND status = 'pending'
`
	won := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, id, responderID, connectBy)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		won = true
		if err := r.outbox.InsertTx(ctx, tx, id, events.TypeAccepted, payload); err != nil {
			return err
		}
		return r.insertEventTx(ctx, tx, id, AuditAccepted, &responderID, nil, now)
	})
	if err != nil {
		return false, e.WrapError(ctx, op, err)
	}
	return won, nil
}

// Escalate widens the search ring. The update is conditioned on the radius
// the caller read, so concurrent worker passes escalate at most once.
func (r *Repository) Escalate(ctx context.Context, id uuid.UUID, fromRadius, toRadius int, acceptBy, now time.Time) (bool, error) {
	const op = "request.Escalate"
	const query = `
UPDATE emergency_requests
SET search_radius = $3, accept_by = $4
WHERE id = $1 AND status = 'pending' AND search_radius = $2
`
	escalated := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, id, fromRadius, toRadius, acceptBy)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		escalated = true
		meta := map[string]any{"from_radius": fromRadius, "to_radius": toRadius}
		return r.insertEventTx(ctx, tx, id, AuditEscalated, nil, meta, now)
	})
	if err != nil {
		return false, e.WrapError(ctx, op, err)
	}
	return escalated, nil
}

// FailNoProviders terminally fails a pending request whose escalation ladder
// is exhausted.
func (r *Repository) FailNoProviders(ctx context.Context, id uuid.UUID, now time.Time, payload []byte) (bool, error) {
	const op = "request.FailNoProviders"
	const query = `
UPDATE emergency_requests
SET status = 'no_providers_available'
WHERE id = $1 AND status = 'pending'
`
	failed := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		failed = true
		if err := r.outbox.InsertTx(ctx, tx, id, events.TypeNoProviders, payload); err != nil {
			return err
		}
		return r.insertEventTx(ctx, tx, id, AuditNoProviders, nil, nil, now)
	})
	if err != nil {
		return false, e.WrapError(ctx, op, err)
	}
	return failed, nil
}

// ConfirmConnected moves accepted -> in_progress for the assigned responder.
func (r *Repository) ConfirmConnected(ctx context.Context, id, responderID uuid.UUID, now time.Time) (bool, error) {
	const op = "request.ConfirmConnected"
	const query = `
UPDATE emergency_requests
SET status = 'in_progress', connected_at = $3
WHERE id = $1 AND status = 'accepted' AND responder_id = $2
`
	connected := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, id, responderID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		connected = true
		return r.insertEventTx(ctx, tx, id, AuditConnected, &responderID, nil, now)
	})
	if err != nil {
		return false, e.WrapError(ctx, op, err)
	}
	return connected, nil
}

// Release returns an accepted-but-unconnected request to the pending pool.
// When responderID is non-nil the release is conditioned on that assignment
// (responder-initiated rejection); a nil responderID is the watchdog path.
func (r *Repository) Release(ctx context.Context, id uuid.UUID, responderID *uuid.UUID, acceptBy, now time.Time) (bool, error) {
	const op = "request.Release"
	const query = `
UPDATE emergency_requests
SET status = 'pending', responder_id = NULL, connect_by = NULL, accept_by = $2
WHERE id = $1 AND status = 'accepted' AND connected_at IS NULL
  AND ($3::uuid IS NULL OR responder_id = $3)
`
	released := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, id, acceptBy, responderID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		released = true
		return r.insertEventTx(ctx, tx, id, AuditDisconnected, responderID, nil, now)
	})
	if err != nil {
		return false, e.WrapError(ctx, op, err)
	}
	return released, nil
}

// Cancel terminally cancels a request from any non-terminal state.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID, now time.Time, payload []byte) (bool, error) {
	const op = "request.Cancel"
	const query = `
UPDATE emergency_requests
SET status = 'cancelled', responder_id = NULL, connect_by = NULL
WHERE id = $1 AND status IN ('pending', 'accepted', 'in_progress')
`
	cancelled := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		cancelled = true
		if err := r.outbox.InsertTx(ctx, tx, id, events.TypeCancelled, payload); err != nil {
			return err
		}
		return r.insertEventTx(ctx, tx, id, AuditCancelled, nil, nil, now)
	})
	if err != nil {
		return false, e.WrapError(ctx, op, err)
	}
	return cancelled, nil
}

// Complete finishes an accepted or in-progress request.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, now time.Time, payload []byte) (bool, error) {
	const op = "request.Complete"
	const query = `
UPDATE emergency_requests
SET status = 'completed'
WHERE id = $1 AND status IN ('accepted', 'in_progress')
`
	completed := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		completed = true
		if err := r.outbox.InsertTx(ctx, tx, id, events.TypeCompleted, payload); err != nil {
			return err
		}
		return r.insertEventTx(ctx, tx, id, AuditCompleted, nil, nil, now)
	})
	if err != nil {
		return false, e.WrapError(ctx, op, err)
	}
	return completed, nil
}

// FindEscalatable returns pending requests whose accept deadline has elapsed.
func (r *Repository) FindEscalatable(ctx context.Context, now time.Time, limit int32) ([]models.EmergencyRequest, error) {
	const op = "request.FindEscalatable"
	const query = `
SELECT ` + requestColumns + `
FROM emergency_requests
WHERE status = 'pending' AND accept_by <= $1
ORDER BY accept_by
LIMIT $2
`
	return r.queryRequests(ctx, op, query, now, limit)
}

// FindStaleAccepted returns accepted requests whose responder never
// confirmed a connection within the connect window.
func (r *Repository) FindStaleAccepted(ctx context.Context, now time.Time, limit int32) ([]models.EmergencyRequest, error) {
	const op = "request.FindStaleAccepted"
	const query = `
SELECT ` + requestColumns + `
FROM emergency_requests
WHERE status = 'accepted' AND connected_at IS NULL AND connect_by <= $1
ORDER BY connect_by
LIMIT $2
`
	return r.queryRequests(ctx, op, query, now, limit)
}

func (r *Repository) queryRequests(ctx context.Context, op, query string, now time.Time, limit int32) ([]models.EmergencyRequest, error) {
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, e.WrapError(ctx, op, err)
	}
	defer rows.Close()

	var requests []models.EmergencyRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, e.WrapError(ctx, op, err)
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, e.WrapError(ctx, op, err)
	}
	return requests, nil
}

// InsertEvent appends an audit row outside any transition. Best-effort
// callers log and swallow the error.
func (r *Repository) InsertEvent(ctx context.Context, requestID uuid.UUID, eventType string, responderID *uuid.UUID, metadata map[string]any) error {
	const op = "request.InsertEvent"
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return e.WrapError(ctx, op, err)
	}
	if err := r.insertEventTx(ctx, tx, requestID, eventType, responderID, metadata, time.Now().UTC()); err != nil {
		_ = tx.Rollback(ctx)
		return e.WrapError(ctx, op, err)
	}
	return e.WrapError(ctx, op, tx.Commit(ctx))
}

func (r *Repository) insertEventTx(ctx context.Context, tx pgx.Tx, requestID uuid.UUID, eventType string, responderID *uuid.UUID, metadata map[string]any, at time.Time) error {
	var meta []byte
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		meta = b
	}
	const query = `
INSERT INTO request_events (id, request_id, event_type, responder_id, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	_, err := tx.Exec(ctx, query, uuid.New(), requestID, eventType, responderID, meta, at)
	return err
}
