package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openrescue/dispatch/pkg/e"
)

// Repository persists outbox events in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertTx appends an event inside the caller's transaction. The caller owns
// commit and rollback; this is what ties the event to the state change.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, requestID uuid.UUID, eventType string, payload []byte) error {
	const op = "outbox.Insert"
	const query = `
INSERT INTO outbox_events (id, request_id, aggregate_type, event_type, payload, status, retry_count, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, now())
`
	if _, err := tx.Exec(ctx, query, uuid.New(), requestID, AggregateType, eventType, payload); err != nil {
		return e.WrapError(ctx, op, err)
	}
	return nil
}

// FetchPending returns up to limit unpublished events, oldest first. Ordering
// by created_at then id keeps events for one request in insertion order.
func (r *Repository) FetchPending(ctx context.Context, limit int32) ([]Event, error) {
	const op = "outbox.FetchPending"
	const query = `
SELECT id, request_id, event_type, payload, status, retry_count, created_at, published_at
FROM outbox_events
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1
`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, e.WrapError(ctx, op, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.EventType, &ev.Payload,
			&ev.Status, &ev.RetryCount, &ev.CreatedAt, &ev.PublishedAt); err != nil {
			return nil, e.WrapError(ctx, op, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, e.WrapError(ctx, op, err)
	}
	return events, nil
}

// MarkPublished flips the given events to published with a publish timestamp.
func (r *Repository) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	const op = "outbox.MarkPublished"
	const query = `
UPDATE outbox_events
SET status = 'published', published_at = $2
WHERE id = ANY($1)
`
	if _, err := r.pool.Exec(ctx, query, ids, at); err != nil {
		return e.WrapError(ctx, op, err)
	}
	return nil
}

// IncrementRetry bumps retry counters on events that failed to publish this
// cycle. They stay pending and are retried next cycle.
func (r *Repository) IncrementRetry(ctx context.Context, ids []uuid.UUID) error {
	const op = "outbox.IncrementRetry"
	const query = `
UPDATE outbox_events
SET retry_count = retry_count + 1
WHERE id = ANY($1)
`
	if _, err := r.pool.Exec(ctx, query, ids); err != nil {
		return e.WrapError(ctx, op, err)
	}
	return nil
}

// CountPending returns the unpublished backlog size.
func (r *Repository) CountPending(ctx context.Context) (int64, error) {
	const op = "outbox.CountPending"
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, e.WrapError(ctx, op, err)
	}
	return n, nil
}
