// Package directory persists responders and answers the availability queries
// behind geospatial matching. A responder's position is denormalized as raw
// coordinates plus the spatial cell they fall into; matching only ever looks
// at the cell.
package directory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/pkg/e"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindAvailable returns available responders of the given service type whose
// current cell is in cells.
func (r *Repository) FindAvailable(ctx context.Context, serviceType models.ServiceType, cells []string) ([]models.Responder, error) {
	const op = "directory.FindAvailable"
	const query = `
SELECT id, name, service_type, available, latitude, longitude, cell, updated_at
FROM responders
WHERE available = true
  AND service_type = $1
  AND cell = ANY($2)
`
	rows, err := r.pool.Query(ctx, query, serviceType, cells)
	if err != nil {
		return nil, e.WrapError(ctx, op, err)
	}
	defer rows.Close()

	var responders []models.Responder
	for rows.Next() {
		var resp models.Responder
		if err := rows.Scan(&resp.ID, &resp.Name, &resp.ServiceType, &resp.Available,
			&resp.Coordinate.Lat, &resp.Coordinate.Lng, &resp.Cell, &resp.UpdatedAt); err != nil {
			return nil, e.WrapError(ctx, op, err)
		}
		responders = append(responders, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, e.WrapError(ctx, op, err)
	}
	return responders, nil
}

// GetResponder returns one responder by id.
func (r *Repository) GetResponder(ctx context.Context, id uuid.UUID) (*models.Responder, error) {
	const op = "directory.GetResponder"
	const query = `
SELECT id, name, service_type, available, latitude, longitude, cell, updated_at
FROM responders
WHERE id = $1
`
	var resp models.Responder
	err := r.pool.QueryRow(ctx, query, id).Scan(&resp.ID, &resp.Name, &resp.ServiceType,
		&resp.Available, &resp.Coordinate.Lat, &resp.Coordinate.Lng, &resp.Cell, &resp.UpdatedAt)
	if err != nil {
		return nil, e.WrapError(ctx, op, err)
	}
	return &resp, nil
}

// UpdateLocation persists a responder's reported position and its cell.
func (r *Repository) UpdateLocation(ctx context.Context, id uuid.UUID, coord models.Coordinate, cell string) error {
	const op = "directory.UpdateLocation"
	const query = `
UPDATE responders
SET latitude = $2, longitude = $3, cell = $4, updated_at = $5
WHERE id = $1
`
	tag, err := r.pool.Exec(ctx, query, id, coord.Lat, coord.Lng, cell, time.Now().UTC())
	if err != nil {
		return e.WrapError(ctx, op, err)
	}
	if tag.RowsAffected() == 0 {
		return e.Wrap(op, e.ErrNotFound)
	}
	return nil
}

// SetAvailability flips a responder in or out of the matching pool.
func (r *Repository) SetAvailability(ctx context.Context, id uuid.UUID, available bool) error {
	const op = "directory.SetAvailability"
	tag, err := r.pool.Exec(ctx,
		`UPDATE responders SET available = $2, updated_at = now() WHERE id = $1`, id, available)
	if err != nil {
		return e.WrapError(ctx, op, err)
	}
	if tag.RowsAffected() == 0 {
		return e.Wrap(op, e.ErrNotFound)
	}
	return nil
}

// CreateResponder inserts a responder row. Used by registration collaborators
// and the seed tool.
func (r *Repository) CreateResponder(ctx context.Context, resp models.Responder) error {
	const op = "directory.CreateResponder"
	const query = `
INSERT INTO responders (id, name, service_type, available, latitude, longitude, cell, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
`
	_, err := r.pool.Exec(ctx, query, resp.ID, resp.Name, resp.ServiceType, resp.Available,
		resp.Coordinate.Lat, resp.Coordinate.Lng, resp.Cell)
	if err != nil {
		return e.WrapError(ctx, op, err)
	}
	return nil
}
