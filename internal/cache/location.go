package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openrescue/dispatch/internal/models"
)

// Location is a responder's last reported position. Rebuilt from the
// responder's own periodic reports; authoritative for live tracking only,
// never for matching.
type Location struct {
	Coordinate models.Coordinate `json:"coordinate"`
	ReportedAt time.Time         `json:"reported_at"`
	RequestID  *uuid.UUID        `json:"request_id,omitempty"`
}

// LocationCache stores TTL'd responder locations.
type LocationCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewLocationCache(r *Redis, ttl time.Duration) *LocationCache {
	return &LocationCache{client: r.Client, ttl: ttl}
}

func locationKey(responderID uuid.UUID) string {
	return fmt.Sprintf("responder:loc:%s", responderID)
}

func (c *LocationCache) Set(ctx context.Context, responderID uuid.UUID, loc Location) error {
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, locationKey(responderID), b, c.ttl).Err()
}

// Get returns nil without error on a cache miss.
func (c *LocationCache) Get(ctx context.Context, responderID uuid.UUID) (*Location, error) {
	data, err := c.client.Get(ctx, locationKey(responderID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}
