package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// CandidateCache remembers, per request, which responders received the
// broadcast, in rank order. TTL'd to the matching window; consumers must
// treat an empty set as "nobody to notify", never as an error.
type CandidateCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewCandidateCache(r *Redis, ttl time.Duration) *CandidateCache {
	return &CandidateCache{client: r.Client, ttl: ttl}
}

func candidateKey(requestID uuid.UUID) string {
	return fmt.Sprintf("request:candidates:%s", requestID)
}

// Set replaces the candidate set for a request.
func (c *CandidateCache) Set(ctx context.Context, requestID uuid.UUID, responderIDs []uuid.UUID) error {
	b, err := json.Marshal(responderIDs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, candidateKey(requestID), b, c.ttl).Err()
}

// Add appends responders not already in the set, preserving order, and
// refreshes the TTL. Returns the ids that were actually new.
func (c *CandidateCache) Add(ctx context.Context, requestID uuid.UUID, responderIDs []uuid.UUID) ([]uuid.UUID, error) {
	existing, err := c.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	var added []uuid.UUID
	for _, id := range responderIDs {
		if !seen[id] {
			seen[id] = true
			existing = append(existing, id)
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := c.Set(ctx, requestID, existing); err != nil {
		return nil, err
	}
	return added, nil
}

// Get returns the candidate set, empty on a miss.
func (c *CandidateCache) Get(ctx context.Context, requestID uuid.UUID) ([]uuid.UUID, error) {
	data, err := c.client.Get(ctx, candidateKey(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
