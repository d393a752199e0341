package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if the caller still owns it, so a
// holder whose TTL expired cannot release a successor's lock.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RequestLock is the per-request acceptance lock: acquire-if-absent with a
// bounded TTL, scoped to exactly one request id. It short-circuits late
// accept attempts cheaply; row-level conditional updates remain the
// correctness mechanism.
type RequestLock struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewRequestLock(r *Redis, ttl time.Duration) *RequestLock {
	return &RequestLock{client: r.Client, ttl: ttl}
}

func lockKey(requestID uuid.UUID) string {
	return fmt.Sprintf("request:lock:%s", requestID)
}

// Acquire attempts to take the lock. On success it returns an owner token
// that must be presented to Release.
func (l *RequestLock) Acquire(ctx context.Context, requestID uuid.UUID) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, lockKey(requestID), token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if token still owns it.
func (l *RequestLock) Release(ctx context.Context, requestID uuid.UUID, token string) error {
	return releaseScript.Run(ctx, l.client, []string{lockKey(requestID)}, token).Err()
}
