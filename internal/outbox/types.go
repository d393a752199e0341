package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AggregateType identifies the aggregate every outbox event belongs to.
const AggregateType = "emergency_request"

// Status is the publish state of an outbox event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
)

// Event is an append-only record coupling a domain event to the transaction
// that produced it. Rows are inserted in the same transaction as the state
// change they describe and mutated only by the publisher worker.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	RequestID   uuid.UUID       `json:"request_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}
