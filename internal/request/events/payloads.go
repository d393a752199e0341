package events

import (
	"time"

	"github.com/openrescue/dispatch/internal/models"
)

// Outbox event types for the emergency_request aggregate.
const (
	TypeCreated     = "created"
	TypeAccepted    = "accepted"
	TypeCancelled   = "cancelled"
	TypeCompleted   = "completed"
	TypeNoProviders = "no_providers"
)

// CreatedPayload is the payload for a created event.
type CreatedPayload struct {
	RequestID    string            `json:"request_id"`
	RequesterID  string            `json:"requester_id"`
	ServiceType  string            `json:"service_type"`
	Description  string            `json:"description,omitempty"`
	Coordinate   models.Coordinate `json:"coordinate"`
	Status       string            `json:"status"`
	SearchRadius int               `json:"search_radius"`
	MustAcceptBy time.Time         `json:"must_accept_by"`
}

// AcceptedPayload is the payload for an accepted event.
type AcceptedPayload struct {
	RequestID     string    `json:"request_id"`
	ResponderID   string    `json:"responder_id"`
	AcceptedAt    time.Time `json:"accepted_at"`
	MustConnectBy time.Time `json:"must_connect_by"`
}

// CancelledPayload is the payload for a cancelled event.
type CancelledPayload struct {
	RequestID   string    `json:"request_id"`
	CancelledBy string    `json:"cancelled_by"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// CompletedPayload is the payload for a completed event.
type CompletedPayload struct {
	RequestID   string    `json:"request_id"`
	ResponderID string    `json:"responder_id,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// NoProvidersPayload is the payload for a no_providers event.
type NoProvidersPayload struct {
	RequestID   string    `json:"request_id"`
	FinalRadius int       `json:"final_radius"`
	FailedAt    time.Time `json:"failed_at"`
}
