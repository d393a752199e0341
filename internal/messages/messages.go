// Package messages defines the realtime wire contracts shared between the
// gateway and the dispatch components. The transport frames these as
// {"type": ..., "data": ...} JSON envelopes.
package messages

import (
	"time"

	"github.com/google/uuid"

	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/internal/routing"
)

// Message types sent by clients.
const (
	TypeCreateRequest   = "create_request"
	TypeAcceptRequest   = "accept_request"
	TypeRejectRequest   = "reject_request"
	TypeProviderConnect = "provider_connect"
	TypeLocationUpdate  = "location_update"
	TypeStatusUpdate    = "status_update"
	TypeCancelRequest   = "cancel_request"
)

// Message types sent by the engine.
const (
	TypeRequestCreated        = "request_created"
	TypeNewEmergency          = "new_emergency"
	TypeAcceptConfirmed       = "accept_confirmed"
	TypeAlreadyTaken          = "already_taken"
	TypeRequestTaken          = "request_taken"
	TypeRejectConfirmed       = "reject_confirmed"
	TypeConnectionEstablished = "connection_established"
	TypeConnectionConfirmed   = "connection_confirmed"
	TypeConnectionRejected    = "connection_rejected"
	TypeProviderLocation      = "provider_location"
	TypeResponderUnavailable  = "responder_unavailable"
	TypeSearchEscalated       = "search_escalated"
	TypeNoProviders           = "no_providers_available"
	TypeRequestCancelled      = "request_cancelled"
	TypeStatusUpdated         = "status_updated"
	TypeError                 = "error"
)

// Connection rejection reasons.
const (
	ReasonNotAssigned = "not-assigned"
	ReasonNotFound    = "not-found"
)

// CreateRequest asks the engine to open a new emergency request.
type CreateRequest struct {
	RequesterID uuid.UUID         `json:"requester_id" validate:"required"`
	ServiceType string            `json:"service_type" validate:"required,oneof=medical police fire rescue"`
	Description string            `json:"description,omitempty"`
	Coordinate  models.Coordinate `json:"coordinate"`
}

// AcceptRequest is a responder's attempt to win a request.
type AcceptRequest struct {
	RequestID   uuid.UUID `json:"request_id" validate:"required"`
	ResponderID uuid.UUID `json:"responder_id" validate:"required"`
}

// RejectRequest is a responder's informational decline.
type RejectRequest struct {
	RequestID   uuid.UUID `json:"request_id" validate:"required"`
	ResponderID uuid.UUID `json:"responder_id" validate:"required"`
}

// ProviderConnect asks to join the shared channel for an accepted request.
type ProviderConnect struct {
	RequestID   uuid.UUID `json:"request_id" validate:"required"`
	ResponderID uuid.UUID `json:"responder_id" validate:"required"`
}

// LocationUpdate is a responder's periodic position report.
type LocationUpdate struct {
	RequestID   uuid.UUID         `json:"request_id"`
	ResponderID uuid.UUID         `json:"responder_id" validate:"required"`
	Coordinate  models.Coordinate `json:"coordinate"`
	Timestamp   time.Time         `json:"timestamp"`
}

// StatusUpdate reports a responder-side outcome (arrived/rejected/completed).
type StatusUpdate struct {
	RequestID   uuid.UUID `json:"request_id" validate:"required"`
	ResponderID uuid.UUID `json:"responder_id" validate:"required"`
	Update      string    `json:"update" validate:"required"`
	Description string    `json:"description,omitempty"`
}

// CancelRequest is the requester's cancellation.
type CancelRequest struct {
	RequestID uuid.UUID `json:"request_id" validate:"required"`
	UserID    uuid.UUID `json:"user_id" validate:"required"`
}

// NewEmergency is the broadcast sent to each candidate responder.
type NewEmergency struct {
	RequestID         uuid.UUID         `json:"request_id"`
	ServiceType       string            `json:"service_type"`
	Description       string            `json:"description,omitempty"`
	Coordinate        models.Coordinate `json:"coordinate"`
	DistanceKm        float64           `json:"distance_km"`
	EtaMinutes        float64           `json:"eta_minutes"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Escalated         bool              `json:"escalated"`
	Rebroadcast       bool              `json:"rebroadcast"`
	PreviousResponder *uuid.UUID        `json:"previous_responder,omitempty"`
}

// AcceptConfirmed tells the winner (and the requester) the assignment stands.
type AcceptConfirmed struct {
	RequestID   uuid.UUID                `json:"request_id"`
	ResponderID uuid.UUID                `json:"responder_id"`
	Route       *routing.Route           `json:"route,omitempty"`
	Request     *models.EmergencyRequest `json:"request,omitempty"`
}

// AlreadyTaken tells a losing responder the request is gone.
type AlreadyTaken struct {
	RequestID uuid.UUID `json:"request_id"`
}

// RequestTaken tells the other candidates the request was won by someone.
type RequestTaken struct {
	RequestID uuid.UUID `json:"request_id"`
}

// RejectConfirmed acknowledges an informational rejection.
type RejectConfirmed struct {
	RequestID uuid.UUID `json:"request_id"`
}

// ConnectionEstablished tells the requester their responder is live.
type ConnectionEstablished struct {
	RequestID   uuid.UUID  `json:"request_id"`
	ResponderID uuid.UUID  `json:"responder_id"`
	Responder   *Responder `json:"responder,omitempty"`
}

// Responder is the summary shared with the requester on connection.
type Responder struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	ServiceType string    `json:"service_type"`
}

// ConnectionConfirmed tells the responder they joined the request channel.
type ConnectionConfirmed struct {
	RequestID uuid.UUID `json:"request_id"`
}

// ConnectionRejected refuses a connect attempt.
type ConnectionRejected struct {
	RequestID uuid.UUID `json:"request_id"`
	Reason    string    `json:"reason"`
}

// ProviderLocation is the live-tracking rebroadcast on the shared channel.
type ProviderLocation struct {
	ResponderID uuid.UUID         `json:"responder_id"`
	Coordinate  models.Coordinate `json:"coordinate"`
	Timestamp   time.Time         `json:"timestamp"`
}

// ResponderUnavailable tells the requester their responder went silent and
// the search resumed.
type ResponderUnavailable struct {
	RequestID   uuid.UUID `json:"request_id"`
	ResponderID uuid.UUID `json:"responder_id"`
}

// SearchEscalated tells the requester the ring widened.
type SearchEscalated struct {
	RequestID uuid.UUID `json:"request_id"`
	Radius    int       `json:"radius"`
}

// NoProviders tells the requester the escalation ladder is exhausted.
type NoProviders struct {
	RequestID uuid.UUID `json:"request_id"`
}

// RequestCancelled tells an assigned responder the requester cancelled.
type RequestCancelled struct {
	RequestID uuid.UUID `json:"request_id"`
}

// StatusUpdated relays a responder-reported outcome on the shared channel.
type StatusUpdated struct {
	RequestID   uuid.UUID `json:"request_id"`
	ResponderID uuid.UUID `json:"responder_id"`
	Update      string    `json:"update"`
	Description string    `json:"description,omitempty"`
}

// Error is the generic failure reply to a client message.
type Error struct {
	Reason string `json:"reason"`
}
