package models

import (
	"time"

	"github.com/google/uuid"
)

// ServiceType is the closed set of emergency service categories.
type ServiceType string

const (
	ServiceMedical ServiceType = "medical"
	ServicePolice  ServiceType = "police"
	ServiceFire    ServiceType = "fire"
	ServiceRescue  ServiceType = "rescue"
)

// Valid reports whether s is a known service type.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceMedical, ServicePolice, ServiceFire, ServiceRescue:
		return true
	}
	return false
}

// RequestStatus defines the lifecycle status of an emergency request.
type RequestStatus string

const (
	StatusPending     RequestStatus = "pending"
	StatusAccepted    RequestStatus = "accepted"
	StatusInProgress  RequestStatus = "in_progress"
	StatusCompleted   RequestStatus = "completed"
	StatusCancelled   RequestStatus = "cancelled"
	StatusNoProviders RequestStatus = "no_providers_available"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoProviders:
		return true
	}
	return false
}

// Coordinate is a WGS84 point.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is within WGS84 bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// EmergencyRequest is the dispatch aggregate root. It is mutated exclusively
// through request.App operations backed by conditional updates; responder_id
// is non-nil exactly when status is accepted, in_progress or completed.
type EmergencyRequest struct {
	ID           uuid.UUID     `json:"id"`
	RequesterID  uuid.UUID     `json:"requester_id"`
	ServiceType  ServiceType   `json:"service_type"`
	Description  string        `json:"description,omitempty"`
	Coordinate   Coordinate    `json:"coordinate"`
	Cell         string        `json:"cell"`
	SearchRadius int           `json:"search_radius"`
	Status       RequestStatus `json:"status"`
	ResponderID  *uuid.UUID    `json:"responder_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	AcceptBy     time.Time     `json:"accept_by"`
	ConnectBy    *time.Time    `json:"connect_by,omitempty"`
	ConnectedAt  *time.Time    `json:"connected_at,omitempty"`
}

// Responder is a service provider visible to geospatial matching. Cell is
// the denormalized spatial cell of the last reported coordinate.
type Responder struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	ServiceType ServiceType `json:"service_type"`
	Available   bool        `json:"available"`
	Coordinate  Coordinate  `json:"coordinate"`
	Cell        string      `json:"cell"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// StatusUpdateKind is the closed set of responder-reported outcomes that
// applyStatusUpdate bridges onto the request lifecycle.
type StatusUpdateKind string

const (
	UpdateArrived   StatusUpdateKind = "arrived"
	UpdateRejected  StatusUpdateKind = "rejected"
	UpdateCompleted StatusUpdateKind = "completed"
)
