package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openrescue/dispatch/internal/cache"
	"github.com/openrescue/dispatch/internal/messages"
	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/pkg/e"
)

// Lifecycle is what the handler needs from the request application layer.
type Lifecycle interface {
	Create(ctx context.Context, requesterID uuid.UUID, serviceType models.ServiceType, coord models.Coordinate, description string) (*models.EmergencyRequest, error)
	Get(ctx context.Context, id uuid.UUID) (*models.EmergencyRequest, error)
	ConfirmConnected(ctx context.Context, id, responderID uuid.UUID) (*models.EmergencyRequest, error)
	ApplyStatusUpdate(ctx context.Context, id, responderID uuid.UUID, kind models.StatusUpdateKind, description string) error
	Cancel(ctx context.Context, id, byUserID uuid.UUID) (*models.EmergencyRequest, error)
}

// Accepter decides acceptance races.
type Accepter interface {
	Accept(ctx context.Context, requestID, responderID uuid.UUID) error
	Reject(ctx context.Context, requestID, responderID uuid.UUID) error
}

// Directory resolves responder records for connection notices.
type Directory interface {
	GetResponder(ctx context.Context, id uuid.UUID) (*models.Responder, error)
}

// Locations is the live-tracking location sink.
type Locations interface {
	Set(ctx context.Context, responderID uuid.UUID, loc cache.Location) error
}

// Sender is the outbound half of the connection manager.
type Sender interface {
	SendToUser(userID uuid.UUID, messageType string, data any) error
	SendToRoom(requestID uuid.UUID, exclude *Connection, messageType string, data any) error
	JoinRoom(requestID, userID uuid.UUID)
	CloseRoom(requestID uuid.UUID)
}

// Handler routes inbound client envelopes to the dispatch components and
// frames the replies.
type Handler struct {
	lifecycle Lifecycle
	accepter  Accepter
	directory Directory
	locations Locations
	sender    Sender
	validate  *validator.Validate
}

func NewHandler(lifecycle Lifecycle, accepter Accepter, directory Directory, locations Locations, sender Sender) *Handler {
	return &Handler{
		lifecycle: lifecycle,
		accepter:  accepter,
		directory: directory,
		locations: locations,
		sender:    sender,
		validate:  validator.New(),
	}
}

// Handle processes one inbound client message. Failures are reported back to
// the sending connection; they never close it.
func (h *Handler) Handle(ctx context.Context, conn *Connection, raw []byte) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		h.reply(conn, messages.TypeError, messages.Error{Reason: "malformed-envelope"})
		return
	}

	var err error
	switch envelope.Type {
	case messages.TypeCreateRequest:
		err = h.handleCreate(ctx, conn, envelope.Data)
	case messages.TypeAcceptRequest:
		err = h.handleAccept(ctx, conn, envelope.Data)
	case messages.TypeRejectRequest:
		err = h.handleReject(ctx, conn, envelope.Data)
	case messages.TypeProviderConnect:
		err = h.handleProviderConnect(ctx, conn, envelope.Data)
	case messages.TypeLocationUpdate:
		err = h.handleLocationUpdate(ctx, conn, envelope.Data)
	case messages.TypeStatusUpdate:
		err = h.handleStatusUpdate(ctx, conn, envelope.Data)
	case messages.TypeCancelRequest:
		err = h.handleCancel(ctx, conn, envelope.Data)
	default:
		h.reply(conn, messages.TypeError, messages.Error{Reason: "unknown-message-type"})
		return
	}

	if err != nil {
		log.Warn().Err(err).
			Str("message_type", envelope.Type).
			Str("user_id", conn.UserID.String()).
			Msg("client message failed")
		h.reply(conn, messages.TypeError, messages.Error{Reason: reasonFor(err)})
	}
}

func (h *Handler) handleCreate(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var msg messages.CreateRequest
	if err := h.decode(data, &msg); err != nil {
		return err
	}

	req, err := h.lifecycle.Create(ctx, msg.RequesterID, models.ServiceType(msg.ServiceType), msg.Coordinate, msg.Description)
	if err != nil {
		return err
	}

	// The requester's connections join the request room now, so the live
	// channel is ready before any responder connects.
	h.sender.JoinRoom(req.ID, msg.RequesterID)
	h.reply(conn, messages.TypeRequestCreated, req)
	return nil
}

func (h *Handler) handleAccept(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var msg messages.AcceptRequest
	if err := h.decode(data, &msg); err != nil {
		return err
	}
	return h.accepter.Accept(ctx, msg.RequestID, msg.ResponderID)
}

func (h *Handler) handleReject(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var msg messages.RejectRequest
	if err := h.decode(data, &msg); err != nil {
		return err
	}
	return h.accepter.Reject(ctx, msg.RequestID, msg.ResponderID)
}

func (h *Handler) handleProviderConnect(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var msg messages.ProviderConnect
	if err := h.decode(data, &msg); err != nil {
		return err
	}

	req, err := h.lifecycle.ConfirmConnected(ctx, msg.RequestID, msg.ResponderID)
	if err != nil {
		switch {
		case errors.Is(err, e.ErrNotFound):
			h.reply(conn, messages.TypeConnectionRejected, messages.ConnectionRejected{
				RequestID: msg.RequestID, Reason: messages.ReasonNotFound,
			})
			return nil
		case errors.Is(err, e.ErrNotAssigned), errors.Is(err, e.ErrWrongState):
			h.reply(conn, messages.TypeConnectionRejected, messages.ConnectionRejected{
				RequestID: msg.RequestID, Reason: messages.ReasonNotAssigned,
			})
			return nil
		}
		return err
	}

	h.sender.JoinRoom(req.ID, msg.ResponderID)
	h.reply(conn, messages.TypeConnectionConfirmed, messages.ConnectionConfirmed{RequestID: req.ID})

	established := messages.ConnectionEstablished{RequestID: req.ID, ResponderID: msg.ResponderID}
	if resp, err := h.directory.GetResponder(ctx, msg.ResponderID); err == nil {
		established.Responder = &messages.Responder{
			ID:          resp.ID,
			Name:        resp.Name,
			ServiceType: string(resp.ServiceType),
		}
	}
	if err := h.sender.SendToUser(req.RequesterID, messages.TypeConnectionEstablished, established); err != nil {
		log.Warn().Err(err).Str("request_id", req.ID.String()).
			Msg("failed to notify requester of connection")
	}
	return nil
}

func (h *Handler) handleLocationUpdate(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var msg messages.LocationUpdate
	if err := h.decode(data, &msg); err != nil {
		return err
	}
	if !msg.Coordinate.Valid() {
		return e.ErrInvalidCoords
	}

	if msg.RequestID != uuid.Nil {
		err := h.sender.SendToRoom(msg.RequestID, conn, messages.TypeProviderLocation, messages.ProviderLocation{
			ResponderID: msg.ResponderID,
			Coordinate:  msg.Coordinate,
			Timestamp:   msg.Timestamp,
		})
		if err != nil {
			log.Debug().Err(err).Str("request_id", msg.RequestID.String()).
				Msg("failed to relay provider location")
		}
	}

	// Cache write is best-effort; live tracking must survive a cache outage.
	var reqID *uuid.UUID
	if msg.RequestID != uuid.Nil {
		reqID = &msg.RequestID
	}
	if err := h.locations.Set(ctx, msg.ResponderID, cache.Location{
		Coordinate: msg.Coordinate,
		ReportedAt: msg.Timestamp,
		RequestID:  reqID,
	}); err != nil {
		log.Debug().Err(err).Str("responder_id", msg.ResponderID.String()).
			Msg("failed to cache responder location")
	}
	return nil
}

func (h *Handler) handleStatusUpdate(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var msg messages.StatusUpdate
	if err := h.decode(data, &msg); err != nil {
		return err
	}

	kind := models.StatusUpdateKind(msg.Update)
	if err := h.lifecycle.ApplyStatusUpdate(ctx, msg.RequestID, msg.ResponderID, kind, msg.Description); err != nil {
		return err
	}

	if err := h.sender.SendToRoom(msg.RequestID, conn, messages.TypeStatusUpdated, messages.StatusUpdated{
		RequestID:   msg.RequestID,
		ResponderID: msg.ResponderID,
		Update:      msg.Update,
		Description: msg.Description,
	}); err != nil {
		log.Debug().Err(err).Str("request_id", msg.RequestID.String()).
			Msg("failed to relay status update")
	}

	switch kind {
	case models.UpdateCompleted:
		h.sender.CloseRoom(msg.RequestID)
	case models.UpdateRejected:
		// The assignment was released; tell the requester the search is
		// back on.
		if req, err := h.lifecycle.Get(ctx, msg.RequestID); err == nil {
			_ = h.sender.SendToUser(req.RequesterID, messages.TypeResponderUnavailable,
				messages.ResponderUnavailable{RequestID: msg.RequestID, ResponderID: msg.ResponderID})
		}
	}
	return nil
}

func (h *Handler) handleCancel(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var msg messages.CancelRequest
	if err := h.decode(data, &msg); err != nil {
		return err
	}

	snapshot, err := h.lifecycle.Cancel(ctx, msg.RequestID, msg.UserID)
	if err != nil {
		return err
	}

	if snapshot.ResponderID != nil {
		if err := h.sender.SendToUser(*snapshot.ResponderID, messages.TypeRequestCancelled,
			messages.RequestCancelled{RequestID: msg.RequestID}); err != nil {
			log.Warn().Err(err).Str("request_id", msg.RequestID.String()).
				Msg("failed to notify responder of cancellation")
		}
	}
	h.reply(conn, messages.TypeRequestCancelled, messages.RequestCancelled{RequestID: msg.RequestID})
	h.sender.CloseRoom(msg.RequestID)
	return nil
}

func (h *Handler) decode(data json.RawMessage, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return e.Wrap("decode message", e.ErrInvalidInput)
	}
	if err := h.validate.Struct(out); err != nil {
		return e.Wrap(err.Error(), e.ErrInvalidInput)
	}
	return nil
}

// reply pushes a typed envelope straight to one connection, bypassing the
// broadcast loop.
func (h *Handler) reply(conn *Connection, messageType string, data any) {
	payload, err := encode(messageType, data)
	if err != nil {
		log.Error().Err(err).Str("message_type", messageType).Msg("failed to encode reply")
		return
	}
	select {
	case conn.Send <- payload:
	case <-conn.done:
	default:
		log.Warn().Str("connection_id", conn.ID).Msg("reply dropped, send buffer full")
	}
}

// reasonFor maps the error taxonomy onto client-facing reason strings.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, e.ErrInvalidCoords):
		return "invalid-coordinates"
	case errors.Is(err, e.ErrInvalidService):
		return "invalid-service-type"
	case errors.Is(err, e.ErrInvalidInput):
		return "invalid-request"
	case errors.Is(err, e.ErrNotFound):
		return messages.ReasonNotFound
	case errors.Is(err, e.ErrNotAssigned):
		return "not-authorized"
	case errors.Is(err, e.ErrNoLongerPending), errors.Is(err, e.ErrWrongState):
		return "request-unavailable"
	default:
		return "internal"
	}
}
