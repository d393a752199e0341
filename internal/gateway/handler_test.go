package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrescue/dispatch/internal/cache"
	"github.com/openrescue/dispatch/internal/messages"
	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/pkg/e"
)

type fakeLifecycle struct {
	created    *models.EmergencyRequest
	createErr  error
	connected  *models.EmergencyRequest
	connectErr error
	cancelled  *models.EmergencyRequest
	cancelErr  error
	updates    []models.StatusUpdateKind
}

func (f *fakeLifecycle) Create(_ context.Context, _ uuid.UUID, _ models.ServiceType, _ models.Coordinate, _ string) (*models.EmergencyRequest, error) {
	return f.created, f.createErr
}

func (f *fakeLifecycle) Get(_ context.Context, id uuid.UUID) (*models.EmergencyRequest, error) {
	if f.created != nil && f.created.ID == id {
		return f.created, nil
	}
	return nil, e.ErrNotFound
}

func (f *fakeLifecycle) ConfirmConnected(_ context.Context, _, _ uuid.UUID) (*models.EmergencyRequest, error) {
	return f.connected, f.connectErr
}

func (f *fakeLifecycle) ApplyStatusUpdate(_ context.Context, _, _ uuid.UUID, kind models.StatusUpdateKind, _ string) error {
	f.updates = append(f.updates, kind)
	return nil
}

func (f *fakeLifecycle) Cancel(_ context.Context, _, _ uuid.UUID) (*models.EmergencyRequest, error) {
	return f.cancelled, f.cancelErr
}

type fakeAccepter struct {
	accepts []uuid.UUID
	rejects []uuid.UUID
}

func (f *fakeAccepter) Accept(_ context.Context, requestID, _ uuid.UUID) error {
	f.accepts = append(f.accepts, requestID)
	return nil
}

func (f *fakeAccepter) Reject(_ context.Context, requestID, _ uuid.UUID) error {
	f.rejects = append(f.rejects, requestID)
	return nil
}

type fakeDirectory struct {
	responder *models.Responder
}

func (f *fakeDirectory) GetResponder(_ context.Context, _ uuid.UUID) (*models.Responder, error) {
	if f.responder == nil {
		return nil, e.ErrNotFound
	}
	return f.responder, nil
}

type fakeLocations struct {
	sets map[uuid.UUID]cache.Location
}

func (f *fakeLocations) Set(_ context.Context, responderID uuid.UUID, loc cache.Location) error {
	if f.sets == nil {
		f.sets = make(map[uuid.UUID]cache.Location)
	}
	f.sets[responderID] = loc
	return nil
}

type userSend struct {
	userID uuid.UUID
	mtype  string
	data   any
}

type roomSend struct {
	requestID uuid.UUID
	mtype     string
	data      any
}

type fakeSender struct {
	userSends   []userSend
	roomSends   []roomSend
	joined      []uuid.UUID
	closedRooms []uuid.UUID
}

func (f *fakeSender) SendToUser(userID uuid.UUID, messageType string, data any) error {
	f.userSends = append(f.userSends, userSend{userID: userID, mtype: messageType, data: data})
	return nil
}

func (f *fakeSender) SendToRoom(requestID uuid.UUID, _ *Connection, messageType string, data any) error {
	f.roomSends = append(f.roomSends, roomSend{requestID: requestID, mtype: messageType, data: data})
	return nil
}

func (f *fakeSender) JoinRoom(requestID, _ uuid.UUID) {
	f.joined = append(f.joined, requestID)
}

func (f *fakeSender) CloseRoom(requestID uuid.UUID) {
	f.closedRooms = append(f.closedRooms, requestID)
}

func testConn(userID uuid.UUID) *Connection {
	return &Connection{
		ID:     uuid.New().String(),
		UserID: userID,
		Send:   make(chan []byte, 8),
		done:   make(chan struct{}),
	}
}

func envelope(t *testing.T, messageType string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	b, err := json.Marshal(Envelope{Type: messageType, Data: raw})
	require.NoError(t, err)
	return b
}

func readReply(t *testing.T, conn *Connection) Envelope {
	t.Helper()
	select {
	case payload := <-conn.Send:
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no reply on connection")
		return Envelope{}
	}
}

func newTestHandler(lifecycle *fakeLifecycle, accepter *fakeAccepter, directory *fakeDirectory, locations *fakeLocations, sender *fakeSender) *Handler {
	return NewHandler(lifecycle, accepter, directory, locations, sender)
}

func TestHandleCreateRequest(t *testing.T) {
	requester := uuid.New()
	created := &models.EmergencyRequest{
		ID:          uuid.New(),
		RequesterID: requester,
		ServiceType: models.ServiceMedical,
		Status:      models.StatusPending,
	}
	lifecycle := &fakeLifecycle{created: created}
	sender := &fakeSender{}
	h := newTestHandler(lifecycle, &fakeAccepter{}, &fakeDirectory{}, &fakeLocations{}, sender)

	conn := testConn(requester)
	h.Handle(context.Background(), conn, envelope(t, messages.TypeCreateRequest, messages.CreateRequest{
		RequesterID: requester,
		ServiceType: "medical",
		Coordinate:  models.Coordinate{Lat: 27.7, Lng: 85.3},
	}))

	reply := readReply(t, conn)
	assert.Equal(t, messages.TypeRequestCreated, reply.Type)
	assert.Equal(t, []uuid.UUID{created.ID}, sender.joined)
}

func TestHandleCreateRejectsUnknownServiceType(t *testing.T) {
	h := newTestHandler(&fakeLifecycle{}, &fakeAccepter{}, &fakeDirectory{}, &fakeLocations{}, &fakeSender{})

	conn := testConn(uuid.New())
	h.Handle(context.Background(), conn, envelope(t, messages.TypeCreateRequest, messages.CreateRequest{
		RequesterID: uuid.New(),
		ServiceType: "plumbing",
		Coordinate:  models.Coordinate{Lat: 27.7, Lng: 85.3},
	}))

	reply := readReply(t, conn)
	require.Equal(t, messages.TypeError, reply.Type)
	var errMsg messages.Error
	require.NoError(t, json.Unmarshal(reply.Data, &errMsg))
	assert.Equal(t, "invalid-request", errMsg.Reason)
}

func TestHandleAcceptDelegatesToArbiter(t *testing.T) {
	accepter := &fakeAccepter{}
	h := newTestHandler(&fakeLifecycle{}, accepter, &fakeDirectory{}, &fakeLocations{}, &fakeSender{})

	requestID := uuid.New()
	conn := testConn(uuid.New())
	h.Handle(context.Background(), conn, envelope(t, messages.TypeAcceptRequest, messages.AcceptRequest{
		RequestID:   requestID,
		ResponderID: uuid.New(),
	}))

	assert.Equal(t, []uuid.UUID{requestID}, accepter.accepts)
	assert.Empty(t, conn.Send)
}

func TestHandleProviderConnectSuccess(t *testing.T) {
	requester := uuid.New()
	responder := uuid.New()
	req := &models.EmergencyRequest{
		ID:          uuid.New(),
		RequesterID: requester,
		Status:      models.StatusInProgress,
		ResponderID: &responder,
	}
	lifecycle := &fakeLifecycle{connected: req}
	directory := &fakeDirectory{responder: &models.Responder{
		ID: responder, Name: "Unit 12", ServiceType: models.ServiceMedical,
	}}
	sender := &fakeSender{}
	h := newTestHandler(lifecycle, &fakeAccepter{}, directory, &fakeLocations{}, sender)

	conn := testConn(responder)
	h.Handle(context.Background(), conn, envelope(t, messages.TypeProviderConnect, messages.ProviderConnect{
		RequestID:   req.ID,
		ResponderID: responder,
	}))

	reply := readReply(t, conn)
	assert.Equal(t, messages.TypeConnectionConfirmed, reply.Type)
	assert.Equal(t, []uuid.UUID{req.ID}, sender.joined)

	require.Len(t, sender.userSends, 1)
	assert.Equal(t, requester, sender.userSends[0].userID)
	assert.Equal(t, messages.TypeConnectionEstablished, sender.userSends[0].mtype)
	established := sender.userSends[0].data.(messages.ConnectionEstablished)
	require.NotNil(t, established.Responder)
	assert.Equal(t, "Unit 12", established.Responder.Name)
}

func TestHandleProviderConnectRejectsStranger(t *testing.T) {
	lifecycle := &fakeLifecycle{connectErr: e.ErrNotAssigned}
	h := newTestHandler(lifecycle, &fakeAccepter{}, &fakeDirectory{}, &fakeLocations{}, &fakeSender{})

	conn := testConn(uuid.New())
	h.Handle(context.Background(), conn, envelope(t, messages.TypeProviderConnect, messages.ProviderConnect{
		RequestID:   uuid.New(),
		ResponderID: uuid.New(),
	}))

	reply := readReply(t, conn)
	require.Equal(t, messages.TypeConnectionRejected, reply.Type)
	var rejected messages.ConnectionRejected
	require.NoError(t, json.Unmarshal(reply.Data, &rejected))
	assert.Equal(t, messages.ReasonNotAssigned, rejected.Reason)
}

func TestHandleProviderConnectUnknownRequest(t *testing.T) {
	lifecycle := &fakeLifecycle{connectErr: e.ErrNotFound}
	h := newTestHandler(lifecycle, &fakeAccepter{}, &fakeDirectory{}, &fakeLocations{}, &fakeSender{})

	conn := testConn(uuid.New())
	h.Handle(context.Background(), conn, envelope(t, messages.TypeProviderConnect, messages.ProviderConnect{
		RequestID:   uuid.New(),
		ResponderID: uuid.New(),
	}))

	reply := readReply(t, conn)
	require.Equal(t, messages.TypeConnectionRejected, reply.Type)
	var rejected messages.ConnectionRejected
	require.NoError(t, json.Unmarshal(reply.Data, &rejected))
	assert.Equal(t, messages.ReasonNotFound, rejected.Reason)
}

func TestHandleLocationUpdateRelaysAndCaches(t *testing.T) {
	responder := uuid.New()
	requestID := uuid.New()
	locations := &fakeLocations{}
	sender := &fakeSender{}
	h := newTestHandler(&fakeLifecycle{}, &fakeAccepter{}, &fakeDirectory{}, locations, sender)

	conn := testConn(responder)
	h.Handle(context.Background(), conn, envelope(t, messages.TypeLocationUpdate, messages.LocationUpdate{
		RequestID:   requestID,
		ResponderID: responder,
		Coordinate:  models.Coordinate{Lat: 27.71, Lng: 85.32},
		Timestamp:   time.Now(),
	}))

	require.Len(t, sender.roomSends, 1)
	assert.Equal(t, requestID, sender.roomSends[0].requestID)
	assert.Equal(t, messages.TypeProviderLocation, sender.roomSends[0].mtype)

	loc, ok := locations.sets[responder]
	require.True(t, ok)
	assert.Equal(t, 27.71, loc.Coordinate.Lat)
	require.NotNil(t, loc.RequestID)
	assert.Equal(t, requestID, *loc.RequestID)
}

func TestHandleLocationUpdateRejectsBadCoordinates(t *testing.T) {
	locations := &fakeLocations{}
	h := newTestHandler(&fakeLifecycle{}, &fakeAccepter{}, &fakeDirectory{}, locations, &fakeSender{})

	conn := testConn(uuid.New())
	h.Handle(context.Background(), conn, envelope(t, messages.TypeLocationUpdate, messages.LocationUpdate{
		ResponderID: uuid.New(),
		Coordinate:  models.Coordinate{Lat: 95, Lng: 85.32},
	}))

	reply := readReply(t, conn)
	require.Equal(t, messages.TypeError, reply.Type)
	var errMsg messages.Error
	require.NoError(t, json.Unmarshal(reply.Data, &errMsg))
	assert.Equal(t, "invalid-coordinates", errMsg.Reason)
	assert.Empty(t, locations.sets)
}

func TestHandleStatusUpdateCompletedClosesRoom(t *testing.T) {
	requestID := uuid.New()
	lifecycle := &fakeLifecycle{}
	sender := &fakeSender{}
	h := newTestHandler(lifecycle, &fakeAccepter{}, &fakeDirectory{}, &fakeLocations{}, sender)

	conn := testConn(uuid.New())
	h.Handle(context.Background(), conn, envelope(t, messages.TypeStatusUpdate, messages.StatusUpdate{
		RequestID:   requestID,
		ResponderID: uuid.New(),
		Update:      "completed",
	}))

	assert.Equal(t, []models.StatusUpdateKind{models.UpdateCompleted}, lifecycle.updates)
	require.Len(t, sender.roomSends, 1)
	assert.Equal(t, messages.TypeStatusUpdated, sender.roomSends[0].mtype)
	assert.Equal(t, []uuid.UUID{requestID}, sender.closedRooms)
}

func TestHandleCancelNotifiesAssignedResponder(t *testing.T) {
	requester := uuid.New()
	responder := uuid.New()
	requestID := uuid.New()
	lifecycle := &fakeLifecycle{cancelled: &models.EmergencyRequest{
		ID:          requestID,
		RequesterID: requester,
		Status:      models.StatusAccepted,
		ResponderID: &responder,
	}}
	sender := &fakeSender{}
	h := newTestHandler(lifecycle, &fakeAccepter{}, &fakeDirectory{}, &fakeLocations{}, sender)

	conn := testConn(requester)
	h.Handle(context.Background(), conn, envelope(t, messages.TypeCancelRequest, messages.CancelRequest{
		RequestID: requestID,
		UserID:    requester,
	}))

	reply := readReply(t, conn)
	assert.Equal(t, messages.TypeRequestCancelled, reply.Type)

	require.Len(t, sender.userSends, 1)
	assert.Equal(t, responder, sender.userSends[0].userID)
	assert.Equal(t, messages.TypeRequestCancelled, sender.userSends[0].mtype)
	assert.Equal(t, []uuid.UUID{requestID}, sender.closedRooms)
}

func TestHandleUnknownMessageType(t *testing.T) {
	h := newTestHandler(&fakeLifecycle{}, &fakeAccepter{}, &fakeDirectory{}, &fakeLocations{}, &fakeSender{})

	conn := testConn(uuid.New())
	h.Handle(context.Background(), conn, []byte(`{"type":"warp_drive","data":{}}`))

	reply := readReply(t, conn)
	require.Equal(t, messages.TypeError, reply.Type)
	var errMsg messages.Error
	require.NoError(t, json.Unmarshal(reply.Data, &errMsg))
	assert.Equal(t, "unknown-message-type", errMsg.Reason)
}
