package arbiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrescue/dispatch/internal/cache"
	"github.com/openrescue/dispatch/internal/messages"
	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/internal/routing"
	"github.com/openrescue/dispatch/pkg/e"
)

type fakeLifecycle struct {
	acceptReq   *models.EmergencyRequest
	acceptErr   error
	acceptCalls int
	rejections  []uuid.UUID
}

func (f *fakeLifecycle) TryAccept(_ context.Context, _, _ uuid.UUID) (*models.EmergencyRequest, error) {
	f.acceptCalls++
	return f.acceptReq, f.acceptErr
}

func (f *fakeLifecycle) RecordRejection(_ context.Context, _, responderID uuid.UUID) error {
	f.rejections = append(f.rejections, responderID)
	return nil
}

type fakeLock struct {
	mu       sync.Mutex
	acquired bool
	held     bool
	releases chan string
}

func newFakeLock(acquired bool) *fakeLock {
	return &fakeLock{acquired: acquired, releases: make(chan string, 4)}
}

func (f *fakeLock) Acquire(_ context.Context, _ uuid.UUID) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.acquired {
		return "", false, nil
	}
	f.held = true
	return "token", true, nil
}

func (f *fakeLock) Release(_ context.Context, _ uuid.UUID, token string) error {
	f.mu.Lock()
	f.held = false
	f.mu.Unlock()
	f.releases <- token
	return nil
}

type sentMessage struct {
	target uuid.UUID
	mtype  string
	data   any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeNotifier) Notify(_ context.Context, target uuid.UUID, messageType string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{target: target, mtype: messageType, data: data})
	return nil
}

func (f *fakeNotifier) sentTo(target uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, m := range f.sent {
		if m.target == target {
			types = append(types, m.mtype)
		}
	}
	return types
}

type fakeCandidates struct {
	ids []uuid.UUID
}

func (f *fakeCandidates) Get(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	return f.ids, nil
}

type fakeLocations struct {
	locs map[uuid.UUID]cache.Location
}

func (f *fakeLocations) Get(_ context.Context, responderID uuid.UUID) (*cache.Location, error) {
	if loc, ok := f.locs[responderID]; ok {
		return &loc, nil
	}
	return nil, nil
}

func acceptedRequest(requesterID, responderID uuid.UUID) *models.EmergencyRequest {
	return &models.EmergencyRequest{
		ID:          uuid.New(),
		RequesterID: requesterID,
		ServiceType: models.ServiceMedical,
		Coordinate:  models.Coordinate{Lat: 27.7172, Lng: 85.3240},
		Status:      models.StatusAccepted,
		ResponderID: &responderID,
	}
}

func TestAcceptLockContentionSkipsDatabase(t *testing.T) {
	responder := uuid.New()
	lifecycle := &fakeLifecycle{}
	lock := newFakeLock(false)
	notifier := &fakeNotifier{}

	a := New(lifecycle, lock, &fakeCandidates{}, &fakeLocations{}, notifier,
		routing.NewHaversinePlanner(), clockwork.NewFakeClock(), 2*time.Second)

	err := a.Accept(context.Background(), uuid.New(), responder)
	require.NoError(t, err)

	assert.Equal(t, 0, lifecycle.acceptCalls, "contended lock must not reach the database")
	assert.Equal(t, []string{messages.TypeAlreadyTaken}, notifier.sentTo(responder))
}

func TestAcceptLostRaceReleasesLock(t *testing.T) {
	responder := uuid.New()
	lifecycle := &fakeLifecycle{acceptErr: e.ErrNoLongerPending}
	lock := newFakeLock(true)
	notifier := &fakeNotifier{}

	a := New(lifecycle, lock, &fakeCandidates{}, &fakeLocations{}, notifier,
		routing.NewHaversinePlanner(), clockwork.NewFakeClock(), 2*time.Second)

	err := a.Accept(context.Background(), uuid.New(), responder)
	require.NoError(t, err)

	select {
	case <-lock.releases:
	default:
		t.Fatal("lock should be released immediately after a lost race")
	}
	assert.Equal(t, []string{messages.TypeAlreadyTaken}, notifier.sentTo(responder))
}

func TestAcceptWinNotifiesEveryone(t *testing.T) {
	requester := uuid.New()
	winner := uuid.New()
	loserA := uuid.New()
	loserB := uuid.New()

	req := acceptedRequest(requester, winner)
	lifecycle := &fakeLifecycle{acceptReq: req}
	lock := newFakeLock(true)
	notifier := &fakeNotifier{}
	clock := clockwork.NewFakeClock()

	a := New(lifecycle, lock,
		&fakeCandidates{ids: []uuid.UUID{winner, loserA, loserB}},
		&fakeLocations{locs: map[uuid.UUID]cache.Location{
			winner: {Coordinate: models.Coordinate{Lat: 27.70, Lng: 85.32}},
		}},
		notifier, routing.NewHaversinePlanner(), clock, 2*time.Second)

	err := a.Accept(context.Background(), req.ID, winner)
	require.NoError(t, err)

	assert.Equal(t, []string{messages.TypeAcceptConfirmed}, notifier.sentTo(winner))
	assert.Equal(t, []string{messages.TypeAcceptConfirmed}, notifier.sentTo(requester))
	assert.Equal(t, []string{messages.TypeRequestTaken}, notifier.sentTo(loserA))
	assert.Equal(t, []string{messages.TypeRequestTaken}, notifier.sentTo(loserB))

	// The winner's confirmation carries a route from their cached position.
	var confirmed messages.AcceptConfirmed
	for _, m := range notifier.sent {
		if m.target == winner {
			confirmed = m.data.(messages.AcceptConfirmed)
		}
	}
	require.NotNil(t, confirmed.Route)
	assert.Greater(t, confirmed.Route.DistanceKm, 0.0)

	// Lock stays held through the holdover, then releases.
	select {
	case <-lock.releases:
		t.Fatal("lock released before holdover elapsed")
	default:
	}
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	select {
	case token := <-lock.releases:
		assert.Equal(t, "token", token)
	case <-time.After(time.Second):
		t.Fatal("lock not released after holdover")
	}
}

func TestRejectRecordsAndConfirms(t *testing.T) {
	responder := uuid.New()
	requestID := uuid.New()
	lifecycle := &fakeLifecycle{}
	notifier := &fakeNotifier{}

	a := New(lifecycle, newFakeLock(true), &fakeCandidates{}, &fakeLocations{}, notifier,
		routing.NewHaversinePlanner(), clockwork.NewFakeClock(), 2*time.Second)

	err := a.Reject(context.Background(), requestID, responder)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{responder}, lifecycle.rejections)
	assert.Equal(t, []string{messages.TypeRejectConfirmed}, notifier.sentTo(responder))
}
