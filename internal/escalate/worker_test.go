package escalate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrescue/dispatch/internal/match"
	"github.com/openrescue/dispatch/internal/messages"
	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/internal/request"
	"github.com/openrescue/dispatch/pkg/e"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	overdue  []models.EmergencyRequest
	outcome  *request.EscalationOutcome
	err      error
	sweeps   chan struct{}
	escCalls []uuid.UUID
}

func (f *fakeLifecycle) FindEscalatable(_ context.Context, _ int32) ([]models.EmergencyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sweeps != nil {
		select {
		case f.sweeps <- struct{}{}:
		default:
		}
	}
	return f.overdue, nil
}

func (f *fakeLifecycle) Escalate(_ context.Context, id uuid.UUID) (*request.EscalationOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escCalls = append(f.escCalls, id)
	return f.outcome, f.err
}

type fakeFinder struct {
	candidates []match.Candidate
	lastRing   int
}

func (f *fakeFinder) FindCandidates(_ context.Context, _ *models.EmergencyRequest, ring int) ([]match.Candidate, error) {
	f.lastRing = ring
	return f.candidates, nil
}

type fakeAdder struct {
	added []uuid.UUID
}

func (f *fakeAdder) Add(_ context.Context, _ uuid.UUID, _ []uuid.UUID) ([]uuid.UUID, error) {
	return f.added, nil
}

type broadcastCall struct {
	candidates []match.Candidate
	escalated  bool
}

type fakeBroadcaster struct {
	calls []broadcastCall
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, _ *models.EmergencyRequest, candidates []match.Candidate, escalated, _ bool, _ *uuid.UUID) {
	f.calls = append(f.calls, broadcastCall{candidates: candidates, escalated: escalated})
}

type notification struct {
	target uuid.UUID
	mtype  string
	data   any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (f *fakeNotifier) Notify(_ context.Context, target uuid.UUID, messageType string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{target: target, mtype: messageType, data: data})
	return nil
}

func candidate() match.Candidate {
	return match.Candidate{Responder: models.Responder{ID: uuid.New()}}
}

func overdueRequest() models.EmergencyRequest {
	return models.EmergencyRequest{
		ID:           uuid.New(),
		RequesterID:  uuid.New(),
		ServiceType:  models.ServiceMedical,
		Status:       models.StatusPending,
		SearchRadius: 1,
	}
}

func TestSweepBroadcastsToFreshCandidatesOnly(t *testing.T) {
	req := overdueRequest()
	escalated := req
	escalated.SearchRadius = 2

	keep := candidate()
	fresh1 := candidate()
	fresh2 := candidate()

	lifecycle := &fakeLifecycle{
		overdue: []models.EmergencyRequest{req},
		outcome: &request.EscalationOutcome{Request: &escalated, NewRadius: 2},
	}
	finder := &fakeFinder{candidates: []match.Candidate{keep, fresh1, fresh2}}
	adder := &fakeAdder{added: []uuid.UUID{fresh1.Responder.ID, fresh2.Responder.ID}}
	broadcaster := &fakeBroadcaster{}
	notifier := &fakeNotifier{}

	w := NewWorker(lifecycle, finder, adder, broadcaster, notifier, DefaultConfig(), clockwork.NewFakeClock())
	w.Sweep(context.Background())

	assert.Equal(t, []uuid.UUID{req.ID}, lifecycle.escCalls)
	assert.Equal(t, 2, finder.lastRing)

	require.Len(t, broadcaster.calls, 1)
	call := broadcaster.calls[0]
	assert.True(t, call.escalated)
	require.Len(t, call.candidates, 2)
	assert.Equal(t, fresh1.Responder.ID, call.candidates[0].Responder.ID)
	assert.Equal(t, fresh2.Responder.ID, call.candidates[1].Responder.ID)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, req.RequesterID, notifier.sent[0].target)
	assert.Equal(t, messages.TypeSearchEscalated, notifier.sent[0].mtype)
	assert.Equal(t, 2, notifier.sent[0].data.(messages.SearchEscalated).Radius)
}

func TestSweepExhaustedNotifiesRequester(t *testing.T) {
	req := overdueRequest()
	req.SearchRadius = 5
	failed := req
	failed.Status = models.StatusNoProviders

	lifecycle := &fakeLifecycle{
		overdue: []models.EmergencyRequest{req},
		outcome: &request.EscalationOutcome{Request: &failed, NewRadius: 5, Exhausted: true},
	}
	broadcaster := &fakeBroadcaster{}
	notifier := &fakeNotifier{}

	w := NewWorker(lifecycle, &fakeFinder{}, &fakeAdder{}, broadcaster, notifier, DefaultConfig(), clockwork.NewFakeClock())
	w.Sweep(context.Background())

	assert.Empty(t, broadcaster.calls)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, messages.TypeNoProviders, notifier.sent[0].mtype)
	assert.Equal(t, req.RequesterID, notifier.sent[0].target)
}

func TestSweepSkipsRequestLostToPeer(t *testing.T) {
	req := overdueRequest()
	lifecycle := &fakeLifecycle{
		overdue: []models.EmergencyRequest{req},
		err:     e.ErrNoLongerPending,
	}
	broadcaster := &fakeBroadcaster{}
	notifier := &fakeNotifier{}

	w := NewWorker(lifecycle, &fakeFinder{}, &fakeAdder{}, broadcaster, notifier, DefaultConfig(), clockwork.NewFakeClock())
	w.Sweep(context.Background())

	assert.Empty(t, broadcaster.calls)
	assert.Empty(t, notifier.sent)
}

func TestWorkerSweepsOnInterval(t *testing.T) {
	lifecycle := &fakeLifecycle{sweeps: make(chan struct{}, 4)}
	clock := clockwork.NewFakeClock()

	w := NewWorker(lifecycle, &fakeFinder{}, &fakeAdder{}, &fakeBroadcaster{}, &fakeNotifier{},
		Config{Interval: 10 * time.Second, BatchSize: 50}, clock)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)

	select {
	case <-lifecycle.sweeps:
	case <-time.After(time.Second):
		t.Fatal("expected a sweep after the interval elapsed")
	}
}
