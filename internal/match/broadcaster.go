package match

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/openrescue/dispatch/internal/messages"
	"github.com/openrescue/dispatch/internal/models"
	"github.com/openrescue/dispatch/internal/notify"
	"github.com/openrescue/dispatch/internal/routing"
)

// RequestGetter loads a request by id.
type RequestGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*models.EmergencyRequest, error)
}

// CandidateStore remembers which responders received a request's broadcast.
type CandidateStore interface {
	Set(ctx context.Context, requestID uuid.UUID, responderIDs []uuid.UUID) error
}

// Broadcaster consumes created events off the bus, runs the spatial search
// and notifies the found candidates.
type Broadcaster struct {
	requests RequestGetter
	searcher *Searcher
	store    CandidateStore
	notifier notify.Notifier
	planner  routing.Planner
}

func NewBroadcaster(requests RequestGetter, searcher *Searcher, store CandidateStore, notifier notify.Notifier, planner routing.Planner) *Broadcaster {
	return &Broadcaster{
		requests: requests,
		searcher: searcher,
		store:    store,
		notifier: notifier,
		planner:  planner,
	}
}

// HandleCreated processes one request-created event: search, remember the
// candidate set, broadcast. Candidate-set and notification failures are
// logged, not returned; the broadcast is best-effort once the search ran.
func (b *Broadcaster) HandleCreated(ctx context.Context, requestID uuid.UUID) error {
	req, err := b.requests.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status != models.StatusPending {
		log.Debug().Str("request_id", requestID.String()).
			Str("status", string(req.Status)).
			Msg("request left pending before broadcast, skipping")
		return nil
	}

	candidates, ring, err := b.searcher.InitialCandidates(ctx, req)
	if err != nil {
		return fmt.Errorf("search candidates for %s: %w", requestID, err)
	}
	if len(candidates) == 0 {
		log.Info().Str("request_id", requestID.String()).Int("ring", ring).
			Msg("no candidates in initial broadcast, leaving for escalation")
		return nil
	}

	ids := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Responder.ID
	}
	if err := b.store.Set(ctx, requestID, ids); err != nil {
		log.Error().Err(err).Str("request_id", requestID.String()).
			Msg("failed to cache candidate set")
	}

	b.Broadcast(ctx, req, candidates, false, false, nil)

	log.Info().
		Str("request_id", requestID.String()).
		Int("candidates", len(candidates)).
		Int("ring", ring).
		Msg("broadcast sent")
	return nil
}

// Broadcast sends NewEmergency to each candidate. Escalated and rebroadcast
// mark widened-search and post-reclaim resends respectively.
func (b *Broadcaster) Broadcast(ctx context.Context, req *models.EmergencyRequest, candidates []Candidate, escalated, rebroadcast bool, previous *uuid.UUID) {
	for _, c := range candidates {
		eta := 0.0
		if route, err := b.planner.Route(ctx, c.Responder.Coordinate, req.Coordinate); err == nil {
			eta = route.DurationMin
		}
		msg := messages.NewEmergency{
			RequestID:         req.ID,
			ServiceType:       string(req.ServiceType),
			Description:       req.Description,
			Coordinate:        req.Coordinate,
			DistanceKm:        c.DistanceKm,
			EtaMinutes:        eta,
			ExpiresAt:         req.AcceptBy,
			Escalated:         escalated,
			Rebroadcast:       rebroadcast,
			PreviousResponder: previous,
		}
		if err := b.notifier.Notify(ctx, c.Responder.ID, messages.TypeNewEmergency, msg); err != nil {
			log.Warn().Err(err).
				Str("request_id", req.ID.String()).
				Str("responder_id", c.Responder.ID.String()).
				Msg("failed to notify candidate")
		}
	}
}

// ConsumerConfig holds JetStream consumer settings for the broadcaster.
type ConsumerConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string
	MaxDeliver    int
	AckWait       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		URL:           nats.DefaultURL,
		StreamName:    "DISPATCH_EVENTS",
		ConsumerName:  "match-broadcaster",
		SubjectFilter: "dispatch.events.created",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Consumer is the durable JetStream subscription feeding a Broadcaster.
type Consumer struct {
	broadcaster *Broadcaster
	nc          *nats.Conn
	js          jetstream.JetStream
	consumer    jetstream.Consumer
	config      ConsumerConfig
}

func NewConsumer(broadcaster *Broadcaster, config ConsumerConfig) (*Consumer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c := &Consumer{broadcaster: broadcaster, nc: nc, js: js, config: config}
	if err := c.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return c, nil
}

func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	cfg := jetstream.ConsumerConfig{
		Name:          c.config.ConsumerName,
		Durable:       c.config.ConsumerName,
		Description:   "Match broadcaster for created emergency requests",
		FilterSubject: c.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.config.MaxDeliver,
		AckWait:       c.config.AckWait,
	}

	consumer, err := stream.Consumer(ctx, c.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().Str("consumer", c.config.ConsumerName).Msg("created JetStream consumer")
	}
	c.consumer = consumer
	return nil
}

// Start consumes created events until ctx is done. Malformed messages are
// terminated, transient failures are NAK'd for redelivery.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("filter", c.config.SubjectFilter).
		Msg("starting match broadcaster consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("match broadcaster shutting down")
			return nil
		case msg := <-messageCh:
			requestID, err := parseEnvelope(msg.Data())
			if err != nil {
				log.Error().Err(err).Str("subject", msg.Subject()).
					Msg("malformed created event, terminating")
				_ = msg.Term()
				continue
			}
			if err := c.broadcaster.HandleCreated(ctx, requestID); err != nil {
				log.Error().Err(err).Str("request_id", requestID.String()).
					Msg("failed to handle created event")
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
	}
}

func (c *Consumer) Close() error {
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

func parseEnvelope(data []byte) (uuid.UUID, error) {
	var envelope struct {
		EventType string `json:"eventType"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return uuid.Nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	requestID, err := uuid.Parse(envelope.RequestID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse request id: %w", err)
	}
	return requestID, nil
}
