package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Store is what the worker needs from the outbox repository.
type Store interface {
	FetchPending(ctx context.Context, limit int32) ([]Event, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
	IncrementRetry(ctx context.Context, ids []uuid.UUID) error
	CountPending(ctx context.Context) (int64, error)
}

// Config tunes the publisher worker. MaxAttempts and RetryBase govern the
// in-cycle publish retry; cross-cycle retry is just the row staying pending.
type Config struct {
	PollInterval time.Duration
	BatchSize    int32
	MaxAttempts  int
	RetryBase    time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    100,
		MaxAttempts:  3,
		RetryBase:    100 * time.Millisecond,
	}
}

// Worker drains pending outbox events through an EventPublisher on a fixed
// interval.
type Worker struct {
	store     Store
	publisher EventPublisher
	config    Config
	clock     clockwork.Clock
	metrics   *Metrics

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(store Store, publisher EventPublisher, cfg Config, clock clockwork.Clock, metrics *Metrics) *Worker {
	return &Worker{
		store:     store,
		publisher: publisher,
		config:    cfg,
		clock:     clock,
		metrics:   metrics,
		stopChan:  make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int32("batch_size", w.config.BatchSize).
		Msg("outbox worker started")

	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("outbox worker stopped")
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			w.Drain(ctx)
		}
	}
}

// Drain runs one publish cycle. The transport is checked once per cycle, not
// per event; a disconnected bus leaves every row pending for the next cycle.
func (w *Worker) Drain(ctx context.Context) {
	if !w.publisher.Connected() {
		log.Warn().Msg("event bus disconnected, skipping outbox cycle")
		w.updateBacklog(ctx)
		return
	}

	events, err := w.store.FetchPending(ctx, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch pending outbox events")
		return
	}
	if len(events) == 0 {
		w.updateBacklog(ctx)
		return
	}

	var published, failed []uuid.UUID
	for _, event := range events {
		if err := w.publishWithRetry(ctx, event); err != nil {
			log.Error().Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", event.EventType).
				Int("retry_count", event.RetryCount).
				Msg("failed to publish outbox event")
			w.metrics.recordFailure(event.EventType)
			failed = append(failed, event.ID)
			continue
		}
		w.metrics.recordPublished(event.EventType)
		published = append(published, event.ID)
	}

	if len(published) > 0 {
		if err := w.store.MarkPublished(ctx, published, w.clock.Now()); err != nil {
			log.Error().Err(err).Msg("failed to mark outbox events published")
		}
	}
	if len(failed) > 0 {
		if err := w.store.IncrementRetry(ctx, failed); err != nil {
			log.Error().Err(err).Msg("failed to increment outbox retry counts")
		}
	}

	log.Debug().
		Int("total", len(events)).
		Int("published", len(published)).
		Msg("processed outbox events")

	w.updateBacklog(ctx)
}

func (w *Worker) publishWithRetry(ctx context.Context, event Event) error {
	var lastErr error

	for attempt := 0; attempt < w.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clock.After(backoff):
			}
		}

		if err := w.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Warn().Err(err).
				Str("event_id", event.ID.String()).
				Int("attempt", attempt+1).
				Msg("publish attempt failed")
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", w.config.MaxAttempts, lastErr)
}

func (w *Worker) updateBacklog(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	n, err := w.store.CountPending(ctx)
	if err != nil {
		return
	}
	w.metrics.setBacklog(n)
}
