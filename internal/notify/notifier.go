// Package notify abstracts outbound user notification. Push/SMS delivery is
// an external collaborator; in-process delivery goes through the realtime
// gateway.
package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Notifier delivers a typed payload to one user. Delivery is best-effort:
// callers log failures but never fail a committed state transition on them.
type Notifier interface {
	Notify(ctx context.Context, target uuid.UUID, messageType string, data any) error
}

// LogNotifier records notifications in the log. Used where no delivery
// channel is wired, and in tests.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, target uuid.UUID, messageType string, data any) error {
	log.Debug().
		Str("target", target.String()).
		Str("message_type", messageType).
		Msg("notification (log only)")
	return nil
}
