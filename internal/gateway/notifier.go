package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Notifier delivers engine notifications over the websocket gateway. Offline
// targets are dropped silently; realtime delivery is inherently best-effort
// and the authoritative state lives in the store.
type Notifier struct {
	manager *ConnectionManager
}

func NewNotifier(manager *ConnectionManager) *Notifier {
	return &Notifier{manager: manager}
}

func (n *Notifier) Notify(ctx context.Context, target uuid.UUID, messageType string, data any) error {
	if !n.manager.IsOnline(target) {
		log.Debug().
			Str("target", target.String()).
			Str("message_type", messageType).
			Msg("target offline, notification dropped")
		return nil
	}
	return n.manager.SendToUser(target, messageType, data)
}
