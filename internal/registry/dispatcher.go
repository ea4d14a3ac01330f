package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/event"
	"github.com/chatwire/chatwire/internal/observability"
)

// Dispatcher is the event-log handler: it turns consumed envelopes into
// local fan-out. Every instance runs one, so a message sent on instance A
// reaches sessions on instance B through the log, identically to local ones.
type Dispatcher struct {
	registry *Registry
	log      *zap.Logger
}

func NewDispatcher(registry *Registry, log *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, log: log}
}

func (d *Dispatcher) Handle(ctx context.Context, env *event.Envelope) error {
	switch env.Type {
	case event.TypeNewMessage,
		event.TypeMessageEdited,
		event.TypeMessageDeleted,
		event.TypeUserJoined,
		event.TypeUserLeft,
		event.TypePresenceChanged,
		event.TypeRoomUpdated:
		// fall through to fan-out
	case event.TypeHeartbeat:
		return nil
	default:
		// Unknown types are logged and skipped, not retried.
		d.log.Warn("dispatcher: skipping unhandled event type", zap.String("type", string(env.Type)))
		return nil
	}

	if env.Room == "" {
		d.log.Warn("dispatcher: event without room", zap.String("event_id", env.ID))
		return nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope for fan-out: %w", err)
	}

	n := d.registry.DeliverToRoom(env.Room, env.ID, payload, "")
	if n > 0 {
		observability.FanoutDeliveries.WithLabelValues("delivered").Add(float64(n))
		if !env.Timestamp.IsZero() {
			observability.EventDeliveryLatency.Observe(time.Since(env.Timestamp).Seconds())
		}
	}

	d.log.Debug("dispatcher: fanned out",
		zap.String("event_id", env.ID),
		zap.String("type", string(env.Type)),
		zap.String("room", env.Room),
		zap.Int("sessions", n))
	return nil
}
