package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/chatwire/chatwire/internal/event"
)

// Publisher appends envelopes to a durable, ordered stream. The stream is
// totally ordered, so per-room ordering holds; the room travels as the
// entry's partition key field. Failures are surfaced to the caller as
// retryable errors, never retried here.
type Publisher struct {
	client *redis.Client
	maxLen int64
}

func NewPublisher(client *redis.Client, maxLen int64) *Publisher {
	return &Publisher{client: client, maxLen: maxLen}
}

func (p *Publisher) Publish(ctx context.Context, topic string, env *event.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventlog: encode envelope: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldRoom:    env.Room,
			fieldPayload: string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("eventlog: append to %s: %w", topic, err)
	}
	return nil
}
