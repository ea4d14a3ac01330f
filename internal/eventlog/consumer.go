package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/event"
	"github.com/chatwire/chatwire/internal/observability"
)

const (
	fieldRoom    = "room"
	fieldPayload = "payload"

	backoffBase = 200 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// Handler processes one consumed envelope. Returning an error triggers the
// bounded retry path; after MaxRetries the entry is acknowledged anyway and
// copied to the dead-letter stream so a poison message never wedges the
// group.
type Handler interface {
	Handle(ctx context.Context, env *event.Envelope) error
}

type ConsumerConfig struct {
	// StartID is the stream position a newly created group begins at.
	// Defaults to "$" (new entries only): fan-out groups are named per
	// instance, and a fresh instance replaying the retained stream would
	// push stale events to connected clients. "0" is only correct for a
	// group whose identity survives restarts.
	StartID        string
	Block          time.Duration // long-poll block per read
	Batch          int64
	MaxRetries     int
	PendingTimeout time.Duration // min idle before reclaiming another consumer's entry
	ClaimInterval  time.Duration
	DeadMaxLen     int64
}

// streamClient is the slice of the redis client the consumer drives.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Consumer reads a topic through a consumer group: resumes from the group's
// last committed position, acknowledges only after the handler completes
// (at-least-once), and reclaims entries left pending by a crashed consumer.
type Consumer struct {
	client  streamClient
	topic   string
	group   string
	name    string
	handler Handler
	cfg     ConsumerConfig
	log     *zap.Logger
}

func NewConsumer(client streamClient, topic, group, name string, handler Handler, cfg ConsumerConfig, log *zap.Logger) *Consumer {
	if cfg.StartID == "" {
		cfg.StartID = "$"
	}
	return &Consumer{
		client:  client,
		topic:   topic,
		group:   group,
		name:    name,
		handler: handler,
		cfg:     cfg,
		log:     log,
	}
}

// Start creates the group if needed and launches the read and reclaim
// loops. They run until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.topic, c.group, c.cfg.StartID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("eventlog: create group %s: %w", c.group, err)
	}

	go c.readLoop(ctx)
	go c.claimLoop(ctx)
	return nil
}

func (c *Consumer) readLoop(ctx context.Context) {
	c.log.Info("eventlog: consumer started",
		zap.String("topic", c.topic),
		zap.String("group", c.group),
		zap.String("consumer", c.name))

	backoff := backoffBase
	for {
		if ctx.Err() != nil {
			c.log.Info("eventlog: consumer stopping")
			return
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.topic, ">"},
			Count:    c.cfg.Batch,
			Block:    c.cfg.Block,
		}).Result()

		switch {
		case err == nil:
			backoff = backoffBase
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					c.process(ctx, msg)
				}
			}
		case errors.Is(err, redis.Nil):
			// long poll elapsed with no entries
			backoff = backoffBase
		case errors.Is(err, context.Canceled):
			return
		default:
			// Log unavailable: degrade, back off, keep the process alive.
			observability.EventLogRetries.Inc()
			c.log.Warn("eventlog: read failed, degraded",
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > backoffCap {
				backoff = backoffCap
			}
		}
	}
}

func (c *Consumer) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaim(ctx)
		}
	}
}

// reclaim takes over entries another consumer in the group left pending
// past the timeout and runs them through the same processing path.
func (c *Consumer) reclaim(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.topic,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  c.cfg.PendingTimeout,
			Start:    start,
			Count:    c.cfg.Batch,
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Warn("eventlog: reclaim failed", zap.Error(err))
			}
			return
		}

		for _, msg := range msgs {
			c.log.Info("eventlog: reclaimed pending entry", zap.String("entry_id", msg.ID))
			c.process(ctx, msg)
		}

		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// process decodes, hands off with bounded retries, and always acknowledges.
// Malformed entries are dead-lettered immediately.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	env, err := decodeEntry(msg)
	if err != nil {
		c.log.Error("eventlog: malformed entry, dead-lettering",
			zap.String("entry_id", msg.ID),
			zap.Error(err))
		c.deadLetter(ctx, msg)
		c.ack(ctx, msg.ID)
		return
	}

	for attempt := 0; ; attempt++ {
		err = c.handler.Handle(ctx, env)
		if err == nil {
			break
		}
		if attempt >= c.cfg.MaxRetries {
			c.log.Error("eventlog: handler failed, dead-lettering",
				zap.String("entry_id", msg.ID),
				zap.String("event_id", env.ID),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			c.deadLetter(ctx, msg)
			break
		}
		select {
		case <-time.After(backoffBase * time.Duration(attempt+1)):
		case <-ctx.Done():
			return
		}
	}

	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, entryID string) {
	if err := c.client.XAck(ctx, c.topic, c.group, entryID).Err(); err != nil {
		// The entry stays pending and will be reclaimed; duplicate
		// delivery is tolerated downstream via event ID dedupe.
		c.log.Warn("eventlog: ack failed", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg redis.XMessage) {
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.topic + ":dead",
		MaxLen: c.cfg.DeadMaxLen,
		Approx: true,
		Values: msg.Values,
	}).Err()
	if err != nil {
		c.log.Error("eventlog: dead-letter append failed", zap.String("entry_id", msg.ID), zap.Error(err))
	}
}

func decodeEntry(msg redis.XMessage) (*event.Envelope, error) {
	raw, ok := msg.Values[fieldPayload].(string)
	if !ok {
		return nil, fmt.Errorf("entry %s missing %s field", msg.ID, fieldPayload)
	}
	var env event.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", msg.ID, err)
	}
	return &env, nil
}
