package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"videorelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const EventsChannel = "videorelay:events"

// Envelope is the wire form of a stream event on the bus.
type Envelope struct {
	InstanceID string             `json:"instance_id"`
	Event      domain.StreamEvent `json:"event"`
}

// EventBus publishes stream events over Redis pub/sub so operators and
// other relay instances see resets, mode changes and status changes.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	logger     *zap.SugaredLogger
	channel    string
}

func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    EventsChannel,
	}
}

// Publish implements ports.EventPublisher.
func (eb *EventBus) Publish(ctx context.Context, event domain.StreamEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(Envelope{InstanceID: eb.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"stream", event.Name,
		"index", event.Index,
	)
	return nil
}

// Subscribe delivers events from other instances to handler until ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Envelope) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if env.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(env); err != nil {
				eb.logger.Warnw("error handling event",
					"type", env.Event.Type,
					"error", err,
				)
			}
		}
	}
}
