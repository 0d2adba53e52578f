package distributed

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"videorelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnvelope_WireFormat(t *testing.T) {
	env := Envelope{
		InstanceID: "relay-a",
		Event: domain.StreamEvent{
			Type:   domain.EventStreamModeChanged,
			Index:  4,
			Name:   "team 123 webcam",
			TeamID: "123",
			Mode:   "EAGER",
		},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "relay-a", fields["instance_id"])
	event := fields["event"].(map[string]any)
	assert.Equal(t, "stream.mode_changed", event["type"])
	assert.Equal(t, "EAGER", event["mode"])
	assert.NotContains(t, event, "status", "empty fields are omitted")
}

func TestEventBus_PublishFailsWithoutRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	bus := NewEventBus(client, "relay-a", zap.NewNop().Sugar())
	err := bus.Publish(context.Background(), domain.StreamEvent{Type: domain.EventStreamReset})
	assert.ErrorContains(t, err, "failed to publish event")
}

func TestEventBus_CrossInstance(t *testing.T) {
	addr := os.Getenv("VIDEORELAY_TEST_REDIS")
	if addr == "" {
		t.Skip("VIDEORELAY_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	log := zap.NewNop().Sugar()
	a := NewEventBus(client, "relay-a", log)
	b := NewEventBus(client, "relay-b", log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Envelope, 4)
	subscribed := make(chan struct{})
	go func() {
		close(subscribed)
		_ = b.Subscribe(ctx, func(env Envelope) error {
			received <- env
			return nil
		})
	}()
	<-subscribed

	// The subscription is confirmed asynchronously; publish until it lands.
	require.Eventually(t, func() bool {
		if b.Publish(ctx, domain.StreamEvent{Type: domain.EventStreamReset, Index: -1}) != nil {
			return false
		}
		if a.Publish(ctx, domain.StreamEvent{Type: domain.EventStreamReset, Index: 7}) != nil {
			return false
		}
		select {
		case env := <-received:
			// own events are skipped, so only relay-a's can arrive
			return env.InstanceID == "relay-a" && env.Event.Index == 7
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}
