package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/db"
	"dealflow/eventbus"
	"dealflow/memstore"
	"dealflow/outbox"
)

type brokenPublisher struct{}

func (brokenPublisher) Publish(string, ...*message.Message) error { return errors.New("broker unavailable") }
func (brokenPublisher) Close() error                              { return nil }

func enqueue(t *testing.T, s *memstore.Store, topics ...string) {
	t.Helper()
	ctx := context.Background()
	err := db.InTx(ctx, s, func(tx pgx.Tx) error {
		for _, topic := range topics {
			if err := s.Outbox().Enqueue(ctx, tx, topic, map[string]string{"topic": topic}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRelayPublishesPendingMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := memstore.New()
	bus := eventbus.NewGoChannel(watermill.NopLogger{}, true)
	defer bus.Close()
	enqueue(t, s, "activity.step_entered", "activity.step_completed")

	relay := outbox.NewRelay(s, s.Outbox(), bus.Publisher)
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ch, err := bus.Subscriber.Subscribe(ctx, "activity.step_completed")
	require.NoError(t, err)
	select {
	case msg := <-ch:
		assert.Equal(t, "activity.step_completed", msg.Metadata.Get(outbox.MetadataTopic))
		assert.JSONEq(t, `{"topic":"activity.step_completed"}`, string(msg.Payload))
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}

	for _, m := range s.Outbox().Messages() {
		assert.Equal(t, outbox.StatusProcessed, m.Status)
	}
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayMarksDeadAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	enqueue(t, s, "activity.task_created")

	relay := outbox.NewRelay(s, s.Outbox(), brokenPublisher{}, outbox.WithMaxAttempts(2))
	for range 2 {
		n, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	msgs := s.Outbox().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, outbox.StatusDead, msgs[0].Status)
	assert.Equal(t, 2, msgs[0].Attempts)
	assert.Equal(t, "broker unavailable", msgs[0].LastError)
}
