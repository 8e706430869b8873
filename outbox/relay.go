package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/robfig/cron/v3"

	"dealflow/db"
	"dealflow/logging"
)

const (
	MetadataTopic    = "outbox_topic"
	MetadataOutboxID = "outbox_id"
)

// Relay moves pending outbox rows onto the message bus. Delivery is
// at-least-once: a crash between publish and commit republishes the row.
type Relay struct {
	pool        db.TxBeginner
	store       Store
	publisher   message.Publisher
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func NewRelay(pool db.TxBeginner, store Store, publisher message.Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		batchSize:   50,
		maxAttempts: 5,
		logger:      logging.WithModule("outbox"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunOnce relays one batch and reports how many rows were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, m := range msgs {
		if err := r.publish(m); err != nil {
			dead := m.Attempts+1 >= r.maxAttempts
			r.logger.WarnContext(ctx, "outbox publish failed", "outbox_id", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "dead", dead, "error", err)
			if err := r.store.MarkFailed(ctx, tx, m.ID, err.Error(), dead); err != nil {
				return published, err
			}
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, m.ID); err != nil {
			return published, err
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("outbox: commit: %w", err)
	}
	return published, nil
}

func (r *Relay) publish(m Message) error {
	msg := message.NewMessage(watermill.NewUUID(), m.Payload)
	msg.Metadata.Set(MetadataTopic, m.Topic)
	msg.Metadata.Set(MetadataOutboxID, m.ID)
	return r.publisher.Publish(m.Topic, msg)
}

// Schedule runs the relay on a cron spec until ctx is done.
func (r *Relay) Schedule(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		n, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "outbox relay run failed", "error", err)
			return
		}
		if n > 0 {
			r.logger.DebugContext(ctx, "outbox relayed", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("outbox: schedule %q: %w", spec, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
