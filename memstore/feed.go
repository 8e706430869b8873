package memstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dealflow/activity"
	"dealflow/domainerr"
	"dealflow/outbox"
)

// Feed records activity and mirrors every entry to the outbox, like the
// Postgres recorder.
type Feed struct {
	s *Store
}

var (
	_ activity.Recorder = (*Feed)(nil)
	_ activity.Reader   = (*Feed)(nil)
)

func (f *Feed) Record(_ context.Context, _ pgx.Tx, e activity.Entry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if _, ok := f.s.data.transactions[e.TransactionID]; !ok {
		return fmt.Errorf("activity: insert %s: %w", e.Type, domainerr.NotFound("activity.record", "transaction"))
	}
	e.ID = f.s.nextSeq()
	e.CreatedAt = f.s.now()
	f.s.data.activity = append(f.s.data.activity, e)
	return f.s.enqueue(activity.Topic(e.Type), e)
}

func (f *Feed) List(_ context.Context, transactionID string, limit int) ([]activity.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()
	var out []activity.Entry
	for i := len(f.s.data.activity) - 1; i >= 0 && len(out) < limit; i-- {
		if e := f.s.data.activity[i]; e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// enqueue appends a pending outbox row. Callers hold mu.
func (s *Store) enqueue(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: encode payload: %w", err)
	}
	s.data.outbox = append(s.data.outbox, outbox.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   body,
		Status:    outbox.StatusPending,
		CreatedAt: s.now(),
	})
	return nil
}

type Outbox struct {
	s *Store
}

var (
	_ outbox.Writer = (*Outbox)(nil)
	_ outbox.Store  = (*Outbox)(nil)
)

func (o *Outbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, payload any) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	return o.s.enqueue(topic, payload)
}

func (o *Outbox) Claim(_ context.Context, _ pgx.Tx, limit int) ([]outbox.Message, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	var out []outbox.Message
	for _, m := range o.s.data.outbox {
		if limit > 0 && len(out) >= limit {
			break
		}
		if m.Status == outbox.StatusPending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (o *Outbox) update(id string, fn func(*outbox.Message)) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	for i := range o.s.data.outbox {
		if o.s.data.outbox[i].ID == id {
			fn(&o.s.data.outbox[i])
			return nil
		}
	}
	return domainerr.NotFound("outbox.update", "outbox message")
}

func (o *Outbox) MarkProcessed(_ context.Context, _ pgx.Tx, id string) error {
	return o.update(id, func(m *outbox.Message) { m.Status = outbox.StatusProcessed })
}

func (o *Outbox) MarkFailed(_ context.Context, _ pgx.Tx, id, reason string, dead bool) error {
	return o.update(id, func(m *outbox.Message) {
		m.Attempts++
		m.LastError = reason
		if dead {
			m.Status = outbox.StatusDead
		}
	})
}

// Messages returns every outbox row, oldest first.
func (o *Outbox) Messages() []outbox.Message {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	return append([]outbox.Message(nil), o.s.data.outbox...)
}
