// Package outbox stores integration events next to the state change that
// produced them and relays them to the message bus.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Enqueue writes a pending outbox row using q, which is normally the caller's
// open transaction.
func Enqueue(ctx context.Context, q db.Querier, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: encode payload: %w", err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO outbox (topic, payload)
		VALUES ($1, $2::jsonb)
	`, topic, string(body)); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Writer enqueues outbox rows inside a caller's transaction.
type Writer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload any) error
}

type PGWriter struct{}

func (PGWriter) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload any) error {
	return Enqueue(ctx, tx, topic, payload)
}

// Store is the relay's view of the outbox table.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, dead bool) error
}

type PGStore struct{}

func NewPGStore() *PGStore {
	return &PGStore{}
}

var _ Store = (*PGStore)(nil)

func (PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
		SELECT id::text, topic, payload::text, status, attempts, COALESCE(last_error, ''), created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &m.Status, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Payload = []byte(payload)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET status = 'processed', attempts = attempts + 1, processed_at = now()
		WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET status = $2, attempts = attempts + 1, last_error = $3
		WHERE id = $1
	`, id, status, reason); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
