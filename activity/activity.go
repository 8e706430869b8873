// Package activity is the per-transaction activity feed. Entries are written
// in the caller's database transaction and mirrored to the outbox.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
	"dealflow/outbox"
)

type Type string

const (
	TransactionCreated  Type = "transaction_created"
	StepEntered         Type = "step_entered"
	StepCompleted       Type = "step_completed"
	StepSkipped         Type = "step_skipped"
	StepReopened        Type = "step_reopened"
	StepReset           Type = "step_reset"
	ConditionCreated    Type = "condition_created"
	ConditionResolved   Type = "condition_resolved"
	AutomationExecuted  Type = "automation_executed"
	AutomationScheduled Type = "automation_scheduled"
	AutomationSkipped   Type = "automation_skipped"
	AutomationFailed    Type = "automation_failed"
	TaskCreated         Type = "task_created"
	DeadlineWarningSent Type = "deadline_warning_sent"
)

var AllTypes = []Type{
	TransactionCreated, StepEntered, StepCompleted, StepSkipped, StepReopened, StepReset,
	ConditionCreated, ConditionResolved,
	AutomationExecuted, AutomationScheduled, AutomationSkipped, AutomationFailed,
	TaskCreated, DeadlineWarningSent,
}

// Topic is the outbox topic an entry of type t is published on.
func Topic(t Type) string {
	return "activity." + string(t)
}

// Topics lists the outbox topics of every activity type.
func Topics() []string {
	out := make([]string, 0, len(AllTypes))
	for _, t := range AllTypes {
		out = append(out, Topic(t))
	}
	return out
}

type Entry struct {
	ID            int64          `json:"id"`
	TransactionID string         `json:"transaction_id"`
	Type          Type           `json:"activity_type"`
	UserID        *string        `json:"user_id,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Actor returns a pointer suitable for Entry.UserID; empty ids become nil.
func Actor(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

type Recorder interface {
	Record(ctx context.Context, tx pgx.Tx, e Entry) error
}

type Reader interface {
	List(ctx context.Context, transactionID string, limit int) ([]Entry, error)
}

type PGRecorder struct{}

func NewPGRecorder() *PGRecorder {
	return &PGRecorder{}
}

var _ Recorder = (*PGRecorder)(nil)

func (PGRecorder) Record(ctx context.Context, tx pgx.Tx, e Entry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO activity_feed (transaction_id, activity_type, user_id, metadata)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING id, created_at
	`, e.TransactionID, string(e.Type), e.UserID, db.ToJSON(e.Metadata)).Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("activity: insert %s: %w", e.Type, err)
	}
	return outbox.Enqueue(ctx, tx, Topic(e.Type), e)
}

type PGReader struct {
	db db.Querier
}

func NewPGReader(q db.Querier) *PGReader {
	return &PGReader{db: q}
}

var _ Reader = (*PGReader)(nil)

// List returns the newest entries first.
func (r *PGReader) List(ctx context.Context, transactionID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, transaction_id::text, activity_type, user_id::text, metadata::text, created_at
		FROM activity_feed
		WHERE transaction_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, transactionID, limit)
	if err != nil {
		return nil, fmt.Errorf("activity: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			typ  string
			meta string
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &typ, &e.UserID, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("activity: scan: %w", err)
		}
		e.Type = Type(typ)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("activity: decode metadata: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: iterate: %w", err)
	}
	return out, nil
}
