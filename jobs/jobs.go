// Package jobs is the delayed-job facility. Jobs are idempotent by id: a
// second Schedule with an id that was already seen is a no-op.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dealflow/workflow"
)

type Kind string

const (
	KindDelayedAutomation Kind = "delayed_automation"
	KindDeadlineWarning   Kind = "deadline_warning"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDelayedAutomation, KindDeadlineWarning:
		return true
	}
	return false
}

type Job struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	RunAt     time.Time       `json:"run_at"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

var ErrUnknownJob = errors.New("jobs: unknown job")

// Store persists jobs. ClaimDue hands each due job to exactly one caller;
// a claimed job is either completed or put back with Retry.
type Store interface {
	Schedule(ctx context.Context, job Job) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, job Job, runAt time.Time) error
}

type DelayedAutomation struct {
	TransactionID string                  `json:"transaction_id"`
	Automation    workflow.StepAutomation `json:"automation"`
	StepName      string                  `json:"step_name"`
	StepOrder     int                     `json:"step_order"`
	Trigger       workflow.Trigger        `json:"trigger"`
	ConditionID   string                  `json:"condition_id,omitempty"`
}

type DeadlineWarning struct {
	ConditionID   string    `json:"condition_id"`
	TransactionID string    `json:"transaction_id"`
	DueDate       time.Time `json:"due_date"`
}

func DelayedAutomationJobID(automationID, transactionID string) string {
	return automationID + ":" + transactionID
}

func DeadlineWarningJobID(conditionID string) string {
	return "deadline:" + conditionID
}

type Facility struct {
	store Store
	now   func() time.Time
}

func NewFacility(store Store) *Facility {
	return &Facility{store: store, now: time.Now}
}

func (f *Facility) WithClock(now func() time.Time) *Facility {
	f.now = now
	return f
}

func (f *Facility) Store() Store {
	return f.store
}

// ScheduleDelayedAutomation reports false when jobID was already scheduled.
func (f *Facility) ScheduleDelayedAutomation(ctx context.Context, p DelayedAutomation, delay time.Duration, jobID string) (bool, error) {
	return f.schedule(ctx, KindDelayedAutomation, p, delay, jobID)
}

func (f *Facility) ScheduleDeadlineWarning(ctx context.Context, p DeadlineWarning, delay time.Duration, jobID string) (bool, error) {
	return f.schedule(ctx, KindDeadlineWarning, p, delay, jobID)
}

func (f *Facility) schedule(ctx context.Context, kind Kind, payload any, delay time.Duration, jobID string) (bool, error) {
	if jobID == "" {
		return false, errors.New("jobs: job id is required")
	}
	if delay < 0 {
		delay = 0
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("jobs: encode %s payload: %w", kind, err)
	}
	now := f.now()
	return f.store.Schedule(ctx, Job{
		ID:        jobID,
		Kind:      kind,
		Payload:   body,
		RunAt:     now.Add(delay),
		CreatedAt: now,
	})
}

func DecodeDelayedAutomation(job Job) (DelayedAutomation, error) {
	var p DelayedAutomation
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("jobs: decode %s: %w", job.ID, err)
	}
	return p, nil
}

func DecodeDeadlineWarning(job Job) (DeadlineWarning, error) {
	var p DeadlineWarning
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("jobs: decode %s: %w", job.ID, err)
	}
	return p, nil
}
