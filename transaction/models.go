package transaction

import (
	"time"

	"dealflow/automation"
	"dealflow/condition"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepActive, StepCompleted, StepSkipped:
		return true
	}
	return false
}

const (
	DefaultStatus = "active"
	// ManualOverride marks activity written by GoTo.
	ManualOverride = "manual_override"
)

// Transaction mirrors the transactions table.
type Transaction struct {
	ID             string     `json:"id"`
	DefinitionID   string     `json:"definition_id"`
	Title          string     `json:"title"`
	Status         string     `json:"status"`
	CurrentStepID  *string    `json:"current_step_id,omitempty"`
	AcceptanceDate *time.Time `json:"acceptance_date,omitempty"`
	ClosingDate    *time.Time `json:"closing_date,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Refs returns the reference dates condition deadlines are computed from.
func (t Transaction) Refs() condition.ReferenceDates {
	return condition.ReferenceDates{Acceptance: t.AcceptanceDate, Closing: t.ClosingDate}
}

// Step is a transaction's copy of a definition step.
type Step struct {
	ID              string     `json:"id"`
	TransactionID   string     `json:"transaction_id"`
	WorkflowStepRef string     `json:"workflow_step_ref"`
	Key             string     `json:"key"`
	Name            string     `json:"name"`
	Order           int        `json:"order"`
	Status          StepStatus `json:"status"`
	EnteredAt       *time.Time `json:"entered_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (s Step) Ref() condition.StepRef {
	return condition.StepRef{ID: s.ID, Order: s.Order, Key: s.Key, EnteredAt: s.EnteredAt}
}

// Detail is a transaction with its ordered steps and profile.
type Detail struct {
	Transaction
	Steps   []Step            `json:"steps"`
	Profile condition.Profile `json:"profile"`
}

// ActiveStep returns the single active step, if any.
func ActiveStep(steps []Step) (Step, bool) {
	for _, s := range steps {
		if s.Status == StepActive {
			return s, true
		}
	}
	return Step{}, false
}

func stepByOrder(steps []Step, order int) (int, bool) {
	for i, s := range steps {
		if s.Order == order {
			return i, true
		}
	}
	return -1, false
}

type CreateParams struct {
	DefinitionID   string
	Title          string
	Status         string
	Profile        condition.Profile
	AcceptanceDate *time.Time
	ClosingDate    *time.Time
	ActorID        string
}

// TransitionResult reports a committed transition and what it dispatched.
type TransitionResult struct {
	Transaction Transaction           `json:"transaction"`
	Steps       []Step                `json:"steps"`
	Previous    *Step                 `json:"previous,omitempty"`
	Current     *Step                 `json:"current,omitempty"`
	Created     []condition.Condition `json:"created_conditions"`
	Archived    []condition.Condition `json:"archived_conditions,omitempty"`
	Automations []automation.Result   `json:"automations"`
}
