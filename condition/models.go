// Package condition owns the compliance conditions attached to transaction
// steps: catalog matching, materialization, resolution and the blocking gate.
package condition

import "time"

type Level string

const (
	LevelBlocking    Level = "blocking"
	LevelRequired    Level = "required"
	LevelRecommended Level = "recommended"
)

func (l Level) Valid() bool {
	switch l {
	case LevelBlocking, LevelRequired, LevelRecommended:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Open reports whether the condition still needs work.
func (s Status) Open() bool {
	switch s {
	case StatusPending, StatusInProgress:
		return true
	case StatusCompleted:
		return false
	}
	return false
}

type ResolutionType string

const (
	ResolutionCompleted       ResolutionType = "completed"
	ResolutionWaived          ResolutionType = "waived"
	ResolutionNotApplicable   ResolutionType = "not_applicable"
	ResolutionSkippedWithRisk ResolutionType = "skipped_with_risk"
)

func (r ResolutionType) Valid() bool {
	switch r {
	case ResolutionCompleted, ResolutionWaived, ResolutionNotApplicable, ResolutionSkippedWithRisk:
		return true
	}
	return false
}

type SourceType string

const (
	SourceTemplate SourceType = "template"
	SourceStepRule SourceType = "step_rule"
	SourceManual   SourceType = "manual"
)

type DeadlineReference string

const (
	DeadlineAcceptance DeadlineReference = "acceptance"
	DeadlineClosing    DeadlineReference = "closing"
	DeadlineStepStart  DeadlineReference = "step_start"
)

func (d DeadlineReference) Valid() bool {
	switch d {
	case DeadlineAcceptance, DeadlineClosing, DeadlineStepStart:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type EvidenceKind string

const (
	EvidenceFile EvidenceKind = "file"
	EvidenceLink EvidenceKind = "link"
	EvidenceNote EvidenceKind = "note"
)

func (k EvidenceKind) Valid() bool {
	switch k {
	case EvidenceFile, EvidenceLink, EvidenceNote:
		return true
	}
	return false
}

type EventType string

const (
	EventCreated           EventType = "created"
	EventStarted           EventType = "started"
	EventResolved          EventType = "resolved"
	EventArchived          EventType = "archived"
	EventEvidenceAdded     EventType = "evidence_added"
	EventEvidenceRemoved   EventType = "evidence_removed"
	EventNoteAdded         EventType = "note_added"
	EventLevelChangedAdmin EventType = "level_changed_admin"
	EventUnarchivedAdmin   EventType = "unarchived_admin"
)

// Template is a reusable catalog entry describing a condition that applies
// to transactions whose profile matches AppliesWhen.
type Template struct {
	ID                  string             `json:"id" yaml:"id"`
	LabelFR             string             `json:"label_fr" yaml:"label_fr"`
	LabelEN             string             `json:"label_en" yaml:"label_en"`
	Type                string             `json:"type" yaml:"type"`
	Priority            Priority           `json:"priority" yaml:"priority"`
	Level               Level              `json:"level" yaml:"level"`
	SourceType          string             `json:"source_type" yaml:"source_type"`
	StepKey             *string            `json:"step_key,omitempty" yaml:"step_key,omitempty"`
	AppliesWhen         map[string]any     `json:"applies_when,omitempty" yaml:"applies_when,omitempty"`
	DeadlineReference   *DeadlineReference `json:"deadline_reference,omitempty" yaml:"deadline_reference,omitempty"`
	DefaultDeadlineDays *int               `json:"default_deadline_days,omitempty" yaml:"default_deadline_days,omitempty"`
	Active              bool               `json:"active" yaml:"-"`
	CreatedAt           time.Time          `json:"created_at" yaml:"-"`
}

// Profile holds the transaction facts templates are matched against.
type Profile struct {
	PropertyType      string `json:"property_type"`
	PropertyContext   string `json:"property_context"`
	IsFinanced        bool   `json:"is_financed"`
	HasWell           bool   `json:"has_well"`
	HasSeptic         bool   `json:"has_septic"`
	HasCondoDocs      bool   `json:"has_condo_docs"`
	AppraisalRequired bool   `json:"appraisal_required"`
}

// Attributes exposes the profile under the keys used by template predicates.
func (p Profile) Attributes() map[string]any {
	return map[string]any{
		"property_type":      p.PropertyType,
		"property_context":   p.PropertyContext,
		"is_financed":        p.IsFinanced,
		"has_well":           p.HasWell,
		"has_septic":         p.HasSeptic,
		"has_condo_docs":     p.HasCondoDocs,
		"appraisal_required": p.AppraisalRequired,
	}
}

type ReferenceDates struct {
	Acceptance *time.Time
	Closing    *time.Time
	StepStart  *time.Time
}

// StepRef identifies the transaction step a condition hangs off.
type StepRef struct {
	ID        string
	Order     int
	Key       string
	EnteredAt *time.Time
}

type Condition struct {
	ID                  string          `json:"id"`
	TransactionID       string          `json:"transaction_id"`
	TransactionStepID   *string         `json:"transaction_step_id,omitempty"`
	TemplateID          *string         `json:"template_id,omitempty"`
	LabelFR             string          `json:"label_fr"`
	LabelEN             string          `json:"label_en"`
	Description         *string         `json:"description,omitempty"`
	Type                string          `json:"type"`
	Priority            Priority        `json:"priority"`
	Level               Level           `json:"level"`
	SourceType          SourceType      `json:"source_type"`
	Status              Status          `json:"status"`
	ResolutionType      *ResolutionType `json:"resolution_type,omitempty"`
	ResolutionNote      *string         `json:"resolution_note,omitempty"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy          *string         `json:"resolved_by,omitempty"`
	DueDate             *time.Time      `json:"due_date,omitempty"`
	StepWhenCreated     int             `json:"step_when_created"`
	StepWhenResolved    *int            `json:"step_when_resolved,omitempty"`
	Archived            bool            `json:"archived"`
	ArchivedAt          *time.Time      `json:"archived_at,omitempty"`
	ArchivedStep        *int            `json:"archived_step,omitempty"`
	EscapedWithoutProof bool            `json:"escaped_without_proof"`
	EscapeReason        *string         `json:"escape_reason,omitempty"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CreatedBy           string          `json:"created_by"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Blocks reports whether c prevents its step from completing.
func (c Condition) Blocks() bool {
	if c.Archived || !c.Status.Open() {
		return false
	}
	switch c.Level {
	case LevelBlocking:
		return true
	case LevelRequired, LevelRecommended:
		return false
	}
	return false
}

type Evidence struct {
	ID          string       `json:"id"`
	ConditionID string       `json:"condition_id"`
	Kind        EvidenceKind `json:"kind"`
	Title       string       `json:"title"`
	URL         *string      `json:"url,omitempty"`
	Body        *string      `json:"body,omitempty"`
	AddedBy     string       `json:"added_by"`
	CreatedAt   time.Time    `json:"created_at"`
	RemovedAt   *time.Time   `json:"removed_at,omitempty"`
	RemovedBy   *string      `json:"removed_by,omitempty"`
}

func (e Evidence) Live() bool {
	return e.RemovedAt == nil
}

type Event struct {
	ID            int64          `json:"id"`
	ConditionID   string         `json:"condition_id"`
	TransactionID string         `json:"transaction_id"`
	EventType     EventType      `json:"event_type"`
	ActorID       string         `json:"actor_id"`
	Meta          map[string]any `json:"meta"`
	CreatedAt     time.Time      `json:"created_at"`
}
