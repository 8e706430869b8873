package condition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dealflow/domainerr"
	"dealflow/logging"
	"dealflow/workflow"
)

// Engine implements condition semantics on a caller-provided transaction.
// Every mutation appends exactly one event in that transaction.
type Engine struct {
	repo         Repository
	catalog      *Catalog
	now          func() time.Time
	requireProof bool
	logger       *slog.Logger
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithRequireProof makes a completed resolution without live evidence
// require the escape flag and reason.
func WithRequireProof(on bool) EngineOption {
	return func(e *Engine) { e.requireProof = on }
}

func NewEngine(repo Repository, catalog *Catalog, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:    repo,
		catalog: catalog,
		now:     time.Now,
		logger:  logging.WithModule("condition"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Repository() Repository { return e.repo }
func (e *Engine) Catalog() *Catalog      { return e.catalog }

func (e *Engine) appendEvent(ctx context.Context, tx pgx.Tx, c Condition, typ EventType, actorID string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	return e.repo.AppendEvent(ctx, tx, Event{
		ConditionID:   c.ID,
		TransactionID: c.TransactionID,
		EventType:     typ,
		ActorID:       actorID,
		Meta:          meta,
		CreatedAt:     e.now(),
	})
}

type MaterializeParams struct {
	TransactionID string
	Step          StepRef
	Rules         []workflow.StepConditionRule
	Profile       Profile
	Refs          ReferenceDates
	ActorID       string
}

// MaterializeForStep creates the conditions a step starts with: the step's own
// rules followed by the catalog templates that apply to it. Conditions already
// present on the transaction are not duplicated.
func (e *Engine) MaterializeForStep(ctx context.Context, tx pgx.Tx, p MaterializeParams) ([]Condition, error) {
	existing, err := e.repo.ListByTransaction(ctx, tx, p.TransactionID, false)
	if err != nil {
		return nil, err
	}

	refs := p.Refs
	if refs.StepStart == nil {
		refs.StepStart = p.Step.EnteredAt
	}

	var created []Condition
	for _, rule := range p.Rules {
		labelEN := rule.TitleEN
		if labelEN == "" {
			labelEN = rule.Title
		}
		if MatchesExisting(existing, "", rule.Title, labelEN) {
			continue
		}
		var due *time.Time
		if rule.DueDateOffsetDays != nil && refs.StepStart != nil {
			d := refs.StepStart.AddDate(0, 0, *rule.DueDateOffsetDays)
			due = &d
		}
		c, err := e.insert(ctx, tx, Condition{
			TransactionID: p.TransactionID,
			LabelFR:       rule.Title,
			LabelEN:       labelEN,
			Type:          ruleType(rule.Type),
			Priority:      priorityOrDefault(rule.Priority),
			Level:         LevelForRule(rule),
			SourceType:    SourceStepRule,
			DueDate:       due,
		}, &p.Step, p.ActorID, map[string]any{"source": string(SourceStepRule), "step_key": p.Step.Key})
		if err != nil {
			return nil, err
		}
		existing = append(existing, c)
		created = append(created, c)
	}

	if e.catalog != nil {
		templates, err := e.catalog.Applicable(ctx, p.Step.Key, p.Profile)
		if err != nil {
			return nil, fmt.Errorf("condition: load catalog: %w", err)
		}
		for _, t := range templates {
			if MatchesExisting(existing, t.ID, t.LabelFR, t.LabelEN) {
				continue
			}
			c, err := e.insert(ctx, tx, fromTemplate(t, p.TransactionID, refs), &p.Step, p.ActorID,
				map[string]any{"source": string(SourceTemplate), "template_id": t.ID, "step_key": p.Step.Key})
			if err != nil {
				return nil, err
			}
			existing = append(existing, c)
			created = append(created, c)
		}
	}

	if len(created) > 0 {
		e.logger.DebugContext(ctx, "conditions materialized", "transaction_id", p.TransactionID, "step_order", p.Step.Order, "count", len(created))
	}
	return created, nil
}

func fromTemplate(t Template, transactionID string, refs ReferenceDates) Condition {
	templateID := t.ID
	return Condition{
		TransactionID: transactionID,
		TemplateID:    &templateID,
		LabelFR:       t.LabelFR,
		LabelEN:       t.LabelEN,
		Type:          ruleType(t.Type),
		Priority:      priorityOrDefault(string(t.Priority)),
		Level:         t.Level,
		SourceType:    SourceTemplate,
		DueDate:       CalculateDueDate(t, refs),
	}
}

func ruleType(t string) string {
	if strings.TrimSpace(t) == "" {
		return "other"
	}
	return t
}

func (e *Engine) insert(ctx context.Context, tx pgx.Tx, c Condition, step *StepRef, actorID string, meta map[string]any) (Condition, error) {
	now := e.now()
	c.ID = uuid.NewString()
	c.Status = StatusPending
	c.CreatedBy = actorID
	c.CreatedAt = now
	c.UpdatedAt = now
	if step != nil {
		stepID := step.ID
		c.TransactionStepID = &stepID
		c.StepWhenCreated = step.Order
	}
	if !c.Level.Valid() {
		return Condition{}, domainerr.Validation("condition.create", fmt.Sprintf("unknown level %q", c.Level))
	}

	stored, err := e.repo.Insert(ctx, tx, c)
	if err != nil {
		return Condition{}, err
	}
	meta["level"] = string(stored.Level)
	if err := e.appendEvent(ctx, tx, stored, EventCreated, actorID, meta); err != nil {
		return Condition{}, err
	}
	return stored, nil
}

type CreateParams struct {
	TransactionID string
	// Step is the active step; nil leaves the condition unattached.
	Step        *StepRef
	TemplateID  string
	LabelFR     string
	LabelEN     string
	Description string
	Type        string
	Priority    Priority
	Level       Level
	DueDate     *time.Time
	Refs        ReferenceDates
	ActorID     string
}

// Create adds a condition by hand or from a catalog template. Template labels
// are snapshotted; explicit values in p override the template's.
func (e *Engine) Create(ctx context.Context, tx pgx.Tx, p CreateParams) (Condition, error) {
	const op = "condition.create"

	var c Condition
	meta := map[string]any{}
	if p.TemplateID != "" {
		if e.catalog == nil {
			return Condition{}, domainerr.NotFound(op, "condition template")
		}
		t, err := e.catalog.Get(ctx, p.TemplateID)
		if err != nil {
			return Condition{}, err
		}
		existing, err := e.repo.ListByTransaction(ctx, tx, p.TransactionID, false)
		if err != nil {
			return Condition{}, err
		}
		if MatchesExisting(existing, t.ID, "", "") {
			return Condition{}, domainerr.New(op, domainerr.CodeConflict, "template already applied to this transaction")
		}
		refs := p.Refs
		if refs.StepStart == nil && p.Step != nil {
			refs.StepStart = p.Step.EnteredAt
		}
		c = fromTemplate(t, p.TransactionID, refs)
		meta["source"] = string(SourceTemplate)
		meta["template_id"] = t.ID
	} else {
		if strings.TrimSpace(p.LabelFR) == "" && strings.TrimSpace(p.LabelEN) == "" {
			return Condition{}, domainerr.Validation(op, "a label is required")
		}
		c = Condition{
			TransactionID: p.TransactionID,
			Type:          ruleType(p.Type),
			Priority:      PriorityMedium,
			Level:         LevelRequired,
			SourceType:    SourceManual,
		}
		meta["source"] = string(SourceManual)
	}

	if p.LabelFR != "" {
		c.LabelFR = strings.TrimSpace(p.LabelFR)
	}
	if p.LabelEN != "" {
		c.LabelEN = strings.TrimSpace(p.LabelEN)
	}
	if c.LabelFR == "" {
		c.LabelFR = c.LabelEN
	}
	if c.LabelEN == "" {
		c.LabelEN = c.LabelFR
	}
	if p.Description != "" {
		d := p.Description
		c.Description = &d
	}
	if p.Type != "" {
		c.Type = p.Type
	}
	if p.Priority != "" {
		if !p.Priority.Valid() {
			return Condition{}, domainerr.Validation(op, fmt.Sprintf("unknown priority %q", p.Priority))
		}
		c.Priority = p.Priority
	}
	if p.Level != "" {
		if !p.Level.Valid() {
			return Condition{}, domainerr.Validation(op, fmt.Sprintf("unknown level %q", p.Level))
		}
		c.Level = p.Level
	}
	if p.DueDate != nil {
		c.DueDate = p.DueDate
	}

	return e.insert(ctx, tx, c, p.Step, p.ActorID, meta)
}

// Start moves a pending condition to in_progress.
func (e *Engine) Start(ctx context.Context, tx pgx.Tx, id, actorID string) (Condition, error) {
	const op = "condition.start"
	c, err := e.repo.Get(ctx, tx, id, true)
	if err != nil {
		return Condition{}, err
	}
	switch {
	case c.Archived:
		return Condition{}, domainerr.Validation(op, "condition is archived")
	case c.Status != StatusPending:
		return Condition{}, domainerr.Validation(op, fmt.Sprintf("condition is %s", c.Status))
	}

	now := e.now()
	c.Status = StatusInProgress
	c.StartedAt = &now
	c.UpdatedAt = now
	if err := e.repo.Update(ctx, tx, c); err != nil {
		return Condition{}, err
	}
	if err := e.appendEvent(ctx, tx, c, EventStarted, actorID, nil); err != nil {
		return Condition{}, err
	}
	return c, nil
}

type ResolveParams struct {
	ConditionID    string
	ResolutionType ResolutionType
	Note           string
	ActorID        string
	// StepOrder is the order of the transaction's active step, if any.
	StepOrder           *int
	EscapedWithoutProof bool
	EscapeReason        string
}

func (e *Engine) Resolve(ctx context.Context, tx pgx.Tx, p ResolveParams) (Condition, error) {
	const op = "condition.resolve"
	if !p.ResolutionType.Valid() {
		return Condition{}, domainerr.Validation(op, fmt.Sprintf("unknown resolution type %q", p.ResolutionType))
	}
	reason := strings.TrimSpace(p.EscapeReason)
	if p.EscapedWithoutProof && reason == "" {
		return Condition{}, domainerr.Validation(op, "an escape reason is required when resolving without proof")
	}

	c, err := e.repo.Get(ctx, tx, p.ConditionID, true)
	if err != nil {
		return Condition{}, err
	}
	switch {
	case c.Archived:
		return Condition{}, domainerr.Validation(op, "condition is archived")
	case c.Status == StatusCompleted:
		return Condition{}, domainerr.Validation(op, "condition is already resolved")
	}
	if c.Level == LevelBlocking && p.ResolutionType == ResolutionSkippedWithRisk {
		return Condition{}, domainerr.New(op, domainerr.CodeBlockingCannotSkip, "a blocking condition cannot be skipped with risk")
	}

	if e.requireProof && p.ResolutionType == ResolutionCompleted && !p.EscapedWithoutProof {
		evidence, err := e.repo.ListEvidence(ctx, tx, c.ID)
		if err != nil {
			return Condition{}, err
		}
		if !hasLiveEvidence(evidence) {
			return Condition{}, domainerr.Validation(op, "evidence is required to complete this condition")
		}
	}

	now := e.now()
	resolution := p.ResolutionType
	actor := p.ActorID
	c.Status = StatusCompleted
	c.ResolutionType = &resolution
	c.ResolvedAt = &now
	c.ResolvedBy = &actor
	c.StepWhenResolved = p.StepOrder
	c.UpdatedAt = now
	if note := strings.TrimSpace(p.Note); note != "" {
		c.ResolutionNote = &note
	}
	if p.EscapedWithoutProof {
		c.EscapedWithoutProof = true
		c.EscapeReason = &reason
	}
	if err := e.repo.Update(ctx, tx, c); err != nil {
		return Condition{}, err
	}

	meta := map[string]any{"resolution_type": string(resolution)}
	if c.ResolutionNote != nil {
		meta["note"] = *c.ResolutionNote
	}
	if p.EscapedWithoutProof {
		meta["escaped_without_proof"] = true
		meta["escape_reason"] = reason
	}
	if err := e.appendEvent(ctx, tx, c, EventResolved, p.ActorID, meta); err != nil {
		return Condition{}, err
	}
	return c, nil
}

func hasLiveEvidence(evidence []Evidence) bool {
	for _, ev := range evidence {
		if ev.Live() {
			return true
		}
	}
	return false
}

// UnresolvedBlocking returns the open blocking conditions attached to
// stepID. Rows are read FOR UPDATE so a concurrent resolution waits for the
// caller's transaction.
func (e *Engine) UnresolvedBlocking(ctx context.Context, tx pgx.Tx, stepID string) ([]Condition, error) {
	conds, err := e.repo.ListByStep(ctx, tx, stepID, true)
	if err != nil {
		return nil, err
	}
	var out []Condition
	for _, c := range conds {
		if c.Blocks() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (e *Engine) HasUnresolvedBlocking(ctx context.Context, tx pgx.Tx, stepID string) (bool, error) {
	out, err := e.UnresolvedBlocking(ctx, tx, stepID)
	return len(out) > 0, err
}

// ArchiveForStep archives every non-archived condition on step.
func (e *Engine) ArchiveForStep(ctx context.Context, tx pgx.Tx, step StepRef, actorID string) ([]Condition, error) {
	conds, err := e.repo.ListByStep(ctx, tx, step.ID, true)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]Condition, 0, len(conds))
	for _, c := range conds {
		order := step.Order
		c.Archived = true
		c.ArchivedAt = &now
		c.ArchivedStep = &order
		c.UpdatedAt = now
		if err := e.repo.Update(ctx, tx, c); err != nil {
			return nil, err
		}
		if err := e.appendEvent(ctx, tx, c, EventArchived, actorID, map[string]any{"step_order": step.Order, "status": string(c.Status)}); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type EvidenceParams struct {
	ConditionID string
	Kind        EvidenceKind
	Title       string
	URL         string
	Body        string
	ActorID     string
}

func (e *Engine) AddEvidence(ctx context.Context, tx pgx.Tx, p EvidenceParams) (Evidence, error) {
	const op = "condition.evidence"
	if !p.Kind.Valid() {
		return Evidence{}, domainerr.Validation(op, fmt.Sprintf("unknown evidence kind %q", p.Kind))
	}
	url, body := strings.TrimSpace(p.URL), strings.TrimSpace(p.Body)
	switch p.Kind {
	case EvidenceFile, EvidenceLink:
		if url == "" {
			return Evidence{}, domainerr.Validation(op, fmt.Sprintf("%s evidence needs a url", p.Kind))
		}
	case EvidenceNote:
		if body == "" {
			return Evidence{}, domainerr.Validation(op, "note evidence needs a body")
		}
	}

	c, err := e.repo.Get(ctx, tx, p.ConditionID, true)
	if err != nil {
		return Evidence{}, err
	}
	if c.Archived {
		return Evidence{}, domainerr.Validation(op, "condition is archived")
	}

	ev := Evidence{
		ID:          uuid.NewString(),
		ConditionID: c.ID,
		Kind:        p.Kind,
		Title:       strings.TrimSpace(p.Title),
		AddedBy:     p.ActorID,
		CreatedAt:   e.now(),
	}
	if url != "" {
		ev.URL = &url
	}
	if body != "" {
		ev.Body = &body
	}
	stored, err := e.repo.InsertEvidence(ctx, tx, ev)
	if err != nil {
		return Evidence{}, err
	}
	if err := e.appendEvent(ctx, tx, c, EventEvidenceAdded, p.ActorID, map[string]any{"evidence_id": stored.ID, "kind": string(stored.Kind)}); err != nil {
		return Evidence{}, err
	}
	return stored, nil
}

// RemoveEvidence soft-deletes evidence; the row stays for the audit trail.
func (e *Engine) RemoveEvidence(ctx context.Context, tx pgx.Tx, conditionID, evidenceID, actorID string) error {
	c, err := e.repo.Get(ctx, tx, conditionID, true)
	if err != nil {
		return err
	}
	ev, err := e.repo.GetEvidence(ctx, tx, evidenceID)
	if err != nil {
		return err
	}
	if ev.ConditionID != c.ID || !ev.Live() {
		return domainerr.NotFound("condition.evidence", "evidence")
	}
	if err := e.repo.MarkEvidenceRemoved(ctx, tx, ev.ID, actorID, e.now()); err != nil {
		return err
	}
	return e.appendEvent(ctx, tx, c, EventEvidenceRemoved, actorID, map[string]any{"evidence_id": ev.ID, "kind": string(ev.Kind)})
}

func (e *Engine) AddNote(ctx context.Context, tx pgx.Tx, conditionID, body, actorID string) (Condition, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Condition{}, domainerr.Validation("condition.note", "note body is required")
	}
	c, err := e.repo.Get(ctx, tx, conditionID, true)
	if err != nil {
		return Condition{}, err
	}
	if err := e.appendEvent(ctx, tx, c, EventNoteAdded, actorID, map[string]any{"note": body}); err != nil {
		return Condition{}, err
	}
	return c, nil
}

// ChangeLevel is an administrative override of a condition's level.
func (e *Engine) ChangeLevel(ctx context.Context, tx pgx.Tx, conditionID string, level Level, reason, actorID string) (Condition, error) {
	const op = "condition.level"
	if !level.Valid() {
		return Condition{}, domainerr.Validation(op, fmt.Sprintf("unknown level %q", level))
	}
	c, err := e.repo.Get(ctx, tx, conditionID, true)
	if err != nil {
		return Condition{}, err
	}
	if c.Level == level {
		return Condition{}, domainerr.Validation(op, fmt.Sprintf("condition is already %s", level))
	}
	if level == LevelBlocking && c.ResolutionType != nil && *c.ResolutionType == ResolutionSkippedWithRisk {
		return Condition{}, domainerr.New(op, domainerr.CodeBlockingCannotSkip, "a condition skipped with risk cannot become blocking")
	}

	from := c.Level
	c.Level = level
	c.UpdatedAt = e.now()
	if err := e.repo.Update(ctx, tx, c); err != nil {
		return Condition{}, err
	}
	meta := map[string]any{"from": string(from), "to": string(level)}
	if r := strings.TrimSpace(reason); r != "" {
		meta["reason"] = r
	}
	if err := e.appendEvent(ctx, tx, c, EventLevelChangedAdmin, actorID, meta); err != nil {
		return Condition{}, err
	}
	return c, nil
}

// Unarchive restores an archived condition and attaches it to step, the
// transaction's active step, so it is enforced again. A nil step leaves the
// attachment unchanged.
func (e *Engine) Unarchive(ctx context.Context, tx pgx.Tx, conditionID string, step *StepRef, actorID string) (Condition, error) {
	c, err := e.repo.Get(ctx, tx, conditionID, true)
	if err != nil {
		return Condition{}, err
	}
	if !c.Archived {
		return Condition{}, domainerr.Validation("condition.unarchive", "condition is not archived")
	}

	meta := map[string]any{}
	if c.ArchivedStep != nil {
		meta["archived_step"] = *c.ArchivedStep
	}
	if c.TransactionStepID != nil {
		meta["from_step_id"] = *c.TransactionStepID
	}
	if step != nil {
		stepID := step.ID
		c.TransactionStepID = &stepID
		meta["to_step_id"] = step.ID
	}
	c.Archived = false
	c.ArchivedAt = nil
	c.ArchivedStep = nil
	c.UpdatedAt = e.now()
	if err := e.repo.Update(ctx, tx, c); err != nil {
		return Condition{}, err
	}
	if err := e.appendEvent(ctx, tx, c, EventUnarchivedAdmin, actorID, meta); err != nil {
		return Condition{}, err
	}
	return c, nil
}
