package memstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/condition"
	"dealflow/domainerr"
)

var errBlockingSkipped = errors.New("memstore: conditions_blocking_not_skipped check violated")

type Conditions struct {
	s *Store
}

var _ condition.Repository = (*Conditions)(nil)

func checkCondition(c condition.Condition) error {
	if c.Level == condition.LevelBlocking && c.ResolutionType != nil && *c.ResolutionType == condition.ResolutionSkippedWithRisk {
		return errBlockingSkipped
	}
	return nil
}

func (r *Conditions) Insert(_ context.Context, _ pgx.Tx, c condition.Condition) (condition.Condition, error) {
	if err := checkCondition(c); err != nil {
		return condition.Condition{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.transactions[c.TransactionID]; !ok {
		return condition.Condition{}, domainerr.NotFound("condition.insert", "transaction")
	}
	if _, ok := r.s.data.conditions[c.ID]; ok {
		return condition.Condition{}, domainerr.New("condition.insert", domainerr.CodeConflict, "condition already exists")
	}
	r.s.data.conditions[c.ID] = c
	r.s.data.conditionIDs = append(r.s.data.conditionIDs, c.ID)
	return c, nil
}

func (r *Conditions) Get(_ context.Context, _ pgx.Tx, id string, _ bool) (condition.Condition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.data.conditions[id]
	if !ok {
		return condition.Condition{}, domainerr.NotFound("condition.get", "condition")
	}
	return c, nil
}

// Update writes the mutable columns only, like the SQL UPDATE does.
func (r *Conditions) Update(_ context.Context, _ pgx.Tx, c condition.Condition) error {
	if err := checkCondition(c); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.data.conditions[c.ID]
	if !ok {
		return domainerr.NotFound("condition.update", "condition")
	}
	existing.TransactionStepID = c.TransactionStepID
	existing.Level = c.Level
	existing.Status = c.Status
	existing.ResolutionType = c.ResolutionType
	existing.ResolutionNote = c.ResolutionNote
	existing.ResolvedAt = c.ResolvedAt
	existing.ResolvedBy = c.ResolvedBy
	existing.StepWhenResolved = c.StepWhenResolved
	existing.Archived = c.Archived
	existing.ArchivedAt = c.ArchivedAt
	existing.ArchivedStep = c.ArchivedStep
	existing.EscapedWithoutProof = c.EscapedWithoutProof
	existing.EscapeReason = c.EscapeReason
	existing.StartedAt = c.StartedAt
	existing.UpdatedAt = c.UpdatedAt
	r.s.data.conditions[c.ID] = existing
	return nil
}

func (r *Conditions) ListByTransaction(_ context.Context, _ pgx.Tx, transactionID string, includeArchived bool) ([]condition.Condition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []condition.Condition
	for _, id := range r.s.data.conditionIDs {
		c := r.s.data.conditions[id]
		if c.TransactionID != transactionID || (c.Archived && !includeArchived) {
			continue
		}
		out = append(out, c)
	}
	return sortedBy(out, func(a, b condition.Condition) bool { return a.StepWhenCreated < b.StepWhenCreated }), nil
}

func (r *Conditions) ListByStep(_ context.Context, _ pgx.Tx, stepID string, _ bool) ([]condition.Condition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []condition.Condition
	for _, id := range r.s.data.conditionIDs {
		c := r.s.data.conditions[id]
		if c.Archived || c.TransactionStepID == nil || *c.TransactionStepID != stepID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Conditions) InsertEvidence(_ context.Context, _ pgx.Tx, e condition.Evidence) (condition.Evidence, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.conditions[e.ConditionID]; !ok {
		return condition.Evidence{}, domainerr.NotFound("condition.evidence", "condition")
	}
	r.s.data.evidence[e.ID] = e
	r.s.data.evidenceIDs = append(r.s.data.evidenceIDs, e.ID)
	return e, nil
}

func (r *Conditions) GetEvidence(_ context.Context, _ pgx.Tx, id string) (condition.Evidence, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	e, ok := r.s.data.evidence[id]
	if !ok {
		return condition.Evidence{}, domainerr.NotFound("condition.evidence", "evidence")
	}
	return e, nil
}

func (r *Conditions) MarkEvidenceRemoved(_ context.Context, _ pgx.Tx, id, actorID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.data.evidence[id]
	if !ok || e.RemovedAt != nil {
		return domainerr.NotFound("condition.evidence", "evidence")
	}
	e.RemovedAt = &at
	e.RemovedBy = &actorID
	r.s.data.evidence[id] = e
	return nil
}

func (r *Conditions) ListEvidence(_ context.Context, _ pgx.Tx, conditionID string) ([]condition.Evidence, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []condition.Evidence
	for _, id := range r.s.data.evidenceIDs {
		if e := r.s.data.evidence[id]; e.ConditionID == conditionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Conditions) AppendEvent(_ context.Context, _ pgx.Tx, e condition.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.conditions[e.ConditionID]; !ok {
		return domainerr.NotFound("condition.event", "condition")
	}
	e.ID = r.s.nextSeq()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.s.now()
	}
	r.s.data.events = append(r.s.data.events, e)
	return nil
}

func (r *Conditions) ListEvents(_ context.Context, _ pgx.Tx, conditionID string) ([]condition.Event, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []condition.Event
	for _, e := range r.s.data.events {
		if e.ConditionID == conditionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Events returns every condition event of a transaction in append order.
func (r *Conditions) Events(transactionID string) []condition.Event {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []condition.Event
	for _, e := range r.s.data.events {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out
}
