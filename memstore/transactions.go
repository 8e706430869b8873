package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/condition"
	"dealflow/domainerr"
	"dealflow/transaction"
)

type Transactions struct {
	s *Store
}

var _ transaction.Store = (*Transactions)(nil)

func (r *Transactions) InsertTransaction(_ context.Context, _ pgx.Tx, t transaction.Transaction) (transaction.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.transactions[t.ID]; ok {
		return transaction.Transaction{}, domainerr.New("transaction.insert", domainerr.CodeConflict, "transaction already exists")
	}
	t.CurrentStepID = nil
	r.s.data.transactions[t.ID] = t
	return t, nil
}

func (r *Transactions) GetTransaction(_ context.Context, _ pgx.Tx, id string, _ bool) (transaction.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.data.transactions[id]
	if !ok {
		return transaction.Transaction{}, domainerr.NotFound("transaction.get", "transaction")
	}
	return t, nil
}

func (r *Transactions) SetCurrentStep(_ context.Context, _ pgx.Tx, id string, stepID *string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.data.transactions[id]
	if !ok {
		return domainerr.NotFound("transaction.update", "transaction")
	}
	if stepID != nil {
		if s, ok := r.s.data.steps[*stepID]; !ok || s.TransactionID != id {
			return fmt.Errorf("memstore: current step %s does not belong to transaction %s", *stepID, id)
		}
		sid := *stepID
		stepID = &sid
	}
	t.CurrentStepID = stepID
	t.UpdatedAt = at
	r.s.data.transactions[id] = t
	return nil
}

func (r *Transactions) UpsertProfile(_ context.Context, _ pgx.Tx, transactionID string, p condition.Profile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.transactions[transactionID]; !ok {
		return fmt.Errorf("memstore: profile for unknown transaction %s", transactionID)
	}
	r.s.data.profiles[transactionID] = p
	return nil
}

func (r *Transactions) GetProfile(_ context.Context, _ pgx.Tx, transactionID string) (condition.Profile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.data.profiles[transactionID], nil
}

func (r *Transactions) InsertSteps(_ context.Context, _ pgx.Tx, steps []transaction.Step) ([]transaction.Step, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, s := range steps {
		if err := r.checkStep(s); err != nil {
			return nil, err
		}
		r.s.data.steps[s.ID] = s
	}
	return append([]transaction.Step(nil), steps...), nil
}

// checkStep enforces the same uniqueness rules as the transaction_steps
// indexes: one order per transaction and at most one active step.
func (r *Transactions) checkStep(s transaction.Step) error {
	if !s.Status.Valid() {
		return fmt.Errorf("memstore: invalid step status %q", s.Status)
	}
	for id, other := range r.s.data.steps {
		if id == s.ID || other.TransactionID != s.TransactionID {
			continue
		}
		if other.Order == s.Order {
			return domainerr.New("transaction.step", domainerr.CodeConflict, fmt.Sprintf("step order %d already exists", s.Order))
		}
		if s.Status == transaction.StepActive && other.Status == transaction.StepActive {
			return domainerr.New("transaction.step", domainerr.CodeConflict, "another step is already active")
		}
	}
	return nil
}

func (r *Transactions) ListSteps(_ context.Context, _ pgx.Tx, transactionID string, _ bool) ([]transaction.Step, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []transaction.Step
	for _, s := range r.s.data.steps {
		if s.TransactionID == transactionID {
			out = append(out, s)
		}
	}
	return sortedBy(out, func(a, b transaction.Step) bool { return a.Order < b.Order }), nil
}

func (r *Transactions) UpdateStep(_ context.Context, _ pgx.Tx, s transaction.Step) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.data.steps[s.ID]
	if !ok {
		return domainerr.NotFound("transaction.step", "transaction step")
	}
	s.TransactionID = existing.TransactionID
	s.Order = existing.Order
	if err := r.checkStep(s); err != nil {
		return err
	}
	existing.Status = s.Status
	existing.EnteredAt = s.EnteredAt
	existing.CompletedAt = s.CompletedAt
	r.s.data.steps[s.ID] = existing
	return nil
}
