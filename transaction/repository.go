package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/condition"
	"dealflow/db"
	"dealflow/domainerr"
)

// Store persists transactions, their steps and profiles. Every method runs on
// the caller's database transaction.
type Store interface {
	InsertTransaction(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (Transaction, error)
	SetCurrentStep(ctx context.Context, tx pgx.Tx, id string, stepID *string, at time.Time) error

	UpsertProfile(ctx context.Context, tx pgx.Tx, transactionID string, p condition.Profile) error
	GetProfile(ctx context.Context, tx pgx.Tx, transactionID string) (condition.Profile, error)

	InsertSteps(ctx context.Context, tx pgx.Tx, steps []Step) ([]Step, error)
	// ListSteps returns the steps ordered by step order.
	ListSteps(ctx context.Context, tx pgx.Tx, transactionID string, forUpdate bool) ([]Step, error)
	UpdateStep(ctx context.Context, tx pgx.Tx, s Step) error
}

type PGStore struct{}

func NewPGStore() *PGStore {
	return &PGStore{}
}

var _ Store = (*PGStore)(nil)

const transactionColumns = `id::text, definition_id::text, title, status, current_step_id::text,
	acceptance_date, closing_date, created_by, created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.DefinitionID, &t.Title, &t.Status, &t.CurrentStepID,
		&t.AcceptanceDate, &t.ClosingDate, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (PGStore) InsertTransaction(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, definition_id, title, status, acceptance_date, closing_date, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		RETURNING `+transactionColumns,
		t.ID, t.DefinitionID, t.Title, t.Status, t.AcceptanceDate, t.ClosingDate, t.CreatedBy, t.CreatedAt,
	)
	out, err := scanTransaction(row)
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction: insert: %w", err)
	}
	return out, nil
}

func (PGStore) GetTransaction(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTransaction(tx.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) {
			return Transaction{}, domainerr.NotFound("transaction.get", "transaction")
		}
		return Transaction{}, fmt.Errorf("transaction: get: %w", err)
	}
	return t, nil
}

func (PGStore) SetCurrentStep(ctx context.Context, tx pgx.Tx, id string, stepID *string, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE transactions SET current_step_id = $2, updated_at = $3 WHERE id = $1`, id, stepID, at)
	if err != nil {
		return fmt.Errorf("transaction: set current step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerr.NotFound("transaction.update", "transaction")
	}
	return nil
}

func (PGStore) UpsertProfile(ctx context.Context, tx pgx.Tx, transactionID string, p condition.Profile) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transaction_profiles (
			transaction_id, property_type, property_context, is_financed, has_well,
			has_septic, has_condo_docs, appraisal_required
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (transaction_id) DO UPDATE SET
			property_type = EXCLUDED.property_type,
			property_context = EXCLUDED.property_context,
			is_financed = EXCLUDED.is_financed,
			has_well = EXCLUDED.has_well,
			has_septic = EXCLUDED.has_septic,
			has_condo_docs = EXCLUDED.has_condo_docs,
			appraisal_required = EXCLUDED.appraisal_required
	`, transactionID, p.PropertyType, p.PropertyContext, p.IsFinanced, p.HasWell, p.HasSeptic, p.HasCondoDocs, p.AppraisalRequired)
	if err != nil {
		return fmt.Errorf("transaction: upsert profile: %w", err)
	}
	return nil
}

// GetProfile returns the zero profile when none was stored.
func (PGStore) GetProfile(ctx context.Context, tx pgx.Tx, transactionID string) (condition.Profile, error) {
	var p condition.Profile
	err := tx.QueryRow(ctx, `
		SELECT property_type, property_context, is_financed, has_well, has_septic, has_condo_docs, appraisal_required
		FROM transaction_profiles
		WHERE transaction_id = $1
	`, transactionID).Scan(&p.PropertyType, &p.PropertyContext, &p.IsFinanced, &p.HasWell, &p.HasSeptic, &p.HasCondoDocs, &p.AppraisalRequired)
	if err != nil {
		if db.IsNoRows(err) {
			return condition.Profile{}, nil
		}
		return condition.Profile{}, fmt.Errorf("transaction: get profile: %w", err)
	}
	return p, nil
}

const stepColumns = `id::text, transaction_id::text, workflow_step_ref, step_key, name, step_order, status, entered_at, completed_at`

func scanStep(row pgx.Row) (Step, error) {
	var (
		s      Step
		status string
	)
	if err := row.Scan(&s.ID, &s.TransactionID, &s.WorkflowStepRef, &s.Key, &s.Name, &s.Order, &status, &s.EnteredAt, &s.CompletedAt); err != nil {
		return Step{}, err
	}
	s.Status = StepStatus(status)
	return s, nil
}

func (PGStore) InsertSteps(ctx context.Context, tx pgx.Tx, steps []Step) ([]Step, error) {
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		row := tx.QueryRow(ctx, `
			INSERT INTO transaction_steps (id, transaction_id, workflow_step_ref, step_key, name, step_order, status, entered_at, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING `+stepColumns,
			s.ID, s.TransactionID, s.WorkflowStepRef, s.Key, s.Name, s.Order, string(s.Status), s.EnteredAt, s.CompletedAt,
		)
		stored, err := scanStep(row)
		if err != nil {
			return nil, fmt.Errorf("transaction: insert step %d: %w", s.Order, err)
		}
		out = append(out, stored)
	}
	return out, nil
}

func (PGStore) ListSteps(ctx context.Context, tx pgx.Tx, transactionID string, forUpdate bool) ([]Step, error) {
	query := `SELECT ` + stepColumns + ` FROM transaction_steps WHERE transaction_id = $1 ORDER BY step_order`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := tx.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("transaction: list steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("transaction: scan step: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transaction: iterate steps: %w", err)
	}
	return out, nil
}

func (PGStore) UpdateStep(ctx context.Context, tx pgx.Tx, s Step) error {
	tag, err := tx.Exec(ctx, `
		UPDATE transaction_steps
		SET status = $2, entered_at = $3, completed_at = $4
		WHERE id = $1
	`, s.ID, string(s.Status), s.EnteredAt, s.CompletedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return domainerr.New("transaction.step", domainerr.CodeConflict, "another step is already active")
		}
		return fmt.Errorf("transaction: update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerr.NotFound("transaction.step", "transaction step")
	}
	return nil
}

// Locker gives the condition service a consistent view of a transaction.
type Locker struct {
	store Store
}

func NewLocker(store Store) *Locker {
	return &Locker{store: store}
}

var _ condition.TransactionLocker = (*Locker)(nil)

func (l *Locker) LoadForConditions(ctx context.Context, tx pgx.Tx, transactionID string, lock bool) (condition.TransactionContext, error) {
	t, err := l.store.GetTransaction(ctx, tx, transactionID, lock)
	if err != nil {
		return condition.TransactionContext{}, err
	}
	steps, err := l.store.ListSteps(ctx, tx, transactionID, false)
	if err != nil {
		return condition.TransactionContext{}, err
	}
	profile, err := l.store.GetProfile(ctx, tx, transactionID)
	if err != nil {
		return condition.TransactionContext{}, err
	}

	tc := condition.TransactionContext{TransactionID: t.ID, Profile: profile, Refs: t.Refs()}
	if active, ok := ActiveStep(steps); ok {
		ref := active.Ref()
		tc.ActiveStep = &ref
		tc.Refs.StepStart = active.EnteredAt
	}
	return tc, nil
}
