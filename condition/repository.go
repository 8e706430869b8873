package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
	"dealflow/domainerr"
)

// Repository persists conditions, their evidence and their event log. Every
// method runs on the caller's transaction.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, c Condition) (Condition, error)
	Get(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (Condition, error)
	Update(ctx context.Context, tx pgx.Tx, c Condition) error
	ListByTransaction(ctx context.Context, tx pgx.Tx, transactionID string, includeArchived bool) ([]Condition, error)
	// ListByStep returns the non-archived conditions attached to stepID.
	ListByStep(ctx context.Context, tx pgx.Tx, stepID string, forUpdate bool) ([]Condition, error)

	InsertEvidence(ctx context.Context, tx pgx.Tx, e Evidence) (Evidence, error)
	GetEvidence(ctx context.Context, tx pgx.Tx, id string) (Evidence, error)
	MarkEvidenceRemoved(ctx context.Context, tx pgx.Tx, id, actorID string, at time.Time) error
	ListEvidence(ctx context.Context, tx pgx.Tx, conditionID string) ([]Evidence, error)

	AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error
	ListEvents(ctx context.Context, tx pgx.Tx, conditionID string) ([]Event, error)
}

type PGRepository struct{}

func NewPGRepository() *PGRepository {
	return &PGRepository{}
}

var _ Repository = (*PGRepository)(nil)

const conditionColumns = `
	id::text, transaction_id::text, transaction_step_id::text, template_id::text,
	label_fr, label_en, description, type, priority, level, source_type, status,
	resolution_type, resolution_note, resolved_at, resolved_by, due_date,
	step_when_created, step_when_resolved, archived, archived_at, archived_step,
	escaped_without_proof, escape_reason, started_at, created_by, created_at, updated_at`

func scanCondition(row pgx.Row) (Condition, error) {
	var (
		c          Condition
		priority   string
		level      string
		source     string
		status     string
		resolution *string
	)
	err := row.Scan(
		&c.ID, &c.TransactionID, &c.TransactionStepID, &c.TemplateID,
		&c.LabelFR, &c.LabelEN, &c.Description, &c.Type, &priority, &level, &source, &status,
		&resolution, &c.ResolutionNote, &c.ResolvedAt, &c.ResolvedBy, &c.DueDate,
		&c.StepWhenCreated, &c.StepWhenResolved, &c.Archived, &c.ArchivedAt, &c.ArchivedStep,
		&c.EscapedWithoutProof, &c.EscapeReason, &c.StartedAt, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Condition{}, err
	}
	c.Priority = Priority(priority)
	c.Level = Level(level)
	c.SourceType = SourceType(source)
	c.Status = Status(status)
	if resolution != nil {
		r := ResolutionType(*resolution)
		c.ResolutionType = &r
	}
	return c, nil
}

func (PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Condition) (Condition, error) {
	var resolution *string
	if c.ResolutionType != nil {
		s := string(*c.ResolutionType)
		resolution = &s
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO conditions (
			id, transaction_id, transaction_step_id, template_id, label_fr, label_en, description,
			type, priority, level, source_type, status, resolution_type, due_date,
			step_when_created, created_by, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
		RETURNING `+conditionColumns,
		c.ID, c.TransactionID, c.TransactionStepID, c.TemplateID, c.LabelFR, c.LabelEN, c.Description,
		c.Type, string(c.Priority), string(c.Level), string(c.SourceType), string(c.Status), resolution, c.DueDate,
		c.StepWhenCreated, c.CreatedBy, c.CreatedAt,
	)
	out, err := scanCondition(row)
	if err != nil {
		return Condition{}, fmt.Errorf("condition: insert: %w", err)
	}
	return out, nil
}

func (PGRepository) Get(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (Condition, error) {
	query := `SELECT ` + conditionColumns + ` FROM conditions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanCondition(tx.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) {
			return Condition{}, domainerr.NotFound("condition.get", "condition")
		}
		return Condition{}, fmt.Errorf("condition: get: %w", err)
	}
	return c, nil
}

func (PGRepository) Update(ctx context.Context, tx pgx.Tx, c Condition) error {
	var resolution *string
	if c.ResolutionType != nil {
		s := string(*c.ResolutionType)
		resolution = &s
	}
	tag, err := tx.Exec(ctx, `
		UPDATE conditions SET
			transaction_step_id = $2, level = $3, status = $4, resolution_type = $5,
			resolution_note = $6, resolved_at = $7, resolved_by = $8, step_when_resolved = $9,
			archived = $10, archived_at = $11, archived_step = $12,
			escaped_without_proof = $13, escape_reason = $14, started_at = $15, updated_at = $16
		WHERE id = $1
	`,
		c.ID, c.TransactionStepID, string(c.Level), string(c.Status), resolution,
		c.ResolutionNote, c.ResolvedAt, c.ResolvedBy, c.StepWhenResolved,
		c.Archived, c.ArchivedAt, c.ArchivedStep,
		c.EscapedWithoutProof, c.EscapeReason, c.StartedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("condition: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerr.NotFound("condition.update", "condition")
	}
	return nil
}

func (PGRepository) ListByTransaction(ctx context.Context, tx pgx.Tx, transactionID string, includeArchived bool) ([]Condition, error) {
	query := `SELECT ` + conditionColumns + ` FROM conditions WHERE transaction_id = $1`
	if !includeArchived {
		query += ` AND archived = false`
	}
	query += ` ORDER BY step_when_created, created_at, id`
	return queryConditions(ctx, tx, query, transactionID)
}

func (PGRepository) ListByStep(ctx context.Context, tx pgx.Tx, stepID string, forUpdate bool) ([]Condition, error) {
	query := `SELECT ` + conditionColumns + `
		FROM conditions
		WHERE transaction_step_id = $1 AND archived = false
		ORDER BY created_at, id`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return queryConditions(ctx, tx, query, stepID)
}

func queryConditions(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]Condition, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("condition: list: %w", err)
	}
	defer rows.Close()

	var out []Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("condition: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("condition: iterate: %w", err)
	}
	return out, nil
}

const evidenceColumns = `id::text, condition_id::text, kind, title, url, body, added_by, created_at, removed_at, removed_by`

func scanEvidence(row pgx.Row) (Evidence, error) {
	var (
		e    Evidence
		kind string
	)
	if err := row.Scan(&e.ID, &e.ConditionID, &kind, &e.Title, &e.URL, &e.Body, &e.AddedBy, &e.CreatedAt, &e.RemovedAt, &e.RemovedBy); err != nil {
		return Evidence{}, err
	}
	e.Kind = EvidenceKind(kind)
	return e, nil
}

func (PGRepository) InsertEvidence(ctx context.Context, tx pgx.Tx, e Evidence) (Evidence, error) {
	out, err := scanEvidence(tx.QueryRow(ctx, `
		INSERT INTO condition_evidence (id, condition_id, kind, title, url, body, added_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+evidenceColumns,
		e.ID, e.ConditionID, string(e.Kind), e.Title, e.URL, e.Body, e.AddedBy, e.CreatedAt,
	))
	if err != nil {
		return Evidence{}, fmt.Errorf("condition: insert evidence: %w", err)
	}
	return out, nil
}

func (PGRepository) GetEvidence(ctx context.Context, tx pgx.Tx, id string) (Evidence, error) {
	e, err := scanEvidence(tx.QueryRow(ctx, `SELECT `+evidenceColumns+` FROM condition_evidence WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return Evidence{}, domainerr.NotFound("condition.evidence", "evidence")
		}
		return Evidence{}, fmt.Errorf("condition: get evidence: %w", err)
	}
	return e, nil
}

func (PGRepository) MarkEvidenceRemoved(ctx context.Context, tx pgx.Tx, id, actorID string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE condition_evidence
		SET removed_at = $2, removed_by = $3
		WHERE id = $1 AND removed_at IS NULL
	`, id, at, actorID)
	if err != nil {
		return fmt.Errorf("condition: remove evidence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerr.NotFound("condition.evidence", "evidence")
	}
	return nil
}

func (PGRepository) ListEvidence(ctx context.Context, tx pgx.Tx, conditionID string) ([]Evidence, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+evidenceColumns+`
		FROM condition_evidence
		WHERE condition_id = $1
		ORDER BY created_at, id
	`, conditionID)
	if err != nil {
		return nil, fmt.Errorf("condition: list evidence: %w", err)
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("condition: scan evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO condition_events (condition_id, transaction_id, event_type, actor_id, meta, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, e.ConditionID, e.TransactionID, string(e.EventType), e.ActorID, db.ToJSON(e.Meta), e.CreatedAt); err != nil {
		return fmt.Errorf("condition: append event %s: %w", e.EventType, err)
	}
	return nil
}

func (PGRepository) ListEvents(ctx context.Context, tx pgx.Tx, conditionID string) ([]Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, condition_id::text, transaction_id::text, event_type, actor_id, meta::text, created_at
		FROM condition_events
		WHERE condition_id = $1
		ORDER BY id
	`, conditionID)
	if err != nil {
		return nil, fmt.Errorf("condition: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e    Event
			typ  string
			meta string
		)
		if err := rows.Scan(&e.ID, &e.ConditionID, &e.TransactionID, &typ, &e.ActorID, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("condition: scan event: %w", err)
		}
		e.EventType = EventType(typ)
		if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
			return nil, fmt.Errorf("condition: decode event meta: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
