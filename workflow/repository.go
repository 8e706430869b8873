package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"dealflow/db"
	"dealflow/domainerr"
)

// Store persists workflow definitions. Definitions are never updated once
// stored; a changed workflow is imported as a new definition.
type Store interface {
	GetDefinition(ctx context.Context, id string) (Definition, error)
	ListDefinitions(ctx context.Context) ([]Definition, error)
	InsertDefinition(ctx context.Context, def Definition) (Definition, error)
}

// PGStore implements Store backed by PostgreSQL. Steps are stored as one
// jsonb document per definition.
type PGStore struct {
	db db.Querier
}

func NewPGStore(q db.Querier) *PGStore {
	return &PGStore{db: q}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) GetDefinition(ctx context.Context, id string) (Definition, error) {
	const query = `
		SELECT id, name, province, transaction_type, steps, created_at
		FROM workflow_definitions
		WHERE id = $1
	`

	def, err := scanDefinition(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) {
			return Definition{}, domainerr.NotFound("workflow.get", "workflow definition")
		}
		return Definition{}, fmt.Errorf("workflow: get definition: %w", err)
	}
	return def, nil
}

func (s *PGStore) ListDefinitions(ctx context.Context) ([]Definition, error) {
	const query = `
		SELECT id, name, province, transaction_type, steps, created_at
		FROM workflow_definitions
		ORDER BY created_at DESC
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("workflow: list definitions: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("workflow: scan definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: iterate definitions: %w", err)
	}
	return defs, nil
}

func (s *PGStore) InsertDefinition(ctx context.Context, def Definition) (Definition, error) {
	const insertSQL = `
		INSERT INTO workflow_definitions (id, name, province, transaction_type, steps)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		RETURNING created_at
	`

	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: encode steps: %w", err)
	}
	if err := s.db.QueryRow(ctx, insertSQL, def.ID, def.Name, def.Province, def.TransactionType, string(steps)).Scan(&def.CreatedAt); err != nil {
		if db.IsUniqueViolation(err) {
			return Definition{}, domainerr.New("workflow.insert", domainerr.CodeConflict, "definition id already exists")
		}
		return Definition{}, fmt.Errorf("workflow: insert definition: %w", err)
	}
	return def, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (Definition, error) {
	var (
		def   Definition
		steps []byte
	)
	if err := row.Scan(&def.ID, &def.Name, &def.Province, &def.TransactionType, &steps, &def.CreatedAt); err != nil {
		return Definition{}, err
	}
	if err := json.Unmarshal(steps, &def.Steps); err != nil {
		return Definition{}, fmt.Errorf("decode steps: %w", err)
	}
	return def, nil
}
