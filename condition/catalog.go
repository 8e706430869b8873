package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"

	"dealflow/cache"
	"dealflow/db"
	"dealflow/domainerr"
	"dealflow/logging"
)

// TemplateStore persists catalog templates.
type TemplateStore interface {
	ListTemplates(ctx context.Context) ([]Template, error)
	// InsertTemplates stores every template or none of them.
	InsertTemplates(ctx context.Context, templates []Template) ([]Template, error)
}

type PGTemplateStore struct {
	db db.Pool
}

func NewPGTemplateStore(pool db.Pool) *PGTemplateStore {
	return &PGTemplateStore{db: pool}
}

var _ TemplateStore = (*PGTemplateStore)(nil)

func (s *PGTemplateStore) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, label_fr, label_en, type, priority, level, source_type, step_key,
		       applies_when::text, deadline_reference, default_deadline_days, active, created_at
		FROM condition_templates
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("condition: list templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var (
			t        Template
			priority string
			level    string
			applies  string
			deadline *string
		)
		if err := rows.Scan(&t.ID, &t.LabelFR, &t.LabelEN, &t.Type, &priority, &level, &t.SourceType, &t.StepKey,
			&applies, &deadline, &t.DefaultDeadlineDays, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("condition: scan template: %w", err)
		}
		t.Priority = Priority(priority)
		t.Level = Level(level)
		if deadline != nil {
			ref := DeadlineReference(*deadline)
			t.DeadlineReference = &ref
		}
		if err := json.Unmarshal([]byte(applies), &t.AppliesWhen); err != nil {
			return nil, fmt.Errorf("condition: decode applies_when: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("condition: iterate templates: %w", err)
	}
	return out, nil
}

func (s *PGTemplateStore) InsertTemplates(ctx context.Context, templates []Template) ([]Template, error) {
	out := make([]Template, 0, len(templates))
	err := db.InTx(ctx, s.db, func(tx pgx.Tx) error {
		for _, t := range templates {
			stored, err := insertTemplate(ctx, tx, t)
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertTemplate(ctx context.Context, q db.Querier, t Template) (Template, error) {
	var deadline *string
	if t.DeadlineReference != nil {
		d := string(*t.DeadlineReference)
		deadline = &d
	}
	err := q.QueryRow(ctx, `
		INSERT INTO condition_templates (
			id, label_fr, label_en, type, priority, level, source_type, step_key,
			applies_when, deadline_reference, default_deadline_days, active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10,$11,$12)
		RETURNING created_at
	`, t.ID, t.LabelFR, t.LabelEN, t.Type, string(t.Priority), string(t.Level), t.SourceType, t.StepKey,
		db.ToJSON(t.AppliesWhen), deadline, t.DefaultDeadlineDays, t.Active).Scan(&t.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Template{}, domainerr.New("condition.template", domainerr.CodeConflict, "template already exists")
		}
		return Template{}, fmt.Errorf("condition: insert template: %w", err)
	}
	return t, nil
}

const catalogKey = "templates"

// Catalog serves condition templates from a TTL cache.
type Catalog struct {
	store  TemplateStore
	cache  *cache.TTL[[]Template]
	logger *slog.Logger
}

func NewCatalog(store TemplateStore, ttl time.Duration) *Catalog {
	return &Catalog{
		store: store,
		cache: cache.NewTTL[[]Template](ttl, func(ctx context.Context, _ string) ([]Template, error) {
			return store.ListTemplates(ctx)
		}),
		logger: logging.WithModule("catalog"),
	}
}

func (c *Catalog) Cache() *cache.TTL[[]Template] {
	return c.cache
}

// All returns every template, active or not.
func (c *Catalog) All(ctx context.Context) ([]Template, error) {
	return c.cache.Get(ctx, catalogKey)
}

func (c *Catalog) Active(ctx context.Context) ([]Template, error) {
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Template, 0, len(all))
	for _, t := range all {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *Catalog) Get(ctx context.Context, id string) (Template, error) {
	all, err := c.All(ctx)
	if err != nil {
		return Template{}, err
	}
	for _, t := range all {
		if t.ID == id {
			return t, nil
		}
	}
	return Template{}, domainerr.NotFound("catalog.get", "condition template")
}

// Applicable returns the active templates matching stepKey and profile.
func (c *Catalog) Applicable(ctx context.Context, stepKey string, p Profile) ([]Template, error) {
	active, err := c.Active(ctx)
	if err != nil {
		return nil, err
	}
	var out []Template
	for _, t := range active {
		if AppliesToStep(t, stepKey) && AppliesTo(t, p) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Import validates the whole batch and stores it atomically. The cached
// catalog is dropped whatever the outcome.
func (c *Catalog) Import(ctx context.Context, templates []Template) ([]Template, error) {
	defer c.cache.Invalidate()

	batch := make([]Template, 0, len(templates))
	for i, t := range templates {
		if err := ValidateTemplate(t); err != nil {
			return nil, fmt.Errorf("template %d: %w", i+1, err)
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.SourceType == "" {
			t.SourceType = "catalog"
		}
		batch = append(batch, t)
	}

	out, err := c.store.InsertTemplates(ctx, batch)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "condition templates imported", "count", len(out))
	return out, nil
}

func ValidateTemplate(t Template) error {
	const op = "catalog.validate"
	switch {
	case strings.TrimSpace(t.LabelFR) == "" && strings.TrimSpace(t.LabelEN) == "":
		return domainerr.Validation(op, "template needs a label")
	case strings.TrimSpace(t.Type) == "":
		return domainerr.Validation(op, "template type is required")
	case !t.Level.Valid():
		return domainerr.Validation(op, fmt.Sprintf("unknown level %q", t.Level))
	case t.Priority != "" && !t.Priority.Valid():
		return domainerr.Validation(op, fmt.Sprintf("unknown priority %q", t.Priority))
	case t.DeadlineReference != nil && !t.DeadlineReference.Valid():
		return domainerr.Validation(op, fmt.Sprintf("unknown deadline reference %q", *t.DeadlineReference))
	case t.DefaultDeadlineDays != nil && *t.DefaultDeadlineDays < 0:
		return domainerr.Validation(op, "default_deadline_days must not be negative")
	}
	return nil
}

// LoadTemplatesFile reads a YAML document of the form {templates: [...]}.
// Missing labels in one language are filled from the other and templates
// default to active.
func LoadTemplatesFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("condition: read %s: %w", path, err)
	}
	return DecodeTemplatesYAML(data)
}

func DecodeTemplatesYAML(data []byte) ([]Template, error) {
	var raw struct {
		Templates []struct {
			Template `yaml:",inline"`
			Active   *bool `yaml:"active"`
		} `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, domainerr.Wrap("catalog.decode", domainerr.CodeValidationFailed, "invalid template document", err)
	}
	out := make([]Template, 0, len(raw.Templates))
	for _, r := range raw.Templates {
		t := r.Template
		t.Active = r.Active == nil || *r.Active
		if t.LabelEN == "" {
			t.LabelEN = t.LabelFR
		}
		if t.LabelFR == "" {
			t.LabelFR = t.LabelEN
		}
		if t.Priority == "" {
			t.Priority = PriorityMedium
		}
		out = append(out, t)
	}
	return out, nil
}
