package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/domainerr"
)

const purchaseYAML = `
name: Residential purchase
province: QC
transaction_type: purchase
steps:
  - order: 1
    key: conditional_period
    name: Conditional period
    typical_duration_days: 14
    conditions:
      - title: Financement
        title_en: Financing
        type: financing
        priority: high
        blocking_by_default: true
        due_date_offset_days: 14
    automations:
      - id: welcome
        trigger: on_enter
        action: send_email
        template_ref: step_entered
        config:
          recipient_role: buyer
  - order: 2
    key: closing
    name: Closing
    automations:
      - id: notary-task
        trigger: on_enter
        action: create_task
        delay_days: 2
        config:
          title: Book the notary
          due_in_days: 5
`

func mustValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func TestDecodeYAMLAndValidate(t *testing.T) {
	def, err := DecodeYAML([]byte(purchaseYAML))
	require.NoError(t, err)

	require.Len(t, def.Steps, 2)
	assert.Equal(t, "conditional_period", def.Steps[0].Key)
	require.Len(t, def.Steps[0].Conditions, 1)
	assert.True(t, def.Steps[0].Conditions[0].BlockingByDefault)
	require.NotNil(t, def.Steps[0].Conditions[0].DueDateOffsetDays)
	assert.Equal(t, 14, *def.Steps[0].Conditions[0].DueDateOffsetDays)

	task := def.Steps[1].Automations[0]
	assert.Equal(t, ActionCreateTask, task.Action)
	days, ok := task.ConfigInt("due_in_days")
	assert.True(t, ok)
	assert.Equal(t, 5, days)

	require.NoError(t, mustValidator(t).ValidateDefinition(def))
}

func TestDecodeJSONNormalizesNumbers(t *testing.T) {
	def, err := DecodeJSON([]byte(`{"name":"x","steps":[{"order":1,"key":"a","name":"A","automations":[
		{"id":"t","trigger":"on_exit","action":"create_task","config":{"title":"T","due_in_days":3}}]}]}`))
	require.NoError(t, err)

	v, ok := def.Steps[0].Automations[0].ConfigInt("due_in_days")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	require.NoError(t, mustValidator(t).ValidateDefinition(def))
}

func TestValidateDefinitionRejects(t *testing.T) {
	base := func() Definition {
		def, err := DecodeYAML([]byte(purchaseYAML))
		require.NoError(t, err)
		return def
	}

	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"no steps", func(d *Definition) { d.Steps = nil }},
		{"gap in orders", func(d *Definition) { d.Steps[1].Order = 3 }},
		{"duplicate order", func(d *Definition) { d.Steps[1].Order = 1 }},
		{"duplicate key", func(d *Definition) { d.Steps[1].Key = d.Steps[0].Key }},
		{"bad key", func(d *Definition) { d.Steps[0].Key = "Has Spaces" }},
		{"unknown trigger", func(d *Definition) { d.Steps[0].Automations[0].Trigger = "on_tuesday" }},
		{"unknown action", func(d *Definition) { d.Steps[0].Automations[0].Action = "send_fax" }},
		{"email without template", func(d *Definition) { d.Steps[0].Automations[0].TemplateRef = "" }},
		{"bad recipient", func(d *Definition) { d.Steps[0].Automations[0].Config["recipient_role"] = "mayor" }},
		{"task without title", func(d *Definition) { delete(d.Steps[1].Automations[0].Config, "title") }},
		{"duplicate automation id", func(d *Definition) { d.Steps[1].Automations[0].ID = "welcome" }},
		{"bad priority", func(d *Definition) { d.Steps[0].Conditions[0].Priority = "urgent" }},
	}

	v := mustValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base()
			tt.mutate(&def)
			err := v.ValidateDefinition(def)
			require.Error(t, err)
			assert.Equal(t, domainerr.CodeValidationFailed, domainerr.CodeOf(err))
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "purchase.yaml")
	require.NoError(t, os.WriteFile(path, []byte(purchaseYAML), 0o600))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Residential purchase", def.Name)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestStepHelpers(t *testing.T) {
	def, err := DecodeYAML([]byte(purchaseYAML))
	require.NoError(t, err)

	step, ok := def.StepByOrder(1)
	require.True(t, ok)
	assert.Len(t, step.AutomationsFor(TriggerOnEnter), 1)
	assert.Empty(t, step.AutomationsFor(TriggerOnExit))
	assert.Equal(t, "buyer", step.Automations[0].ConfigString("recipient_role"))

	_, ok = def.StepByOrder(9)
	assert.False(t, ok)
}

type fakeStore struct {
	mu    sync.Mutex
	defs  map[string]Definition
	gets  int
	order []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{defs: map[string]Definition{}}
}

func (f *fakeStore) GetDefinition(_ context.Context, id string) (Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	d, ok := f.defs[id]
	if !ok {
		return Definition{}, domainerr.NotFound("fake", "workflow definition")
	}
	return d, nil
}

func (f *fakeStore) ListDefinitions(context.Context) ([]Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Definition, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.defs[id])
	}
	return out, nil
}

func (f *fakeStore) InsertDefinition(_ context.Context, def Definition) (Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def.CreatedAt = time.Now()
	f.defs[def.ID] = def
	f.order = append(f.order, def.ID)
	return def, nil
}

func TestProviderImportAssignsIDsAndCaches(t *testing.T) {
	store := newFakeStore()
	p := NewProvider(store, mustValidator(t), time.Minute)
	ctx := context.Background()

	def, err := DecodeYAML([]byte(purchaseYAML))
	require.NoError(t, err)
	stored, err := p.Import(ctx, def)
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	for _, s := range stored.Steps {
		assert.NotEmpty(t, s.ID)
	}

	_, err = p.Get(ctx, stored.ID)
	require.NoError(t, err)
	_, err = p.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets)

	p.Cache().Invalidate()
	_, err = p.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, store.gets)

	list, err := p.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestProviderGetErrors(t *testing.T) {
	p := NewProvider(newFakeStore(), nil, time.Minute)

	_, err := p.Get(context.Background(), "")
	assert.Equal(t, domainerr.CodeValidationFailed, domainerr.CodeOf(err))

	_, err = p.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domainerr.ErrNotFound)
}

func TestProviderImportRejectsInvalid(t *testing.T) {
	p := NewProvider(newFakeStore(), mustValidator(t), time.Minute)
	_, err := p.Import(context.Background(), Definition{Name: "empty"})
	assert.ErrorIs(t, err, domainerr.ErrValidationFailed)
}
