package condition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/workflow"
)

func intPtr(v int) *int { return &v }

func refPtr(r DeadlineReference) *DeadlineReference { return &r }

func TestAppliesTo(t *testing.T) {
	condo := Profile{PropertyType: "condo", IsFinanced: true}

	tests := []struct {
		name    string
		applies map[string]any
		profile Profile
		want    bool
	}{
		{"empty predicate", nil, Profile{}, true},
		{"empty map", map[string]any{}, condo, true},
		{"single match", map[string]any{"property_type": "condo"}, condo, true},
		{"all keys match", map[string]any{"property_type": "condo", "is_financed": true}, condo, true},
		{"one key mismatches", map[string]any{"property_type": "condo", "has_well": true}, condo, false},
		{"string is not bool", map[string]any{"is_financed": "true"}, condo, false},
		{"unknown key", map[string]any{"zoning": "r1"}, condo, false},
		{"false matches false", map[string]any{"has_septic": false}, condo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AppliesTo(Template{AppliesWhen: tt.applies}, tt.profile))
		})
	}
}

func TestCalculateDueDate(t *testing.T) {
	acceptance := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	closing := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	start := time.Date(2024, 4, 10, 15, 30, 0, 0, time.UTC)
	refs := ReferenceDates{Acceptance: &acceptance, Closing: &closing, StepStart: &start}

	tests := []struct {
		ref  DeadlineReference
		days int
		want time.Time
	}{
		{DeadlineAcceptance, 10, acceptance.AddDate(0, 0, 10)},
		{DeadlineClosing, -7, closing.AddDate(0, 0, -7)},
		{DeadlineStepStart, 14, start.AddDate(0, 0, 14)},
	}
	for _, tt := range tests {
		t.Run(string(tt.ref), func(t *testing.T) {
			tpl := Template{DeadlineReference: refPtr(tt.ref), DefaultDeadlineDays: intPtr(tt.days)}
			got := CalculateDueDate(tpl, refs)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)

			assert.Nil(t, CalculateDueDate(tpl, ReferenceDates{}), "missing reference date")
		})
	}

	assert.Nil(t, CalculateDueDate(Template{}, refs))
	assert.Nil(t, CalculateDueDate(Template{DeadlineReference: refPtr(DeadlineClosing)}, refs))
}

func TestLevelForRule(t *testing.T) {
	assert.Equal(t, LevelBlocking, LevelForRule(workflow.StepConditionRule{BlockingByDefault: true, Required: true}))
	assert.Equal(t, LevelRequired, LevelForRule(workflow.StepConditionRule{Required: true}))
	assert.Equal(t, LevelRecommended, LevelForRule(workflow.StepConditionRule{}))
}

func TestMatchesExisting(t *testing.T) {
	tplID := "tpl-1"
	existing := []Condition{
		{TemplateID: &tplID, LabelFR: "Inspection", LabelEN: "Inspection"},
		{LabelFR: "  Financement ", LabelEN: "Financing"},
		{LabelFR: "Certificat", LabelEN: "Certificate", Archived: true},
	}

	assert.True(t, MatchesExisting(existing, "tpl-1", "", ""))
	assert.True(t, MatchesExisting(existing, "", "financement", ""))
	assert.True(t, MatchesExisting(existing, "", "", "FINANCING"))
	assert.False(t, MatchesExisting(existing, "tpl-2", "Arpentage", "Survey"))
	assert.False(t, MatchesExisting(existing, "", "Certificat", ""), "archived conditions are ignored")
}

func TestConditionBlocks(t *testing.T) {
	assert.True(t, Condition{Level: LevelBlocking, Status: StatusPending}.Blocks())
	assert.True(t, Condition{Level: LevelBlocking, Status: StatusInProgress}.Blocks())
	assert.False(t, Condition{Level: LevelBlocking, Status: StatusCompleted}.Blocks())
	assert.False(t, Condition{Level: LevelBlocking, Status: StatusPending, Archived: true}.Blocks())
	assert.False(t, Condition{Level: LevelRequired, Status: StatusPending}.Blocks())
}

func TestDecodeTemplatesYAML(t *testing.T) {
	doc := []byte(`
templates:
  - label_fr: Inspection du puits
    type: inspection
    level: required
    applies_when:
      has_well: true
    deadline_reference: acceptance
    default_deadline_days: 10
  - label_en: Condo documents
    type: legal
    level: blocking
    priority: high
    step_key: conditional_period
    active: false
`)
	templates, err := DecodeTemplatesYAML(doc)
	require.NoError(t, err)
	require.Len(t, templates, 2)

	well := templates[0]
	assert.True(t, well.Active)
	assert.Equal(t, "Inspection du puits", well.LabelEN)
	assert.Equal(t, PriorityMedium, well.Priority)
	assert.True(t, AppliesTo(well, Profile{HasWell: true}))
	require.NotNil(t, well.DeadlineReference)
	assert.Equal(t, DeadlineAcceptance, *well.DeadlineReference)

	condo := templates[1]
	assert.False(t, condo.Active)
	assert.Equal(t, "Condo documents", condo.LabelFR)
	assert.True(t, AppliesToStep(condo, "conditional_period"))
	assert.False(t, AppliesToStep(condo, "closing"))

	for _, tpl := range templates {
		require.NoError(t, ValidateTemplate(tpl))
	}
	assert.Error(t, ValidateTemplate(Template{LabelFR: "x", Type: "t", Level: "urgent"}))
}
