package condition

import (
	"reflect"
	"strings"
	"time"

	"dealflow/workflow"
)

// AppliesTo reports whether every key of t.AppliesWhen equals the profile
// attribute of the same name. Comparison is type-sensitive and keys the
// profile does not expose never match.
func AppliesTo(t Template, p Profile) bool {
	if len(t.AppliesWhen) == 0 {
		return true
	}
	attrs := p.Attributes()
	for key, want := range t.AppliesWhen {
		got, ok := attrs[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// CalculateDueDate adds the template's default deadline to the reference
// date it names. It returns nil when either is missing.
func CalculateDueDate(t Template, refs ReferenceDates) *time.Time {
	if t.DeadlineReference == nil || t.DefaultDeadlineDays == nil {
		return nil
	}
	var ref *time.Time
	switch *t.DeadlineReference {
	case DeadlineAcceptance:
		ref = refs.Acceptance
	case DeadlineClosing:
		ref = refs.Closing
	case DeadlineStepStart:
		ref = refs.StepStart
	}
	if ref == nil {
		return nil
	}
	due := ref.AddDate(0, 0, *t.DefaultDeadlineDays)
	return &due
}

func LevelForRule(rule workflow.StepConditionRule) Level {
	switch {
	case rule.BlockingByDefault:
		return LevelBlocking
	case rule.Required:
		return LevelRequired
	default:
		return LevelRecommended
	}
}

// AppliesToStep reports whether t may be materialized on a step with stepKey.
func AppliesToStep(t Template, stepKey string) bool {
	return t.StepKey == nil || *t.StepKey == stepKey
}

// MatchesExisting reports whether a non-archived condition already covers the
// template or labels. Template ids are authoritative; labels are a fallback
// for conditions created without one.
func MatchesExisting(existing []Condition, templateID, labelFR, labelEN string) bool {
	fr, en := normalizeLabel(labelFR), normalizeLabel(labelEN)
	for _, c := range existing {
		if c.Archived {
			continue
		}
		if templateID != "" && c.TemplateID != nil && *c.TemplateID == templateID {
			return true
		}
		cfr, cen := normalizeLabel(c.LabelFR), normalizeLabel(c.LabelEN)
		if fr != "" && (fr == cfr || fr == cen) {
			return true
		}
		if en != "" && (en == cfr || en == cen) {
			return true
		}
	}
	return false
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func priorityOrDefault(p string) Priority {
	if Priority(p).Valid() {
		return Priority(p)
	}
	return PriorityMedium
}
