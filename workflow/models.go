package workflow

import "time"

type Trigger string

const (
	TriggerOnEnter             Trigger = "on_enter"
	TriggerOnExit              Trigger = "on_exit"
	TriggerOnConditionComplete Trigger = "on_condition_complete"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerOnEnter, TriggerOnExit, TriggerOnConditionComplete:
		return true
	}
	return false
}

type Action string

const (
	ActionSendEmail  Action = "send_email"
	ActionCreateTask Action = "create_task"
)

func (a Action) Valid() bool {
	switch a {
	case ActionSendEmail, ActionCreateTask:
		return true
	}
	return false
}

// Definition is an immutable, reusable template of ordered steps.
type Definition struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	Province        string    `json:"province" yaml:"province"`
	TransactionType string    `json:"transaction_type" yaml:"transaction_type"`
	Steps           []Step    `json:"steps" yaml:"steps"`
	CreatedAt       time.Time `json:"created_at" yaml:"-"`
}

type Step struct {
	ID                  string              `json:"id" yaml:"id"`
	Order               int                 `json:"order" yaml:"order"`
	Key                 string              `json:"key" yaml:"key"`
	Name                string              `json:"name" yaml:"name"`
	TypicalDurationDays *int                `json:"typical_duration_days,omitempty" yaml:"typical_duration_days,omitempty"`
	Conditions          []StepConditionRule `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Automations         []StepAutomation    `json:"automations,omitempty" yaml:"automations,omitempty"`
}

// StepConditionRule is a default condition declared directly on a step.
type StepConditionRule struct {
	Title             string `json:"title" yaml:"title"`
	TitleEN           string `json:"title_en,omitempty" yaml:"title_en,omitempty"`
	Type              string `json:"type" yaml:"type"`
	Priority          string `json:"priority,omitempty" yaml:"priority,omitempty"`
	BlockingByDefault bool   `json:"blocking_by_default" yaml:"blocking_by_default"`
	Required          bool   `json:"required" yaml:"required"`
	DueDateOffsetDays *int   `json:"due_date_offset_days,omitempty" yaml:"due_date_offset_days,omitempty"`
}

type StepAutomation struct {
	ID          string         `json:"id" yaml:"id"`
	Trigger     Trigger        `json:"trigger" yaml:"trigger"`
	Action      Action         `json:"action" yaml:"action"`
	DelayDays   int            `json:"delay_days,omitempty" yaml:"delay_days,omitempty"`
	TemplateRef string         `json:"template_ref,omitempty" yaml:"template_ref,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// StepByOrder returns the step with the given order.
func (d Definition) StepByOrder(order int) (Step, bool) {
	for _, s := range d.Steps {
		if s.Order == order {
			return s, true
		}
	}
	return Step{}, false
}

func (d Definition) StepByID(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// AutomationsFor returns the automations of step that fire on trigger, in
// declaration order.
func (s Step) AutomationsFor(trigger Trigger) []StepAutomation {
	var out []StepAutomation
	for _, a := range s.Automations {
		if a.Trigger == trigger {
			out = append(out, a)
		}
	}
	return out
}

// ConfigString reads a string value from the automation config.
func (a StepAutomation) ConfigString(key string) string {
	if a.Config == nil {
		return ""
	}
	v, _ := a.Config[key].(string)
	return v
}

// ConfigInt reads an integer value from the automation config. JSON numbers
// decode as float64, YAML numbers as int.
func (a StepAutomation) ConfigInt(key string) (int, bool) {
	if a.Config == nil {
		return 0, false
	}
	switch v := a.Config[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
