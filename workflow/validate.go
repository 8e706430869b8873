package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/xeipuuv/gojsonschema"

	"dealflow/domainerr"
)

// definitionSchemaJSON describes an importable workflow definition document.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://dealflow.local/schemas/workflow-definition.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "province": { "type": "string" },
    "transaction_type": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["order", "key", "name"],
      "properties": {
        "id": { "type": "string" },
        "order": { "type": "integer", "minimum": 1 },
        "key": { "type": "string", "pattern": "^[a-z0-9_]+$" },
        "name": { "type": "string", "minLength": 1 },
        "typical_duration_days": { "type": ["integer", "null"], "minimum": 0 },
        "conditions": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/condition" }
        },
        "automations": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/automation" }
        }
      }
    },
    "condition": {
      "type": "object",
      "required": ["title", "type"],
      "properties": {
        "title": { "type": "string", "minLength": 1 },
        "title_en": { "type": "string" },
        "type": { "type": "string", "minLength": 1 },
        "priority": { "enum": ["", "low", "medium", "high"] },
        "blocking_by_default": { "type": "boolean" },
        "required": { "type": "boolean" },
        "due_date_offset_days": { "type": ["integer", "null"] }
      }
    },
    "automation": {
      "type": "object",
      "required": ["id", "trigger", "action"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "trigger": { "enum": ["on_enter", "on_exit", "on_condition_complete"] },
        "action": { "enum": ["send_email", "create_task"] },
        "delay_days": { "type": "integer", "minimum": 0 },
        "template_ref": { "type": "string" },
        "config": { "type": ["object", "null"] }
      }
    }
  }
}`

const roleEnum = `["buyer", "seller", "agent", "notary", "lender", "client"]`

var automationConfigSchemas = map[Action]string{
	ActionSendEmail: `{
  "type": "object",
  "properties": {
    "recipient_role": { "enum": ` + roleEnum + ` },
    "cc_roles": { "type": "array", "items": { "enum": ` + roleEnum + ` } },
    "condition_type": { "type": "string" }
  },
  "additionalProperties": false
}`,
	ActionCreateTask: `{
  "type": "object",
  "required": ["title"],
  "properties": {
    "title": { "type": "string", "minLength": 1 },
    "assignee_role": { "enum": ` + roleEnum + ` },
    "due_in_days": { "type": "integer", "minimum": 0 },
    "condition_type": { "type": "string" }
  },
  "additionalProperties": false
}`,
}

// Validator checks definition documents before they are stored.
type Validator struct {
	definition *jsonschema.Schema
	configs    map[Action]*gojsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("workflow: unmarshal definition schema: %w", err)
	}
	const url = "https://dealflow.local/schemas/workflow-definition.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("workflow: add definition schema: %w", err)
	}
	def, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("workflow: compile definition schema: %w", err)
	}

	configs := make(map[Action]*gojsonschema.Schema, len(automationConfigSchemas))
	for action, raw := range automationConfigSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("workflow: compile %s config schema: %w", action, err)
		}
		configs[action] = s
	}

	return &Validator{definition: def, configs: configs}, nil
}

// ValidateDefinition runs the document schema, then the structural rules the
// schema cannot express, then every automation config.
func (v *Validator) ValidateDefinition(def Definition) error {
	const op = "workflow.validate"

	doc, err := toJSONValue(def)
	if err != nil {
		return domainerr.Wrap(op, domainerr.CodeValidationFailed, "definition is not serializable", err)
	}
	if err := v.definition.Validate(doc); err != nil {
		return schemaError(op, err)
	}

	orders := make([]int, 0, len(def.Steps))
	keys := make(map[string]struct{}, len(def.Steps))
	automationIDs := make(map[string]struct{})
	for _, s := range def.Steps {
		orders = append(orders, s.Order)
		if _, dup := keys[s.Key]; dup {
			return domainerr.Validation(op, fmt.Sprintf("duplicate step key %q", s.Key))
		}
		keys[s.Key] = struct{}{}

		for _, a := range s.Automations {
			if _, dup := automationIDs[a.ID]; dup {
				return domainerr.Validation(op, fmt.Sprintf("duplicate automation id %q", a.ID))
			}
			automationIDs[a.ID] = struct{}{}
			if err := v.ValidateAutomation(a); err != nil {
				return err
			}
		}
	}

	sort.Ints(orders)
	for i, o := range orders {
		if o != i+1 {
			return domainerr.Validation(op, "step orders must be unique and contiguous from 1")
		}
	}

	return nil
}

func (v *Validator) ValidateAutomation(a StepAutomation) error {
	const op = "workflow.validate_automation"

	if !a.Trigger.Valid() {
		return domainerr.Validation(op, fmt.Sprintf("automation %s: unknown trigger %q", a.ID, a.Trigger))
	}
	schema, ok := v.configs[a.Action]
	if !ok {
		return domainerr.Validation(op, fmt.Sprintf("automation %s: unknown action %q", a.ID, a.Action))
	}
	if a.Action == ActionSendEmail && a.TemplateRef == "" {
		return domainerr.Validation(op, fmt.Sprintf("automation %s: send_email requires template_ref", a.ID))
	}
	if a.DelayDays < 0 {
		return domainerr.Validation(op, fmt.Sprintf("automation %s: delay_days must not be negative", a.ID))
	}

	config := a.Config
	if config == nil {
		config = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return domainerr.Wrap(op, domainerr.CodeValidationFailed, "automation config unreadable", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return domainerr.Validation(op, fmt.Sprintf("automation %s: %s", a.ID, strings.Join(msgs, "; ")))
	}
	return nil
}

func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func schemaError(op string, err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return domainerr.Validation(op, err.Error())
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		return domainerr.Validation(op, verr.Error())
	}
	return domainerr.Validation(op, strings.Join(violations, "; "))
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
