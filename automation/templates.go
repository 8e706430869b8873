package automation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MailTemplate names an outbound email and its per-language subject lines.
// Bodies are rendered by the delivery service.
type MailTemplate struct {
	Ref     string
	Subject map[string]string
}

// SubjectFor returns the subject in lang, falling back to French then English.
func (t MailTemplate) SubjectFor(lang string, data map[string]any) string {
	subject, ok := t.Subject[lang]
	if !ok {
		subject, ok = t.Subject["fr"]
	}
	if !ok {
		subject = t.Subject["en"]
	}
	return render(subject, data)
}

func render(s string, data map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

type Templates struct {
	mu sync.RWMutex
	m  map[string]MailTemplate
}

func NewTemplates() *Templates {
	return &Templates{m: map[string]MailTemplate{}}
}

// DefaultTemplates returns the registry shipped with the service.
func DefaultTemplates() *Templates {
	t := NewTemplates()
	t.Register(MailTemplate{Ref: "step_entered", Subject: map[string]string{
		"fr": "Nouvelle étape : {{step_name}}",
		"en": "New step: {{step_name}}",
	}})
	t.Register(MailTemplate{Ref: "step_completed", Subject: map[string]string{
		"fr": "Étape terminée : {{step_name}}",
		"en": "Step completed: {{step_name}}",
	}})
	t.Register(MailTemplate{Ref: "condition_completed", Subject: map[string]string{
		"fr": "Condition remplie",
		"en": "Condition fulfilled",
	}})
	t.Register(MailTemplate{Ref: "condition_deadline_warning", Subject: map[string]string{
		"fr": "Échéance proche : {{condition_label}}",
		"en": "Deadline approaching: {{condition_label}}",
	}})
	t.Register(MailTemplate{Ref: "closing_reminder", Subject: map[string]string{
		"fr": "Rappel : signature chez le notaire",
		"en": "Reminder: notary signing",
	}})
	t.Register(MailTemplate{Ref: "document_request", Subject: map[string]string{
		"fr": "Documents requis",
		"en": "Documents required",
	}})
	return t
}

func (t *Templates) Register(tpl MailTemplate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[tpl.Ref] = tpl
}

func (t *Templates) Lookup(ref string) (MailTemplate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tpl, ok := t.m[ref]
	return tpl, ok
}

func (t *Templates) Refs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.m))
	for ref := range t.m {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
