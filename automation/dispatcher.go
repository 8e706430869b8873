// Package automation executes step automations (send_email, create_task)
// after a transition commits, either immediately or through delayed jobs.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"dealflow/activity"
	"dealflow/condition"
	"dealflow/contact"
	"dealflow/db"
	"dealflow/domainerr"
	"dealflow/jobs"
	"dealflow/logging"
	"dealflow/workflow"
)

const (
	ReasonAlreadyScheduled   = "already_scheduled"
	ReasonUnknownTemplate    = "unknown_template"
	ReasonNoRecipient        = "no_recipient"
	ReasonNoRecipientAddress = "no_recipient_address"
	ReasonUnknownAction      = "unknown_action"

	DeadlineWarningTemplate = "condition_deadline_warning"
	defaultRecipientRole    = contact.RoleBuyer
	defaultAssigneeRole     = "agent"
)

// Context describes the transition an automation fires for.
type Context struct {
	StepName    string
	StepOrder   int
	Trigger     workflow.Trigger
	ConditionID string
}

// Result is the outcome of one automation. Dispatch never fails; problems
// are reported in Error.
type Result struct {
	AutomationID string          `json:"automation_id"`
	Action       workflow.Action `json:"action"`
	Sent         bool            `json:"sent"`
	Skipped      bool            `json:"skipped"`
	Scheduled    bool            `json:"scheduled"`
	Reason       string          `json:"reason,omitempty"`
	JobID        string          `json:"job_id,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func (r Result) activityType() activity.Type {
	switch {
	case r.Error != "":
		return activity.AutomationFailed
	case r.Skipped:
		return activity.AutomationSkipped
	case r.Scheduled:
		return activity.AutomationScheduled
	default:
		return activity.AutomationExecuted
	}
}

type ContactResolver interface {
	PrimaryContact(ctx context.Context, transactionID string, role contact.Role) (contact.Contact, error)
}

type Dispatcher struct {
	pool      db.TxBeginner
	recorder  activity.Recorder
	contacts  ContactResolver
	mailer    Mailer
	templates *Templates
	scheduler *jobs.Facility
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Dispatcher)

// WithScheduler enables delayed execution. Without one, delayed automations
// run immediately.
func WithScheduler(f *jobs.Facility) Option {
	return func(d *Dispatcher) { d.scheduler = f }
}

func WithTemplates(t *Templates) Option {
	return func(d *Dispatcher) { d.templates = t }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(pool db.TxBeginner, recorder activity.Recorder, contacts ContactResolver, mailer Mailer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:      pool,
		recorder:  recorder,
		contacts:  contacts,
		mailer:    mailer,
		templates: DefaultTemplates(),
		now:       time.Now,
		logger:    logging.WithModule("automation"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch runs a, or schedules it when it carries a delay.
func (d *Dispatcher) Dispatch(ctx context.Context, a workflow.StepAutomation, transactionID string, dc Context) Result {
	if a.DelayDays <= 0 {
		return d.Execute(ctx, a, transactionID, dc)
	}
	if d.scheduler == nil {
		return d.execute(ctx, a, transactionID, dc, map[string]any{"would_normally_be_delayed": true, "delay_days": a.DelayDays})
	}

	res := Result{AutomationID: a.ID, Action: a.Action, JobID: jobs.DelayedAutomationJobID(a.ID, transactionID)}
	created, err := d.scheduler.ScheduleDelayedAutomation(ctx, jobs.DelayedAutomation{
		TransactionID: transactionID,
		Automation:    a,
		StepName:      dc.StepName,
		StepOrder:     dc.StepOrder,
		Trigger:       dc.Trigger,
		ConditionID:   dc.ConditionID,
	}, time.Duration(a.DelayDays)*24*time.Hour, res.JobID)
	switch {
	case err != nil:
		res.Error = err.Error()
	case !created:
		res.Scheduled = true
		res.Reason = ReasonAlreadyScheduled
	default:
		res.Scheduled = true
	}
	d.recordOutcome(ctx, transactionID, res, dc, map[string]any{"delay_days": a.DelayDays})
	return res
}

// Execute runs a now, regardless of its delay. The worker uses it for jobs
// whose time has come.
func (d *Dispatcher) Execute(ctx context.Context, a workflow.StepAutomation, transactionID string, dc Context) Result {
	return d.execute(ctx, a, transactionID, dc, nil)
}

func (d *Dispatcher) execute(ctx context.Context, a workflow.StepAutomation, transactionID string, dc Context, meta map[string]any) (res Result) {
	res = Result{AutomationID: a.ID, Action: a.Action}
	var extra []activity.Entry
	defer func() {
		if r := recover(); r != nil {
			res = Result{AutomationID: a.ID, Action: a.Action, Error: fmt.Sprintf("panic: %v", r)}
			d.logger.ErrorContext(ctx, "automation panicked", "automation_id", a.ID, "transaction_id", transactionID, "panic", r)
			extra = nil
		}
		d.recordOutcome(ctx, transactionID, res, dc, meta, extra...)
	}()

	switch a.Action {
	case workflow.ActionSendEmail:
		res = d.sendEmail(ctx, a, transactionID, dc, nil)
	case workflow.ActionCreateTask:
		var task activity.Entry
		res, task = d.createTask(a, transactionID, dc)
		extra = append(extra, task)
	default:
		res.Skipped = true
		res.Reason = ReasonUnknownAction
	}
	return res
}

func (d *Dispatcher) sendEmail(ctx context.Context, a workflow.StepAutomation, transactionID string, dc Context, extra map[string]any) Result {
	res := Result{AutomationID: a.ID, Action: a.Action}

	tpl, ok := d.templates.Lookup(a.TemplateRef)
	if !ok {
		res.Skipped = true
		res.Reason = ReasonUnknownTemplate
		return res
	}

	role := contact.Role(a.ConfigString("recipient_role"))
	if role == "" {
		role = defaultRecipientRole
	}
	to, err := d.recipient(ctx, transactionID, role)
	if err != nil {
		if errors.Is(err, domainerr.ErrNotFound) {
			res.Skipped = true
			res.Reason = ReasonNoRecipient
			return res
		}
		res.Error = err.Error()
		return res
	}
	if to.Email == "" {
		res.Skipped = true
		res.Reason = ReasonNoRecipientAddress
		return res
	}

	data := map[string]any{
		"transaction_id": transactionID,
		"step_name":      dc.StepName,
		"step_order":     dc.StepOrder,
		"trigger":        string(dc.Trigger),
		"recipient_name": to.Name,
	}
	if dc.ConditionID != "" {
		data["condition_id"] = dc.ConditionID
	}
	for k, v := range extra {
		data[k] = v
	}
	if cc := d.ccRecipients(ctx, transactionID, a); len(cc) > 0 {
		data["cc"] = cc
	}

	if err := d.mailer.Send(ctx, tpl, to, data); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Sent = true
	return res
}

func (d *Dispatcher) recipient(ctx context.Context, transactionID string, role contact.Role) (Recipient, error) {
	if d.contacts == nil {
		return Recipient{}, domainerr.NotFound("automation.recipient", "contact")
	}
	c, err := d.contacts.PrimaryContact(ctx, transactionID, role)
	if err != nil {
		return Recipient{}, err
	}
	r := Recipient{Name: c.FullName, Language: c.Language}
	if c.Email != nil {
		r.Email = *c.Email
	}
	return r, nil
}

func (d *Dispatcher) ccRecipients(ctx context.Context, transactionID string, a workflow.StepAutomation) []string {
	roles, _ := a.Config["cc_roles"].([]any)
	var out []string
	for _, raw := range roles {
		role, ok := raw.(string)
		if !ok {
			continue
		}
		r, err := d.recipient(ctx, transactionID, contact.Role(role))
		if err == nil && r.Email != "" {
			out = append(out, r.Email)
		}
	}
	return out
}

func (d *Dispatcher) createTask(a workflow.StepAutomation, transactionID string, dc Context) (Result, activity.Entry) {
	title := a.ConfigString("title")
	if title == "" {
		title = a.ID
	}
	assignee := a.ConfigString("assignee_role")
	if assignee == "" {
		assignee = defaultAssigneeRole
	}
	meta := map[string]any{
		"title":         title,
		"assignee_role": assignee,
		"automation_id": a.ID,
		"step_name":     dc.StepName,
	}
	if days, ok := a.ConfigInt("due_in_days"); ok {
		meta["due_date"] = d.now().AddDate(0, 0, days).Format(time.DateOnly)
	}
	if dc.ConditionID != "" {
		meta["condition_id"] = dc.ConditionID
	}
	return Result{AutomationID: a.ID, Action: a.Action, Sent: true}, activity.Entry{
		TransactionID: transactionID,
		Type:          activity.TaskCreated,
		Metadata:      meta,
	}
}

// WarnDeadline mails the agent about a condition whose due date is near.
func (d *Dispatcher) WarnDeadline(ctx context.Context, c condition.Condition) Result {
	a := workflow.StepAutomation{
		ID:          jobs.DeadlineWarningJobID(c.ID),
		Trigger:     workflow.TriggerOnConditionComplete,
		Action:      workflow.ActionSendEmail,
		TemplateRef: DeadlineWarningTemplate,
		Config:      map[string]any{"recipient_role": string(contact.RoleAgent)},
	}
	dc := Context{ConditionID: c.ID}

	data := map[string]any{"condition_label": c.LabelFR, "condition_label_en": c.LabelEN}
	if c.DueDate != nil {
		data["due_date"] = c.DueDate.Format(time.DateOnly)
	}
	res := d.sendEmail(ctx, a, c.TransactionID, dc, data)
	var extra []activity.Entry
	if res.Sent {
		meta := map[string]any{"condition_id": c.ID, "label": c.LabelEN}
		if c.DueDate != nil {
			meta["due_date"] = c.DueDate.Format(time.RFC3339)
		}
		extra = append(extra, activity.Entry{TransactionID: c.TransactionID, Type: activity.DeadlineWarningSent, Metadata: meta})
	}
	d.recordOutcome(ctx, c.TransactionID, res, dc, map[string]any{"kind": "deadline_warning"}, extra...)
	return res
}

// recordOutcome writes the outcome in its own short transaction. It never
// fails the caller.
func (d *Dispatcher) recordOutcome(ctx context.Context, transactionID string, res Result, dc Context, meta map[string]any, extra ...activity.Entry) {
	if res.Error != "" {
		d.logger.WarnContext(ctx, "automation failed", "automation_id", res.AutomationID, "transaction_id", transactionID, "error", res.Error)
	}
	if d.recorder == nil || d.pool == nil {
		return
	}

	m := map[string]any{
		"automation_id": res.AutomationID,
		"action":        string(res.Action),
		"trigger":       string(dc.Trigger),
		"step_name":     dc.StepName,
		"step_order":    dc.StepOrder,
	}
	for k, v := range meta {
		m[k] = v
	}
	if res.Reason != "" {
		m["reason"] = res.Reason
	}
	if res.JobID != "" {
		m["job_id"] = res.JobID
	}
	if res.Error != "" {
		m["error"] = res.Error
	}

	entries := append([]activity.Entry{{TransactionID: transactionID, Type: res.activityType(), Metadata: m}}, extra...)
	err := db.InTx(ctx, d.pool, func(tx pgx.Tx) error {
		for _, e := range entries {
			if err := d.recorder.Record(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "automation outcome not recorded", "automation_id", res.AutomationID, "transaction_id", transactionID, "error", err)
	}
}
