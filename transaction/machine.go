// Package transaction is the step state machine: it instantiates transactions
// from workflow definitions and moves them between steps, enforcing the
// blocking-condition gate.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dealflow/activity"
	"dealflow/automation"
	"dealflow/condition"
	"dealflow/db"
	"dealflow/domainerr"
	"dealflow/logging"
	"dealflow/tracing"
	"dealflow/workflow"
)

type Definitions interface {
	Get(ctx context.Context, id string) (workflow.Definition, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, a workflow.StepAutomation, transactionID string, dc automation.Context) automation.Result
}

// Machine owns every step transition. Each entry point runs in one database
// transaction that starts by locking the transaction row; automations are
// dispatched only after commit.
type Machine struct {
	pool        db.TxBeginner
	store       Store
	definitions Definitions
	engine      *condition.Engine
	recorder    activity.Recorder
	dispatcher  Dispatcher
	deadlines   *condition.DeadlinePlanner
	now         func() time.Time
	tracer      trace.Tracer
	logger      *slog.Logger
}

type Option func(*Machine)

func WithDispatcher(d Dispatcher) Option {
	return func(m *Machine) { m.dispatcher = d }
}

func WithDeadlines(p *condition.DeadlinePlanner) Option {
	return func(m *Machine) { m.deadlines = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func NewMachine(pool db.TxBeginner, store Store, definitions Definitions, engine *condition.Engine, recorder activity.Recorder, opts ...Option) *Machine {
	m := &Machine{
		pool:        pool,
		store:       store,
		definitions: definitions,
		engine:      engine,
		recorder:    recorder,
		now:         time.Now,
		tracer:      tracing.Tracer("dealflow/transaction"),
		logger:      logging.WithModule("transaction"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

var _ condition.ResolutionListener = (*Machine)(nil)

type queued struct {
	automation workflow.StepAutomation
	dc         automation.Context
}

// state is a locked transaction as loaded at the start of a transition.
type state struct {
	t       Transaction
	steps   []Step
	profile condition.Profile
	def     workflow.Definition
}

func (s *state) index(id string) int {
	for i := range s.steps {
		if s.steps[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Machine) load(ctx context.Context, tx pgx.Tx, transactionID string) (*state, error) {
	t, err := m.store.GetTransaction(ctx, tx, transactionID, true)
	if err != nil {
		return nil, err
	}
	steps, err := m.store.ListSteps(ctx, tx, transactionID, true)
	if err != nil {
		return nil, err
	}
	profile, err := m.store.GetProfile(ctx, tx, transactionID)
	if err != nil {
		return nil, err
	}
	def, err := m.definitions.Get(ctx, t.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("transaction: load definition: %w", err)
	}
	return &state{t: t, steps: steps, profile: profile, def: def}, nil
}

func definitionStep(def workflow.Definition, s Step) (workflow.Step, bool) {
	if ds, ok := def.StepByID(s.WorkflowStepRef); ok {
		return ds, true
	}
	return def.StepByOrder(s.Order)
}

func queueFor(def workflow.Definition, s Step, trigger workflow.Trigger) []queued {
	ds, ok := definitionStep(def, s)
	if !ok {
		return nil
	}
	var out []queued
	for _, a := range ds.AutomationsFor(trigger) {
		out = append(out, queued{
			automation: a,
			dc:         automation.Context{StepName: s.Name, StepOrder: s.Order, Trigger: trigger},
		})
	}
	return out
}

func stepMeta(s Step, extra map[string]any) map[string]any {
	meta := map[string]any{
		"step_id":    s.ID,
		"step_key":   s.Key,
		"step_name":  s.Name,
		"step_order": s.Order,
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

func (m *Machine) record(ctx context.Context, tx pgx.Tx, transactionID string, typ activity.Type, actorID string, meta map[string]any) error {
	if m.recorder == nil {
		return nil
	}
	return m.recorder.Record(ctx, tx, activity.Entry{
		TransactionID: transactionID,
		Type:          typ,
		UserID:        activity.Actor(actorID),
		Metadata:      meta,
	})
}

// afterCommit schedules deadline warnings and fires queued automations. It
// never fails the transition.
func (m *Machine) afterCommit(ctx context.Context, res *TransitionResult, pending []queued) {
	m.deadlines.Schedule(ctx, res.Created)

	res.Automations = make([]automation.Result, 0, len(pending))
	if m.dispatcher == nil {
		return
	}
	for _, q := range pending {
		res.Automations = append(res.Automations, m.dispatcher.Dispatch(ctx, q.automation, res.Transaction.ID, q.dc))
	}
}

// activate makes s the active step, points the transaction at it and records
// its activity row.
func (m *Machine) activate(ctx context.Context, tx pgx.Tx, st *state, i int, now time.Time, typ activity.Type, actorID string, meta map[string]any) (Step, error) {
	s := st.steps[i]
	previous := s.Status
	entered := now
	s.Status = StepActive
	s.EnteredAt = &entered
	s.CompletedAt = nil
	if err := m.store.UpdateStep(ctx, tx, s); err != nil {
		return Step{}, err
	}
	st.steps[i] = s

	if err := m.store.SetCurrentStep(ctx, tx, st.t.ID, &s.ID, now); err != nil {
		return Step{}, err
	}
	id := s.ID
	st.t.CurrentStepID = &id
	st.t.UpdatedAt = now

	if meta == nil {
		meta = map[string]any{}
	}
	meta["previous_status"] = string(previous)
	if err := m.record(ctx, tx, st.t.ID, typ, actorID, stepMeta(s, meta)); err != nil {
		return Step{}, err
	}
	return s, nil
}

func (m *Machine) materialize(ctx context.Context, tx pgx.Tx, st *state, s Step, actorID string) ([]condition.Condition, error) {
	var rules []workflow.StepConditionRule
	if ds, ok := definitionStep(st.def, s); ok {
		rules = ds.Conditions
	}
	return m.engine.MaterializeForStep(ctx, tx, condition.MaterializeParams{
		TransactionID: st.t.ID,
		Step:          s.Ref(),
		Rules:         rules,
		Profile:       st.profile,
		Refs:          st.t.Refs(),
		ActorID:       actorID,
	})
}

// CreateFromDefinition instantiates a transaction with a copy of every step of
// the definition. The first step starts active with its conditions.
func (m *Machine) CreateFromDefinition(ctx context.Context, p CreateParams) (res TransitionResult, err error) {
	const op = "transaction.create"
	ctx, span := tracing.StartSpan(ctx, m.tracer, op, attribute.String(tracing.ActorIDKey, p.ActorID))
	defer func() { tracing.End(span, err) }()

	def, err := m.definitions.Get(ctx, p.DefinitionID)
	if err != nil {
		return TransitionResult{}, err
	}
	if len(def.Steps) == 0 {
		return TransitionResult{}, domainerr.Validation(op, "workflow definition has no steps")
	}
	defSteps := append([]workflow.Step(nil), def.Steps...)
	sort.Slice(defSteps, func(i, j int) bool { return defSteps[i].Order < defSteps[j].Order })

	status := strings.TrimSpace(p.Status)
	if status == "" {
		status = DefaultStatus
	}
	now := m.now()

	var pending []queued
	err = db.InTx(ctx, m.pool, func(tx pgx.Tx) error {
		t, err := m.store.InsertTransaction(ctx, tx, Transaction{
			ID:             uuid.NewString(),
			DefinitionID:   def.ID,
			Title:          strings.TrimSpace(p.Title),
			Status:         status,
			AcceptanceDate: p.AcceptanceDate,
			ClosingDate:    p.ClosingDate,
			CreatedBy:      p.ActorID,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return err
		}
		if err := m.store.UpsertProfile(ctx, tx, t.ID, p.Profile); err != nil {
			return err
		}

		steps := make([]Step, 0, len(defSteps))
		for _, ds := range defSteps {
			steps = append(steps, Step{
				ID:              uuid.NewString(),
				TransactionID:   t.ID,
				WorkflowStepRef: ds.ID,
				Key:             ds.Key,
				Name:            ds.Name,
				Order:           ds.Order,
				Status:          StepPending,
			})
		}
		if steps, err = m.store.InsertSteps(ctx, tx, steps); err != nil {
			return err
		}

		st := &state{t: t, steps: steps, profile: p.Profile, def: def}
		if err := m.record(ctx, tx, t.ID, activity.TransactionCreated, p.ActorID, map[string]any{
			"definition_id": def.ID,
			"title":         t.Title,
			"steps":         len(steps),
		}); err != nil {
			return err
		}
		first, err := m.activate(ctx, tx, st, 0, now, activity.StepEntered, p.ActorID, nil)
		if err != nil {
			return err
		}
		created, err := m.materialize(ctx, tx, st, first, p.ActorID)
		if err != nil {
			return err
		}

		res = TransitionResult{Transaction: st.t, Steps: st.steps, Current: &first, Created: created}
		pending = queueFor(def, first, workflow.TriggerOnEnter)
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}

	ctx = logging.WithTransaction(ctx, res.Transaction.ID)
	span.SetAttributes(attribute.String(tracing.TransactionIDKey, res.Transaction.ID))
	m.afterCommit(ctx, &res, pending)
	m.logger.InfoContext(ctx, "transaction created", "definition_id", def.ID, "steps", len(res.Steps), "conditions", len(res.Created))
	return res, nil
}

// Advance completes the active step and activates the next one. It fails with
// a *condition.BlockingError, writing nothing, while blocking conditions on
// the active step are unresolved.
func (m *Machine) Advance(ctx context.Context, transactionID, actorID string) (res TransitionResult, err error) {
	return m.leave(ctx, "transaction.advance", transactionID, actorID, true)
}

// Skip leaves the active step without evaluating the gate. Its conditions are
// archived.
func (m *Machine) Skip(ctx context.Context, transactionID, actorID string) (res TransitionResult, err error) {
	return m.leave(ctx, "transaction.skip", transactionID, actorID, false)
}

func (m *Machine) leave(ctx context.Context, op, transactionID, actorID string, gate bool) (res TransitionResult, err error) {
	ctx = logging.WithTransaction(ctx, transactionID)
	ctx, span := tracing.StartSpan(ctx, m.tracer, op,
		attribute.String(tracing.TransactionIDKey, transactionID),
		attribute.String(tracing.ActorIDKey, actorID),
	)
	defer func() { tracing.End(span, err) }()

	var pending []queued
	err = db.InTx(ctx, m.pool, func(tx pgx.Tx) error {
		st, err := m.load(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		current, ok := ActiveStep(st.steps)
		if !ok {
			return domainerr.New(op, domainerr.CodeNoActiveStep, "transaction has no active step")
		}
		span.SetAttributes(attribute.Int(tracing.StepOrderKey, current.Order))

		if gate {
			blocking, err := m.engine.UnresolvedBlocking(ctx, tx, current.ID)
			if err != nil {
				return err
			}
			if len(blocking) > 0 {
				return &condition.BlockingError{StepID: current.ID, Conditions: blocking}
			}
		}

		now := m.now()
		i := st.index(current.ID)
		left := st.steps[i]
		typ := activity.StepCompleted
		meta := map[string]any{}
		if gate {
			done := now
			left.Status = StepCompleted
			left.CompletedAt = &done
		} else {
			left.Status = StepSkipped
			typ = activity.StepSkipped
		}
		if err := m.store.UpdateStep(ctx, tx, left); err != nil {
			return err
		}
		st.steps[i] = left

		if !gate {
			archived, err := m.engine.ArchiveForStep(ctx, tx, left.Ref(), actorID)
			if err != nil {
				return err
			}
			res.Archived = archived
			meta["archived_conditions"] = len(archived)
		}
		if err := m.record(ctx, tx, st.t.ID, typ, actorID, stepMeta(left, meta)); err != nil {
			return err
		}
		pending = append(pending, queueFor(st.def, left, workflow.TriggerOnExit)...)
		res.Previous = &left

		if i+1 < len(st.steps) {
			next, err := m.activate(ctx, tx, st, i+1, now, activity.StepEntered, actorID, nil)
			if err != nil {
				return err
			}
			created, err := m.materialize(ctx, tx, st, next, actorID)
			if err != nil {
				return err
			}
			res.Current = &next
			res.Created = created
			pending = append(pending, queueFor(st.def, next, workflow.TriggerOnEnter)...)
		} else {
			if err := m.store.SetCurrentStep(ctx, tx, st.t.ID, nil, now); err != nil {
				return err
			}
			st.t.CurrentStepID = nil
			st.t.UpdatedAt = now
		}

		res.Transaction = st.t
		res.Steps = st.steps
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}

	m.afterCommit(ctx, &res, pending)
	args := []any{"from_order", res.Previous.Order, "archived", len(res.Archived), "conditions", len(res.Created)}
	if res.Current != nil {
		args = append(args, "to_order", res.Current.Order)
	}
	m.logger.InfoContext(ctx, strings.TrimPrefix(op, "transaction.")+" step", args...)
	return res, nil
}

// GoTo moves the transaction to the step with targetOrder without evaluating
// the gate. Moving forward skips the steps in between and archives their
// conditions; moving back reopens the target and resets every later step to
// pending without reviving archived conditions. Only administrators may jump.
func (m *Machine) GoTo(ctx context.Context, transactionID string, targetOrder int, actorID string, admin bool) (res TransitionResult, err error) {
	const op = "transaction.goto"
	if !admin {
		return TransitionResult{}, domainerr.New(op, domainerr.CodeForbidden, "jumping to a step requires an administrator")
	}
	ctx = logging.WithTransaction(ctx, transactionID)
	ctx, span := tracing.StartSpan(ctx, m.tracer, op,
		attribute.String(tracing.TransactionIDKey, transactionID),
		attribute.String(tracing.ActorIDKey, actorID),
		attribute.Int(tracing.StepOrderKey, targetOrder),
	)
	defer func() { tracing.End(span, err) }()

	var pending []queued
	err = db.InTx(ctx, m.pool, func(tx pgx.Tx) error {
		st, err := m.load(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		target, ok := stepByOrder(st.steps, targetOrder)
		if !ok {
			return domainerr.InvalidTransition(op, fmt.Sprintf("step %d does not exist", targetOrder))
		}
		current, hasActive := ActiveStep(st.steps)
		if hasActive && current.Order == targetOrder {
			return domainerr.InvalidTransition(op, fmt.Sprintf("step %d is already active", targetOrder))
		}

		now := m.now()
		override := func(extra map[string]any) map[string]any {
			meta := map[string]any{"override": ManualOverride, "target_order": targetOrder}
			if hasActive {
				meta["from_order"] = current.Order
			}
			for k, v := range extra {
				meta[k] = v
			}
			return meta
		}

		if hasActive && targetOrder > current.Order {
			for i := range st.steps {
				s := st.steps[i]
				if s.Order < current.Order || s.Order >= targetOrder {
					continue
				}
				previous := s.Status
				s.Status = StepSkipped
				if err := m.store.UpdateStep(ctx, tx, s); err != nil {
					return err
				}
				st.steps[i] = s
				archived, err := m.engine.ArchiveForStep(ctx, tx, s.Ref(), actorID)
				if err != nil {
					return err
				}
				res.Archived = append(res.Archived, archived...)
				if err := m.record(ctx, tx, st.t.ID, activity.StepSkipped, actorID, stepMeta(s, override(map[string]any{
					"previous_status":     string(previous),
					"archived_conditions": len(archived),
				}))); err != nil {
					return err
				}
				if s.ID == current.ID {
					left := s
					res.Previous = &left
					pending = append(pending, queueFor(st.def, s, workflow.TriggerOnExit)...)
				}
			}

			next, err := m.activate(ctx, tx, st, target, now, activity.StepEntered, actorID, override(nil))
			if err != nil {
				return err
			}
			created, err := m.materialize(ctx, tx, st, next, actorID)
			if err != nil {
				return err
			}
			res.Current = &next
			res.Created = created
			pending = append(pending, queueFor(st.def, next, workflow.TriggerOnEnter)...)
		} else {
			// Later steps are reset first so the target can take the single
			// active slot.
			for i := range st.steps {
				s := st.steps[i]
				if s.Order <= targetOrder || s.Status == StepPending {
					continue
				}
				previous := s.Status
				s.Status = StepPending
				s.EnteredAt = nil
				s.CompletedAt = nil
				if err := m.store.UpdateStep(ctx, tx, s); err != nil {
					return err
				}
				st.steps[i] = s
				if err := m.record(ctx, tx, st.t.ID, activity.StepReset, actorID, stepMeta(s, override(map[string]any{
					"previous_status": string(previous),
				}))); err != nil {
					return err
				}
				if previous == StepActive {
					left := s
					res.Previous = &left
				}
			}

			reopened, err := m.activate(ctx, tx, st, target, now, activity.StepReopened, actorID, override(nil))
			if err != nil {
				return err
			}
			res.Current = &reopened
			pending = append(pending, queueFor(st.def, reopened, workflow.TriggerOnEnter)...)
		}

		res.Transaction = st.t
		res.Steps = st.steps
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}

	m.afterCommit(ctx, &res, pending)
	m.logger.InfoContext(ctx, "step override", "to_order", targetOrder, "archived", len(res.Archived), "conditions", len(res.Created), "actor_id", actorID)
	return res, nil
}

// Get returns the transaction with its steps and profile.
func (m *Machine) Get(ctx context.Context, transactionID string) (d Detail, err error) {
	err = db.InTx(ctx, m.pool, func(tx pgx.Tx) error {
		t, err := m.store.GetTransaction(ctx, tx, transactionID, false)
		if err != nil {
			return err
		}
		steps, err := m.store.ListSteps(ctx, tx, transactionID, false)
		if err != nil {
			return err
		}
		profile, err := m.store.GetProfile(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		d = Detail{Transaction: t, Steps: steps, Profile: profile}
		return nil
	})
	return d, err
}

// ConditionResolved fires the on_condition_complete automations of the step
// the condition belongs to. An automation whose config names a condition_type
// only fires for conditions of that type.
func (m *Machine) ConditionResolved(ctx context.Context, c condition.Condition, actorID string) {
	if m.dispatcher == nil || c.TransactionStepID == nil {
		return
	}
	ctx = logging.WithTransaction(ctx, c.TransactionID)

	var (
		def  workflow.Definition
		step Step
	)
	err := db.InTx(ctx, m.pool, func(tx pgx.Tx) error {
		t, err := m.store.GetTransaction(ctx, tx, c.TransactionID, false)
		if err != nil {
			return err
		}
		steps, err := m.store.ListSteps(ctx, tx, c.TransactionID, false)
		if err != nil {
			return err
		}
		for _, s := range steps {
			if s.ID == *c.TransactionStepID {
				step = s
			}
		}
		if step.ID == "" {
			return domainerr.NotFound("transaction.condition_resolved", "transaction step")
		}
		def, err = m.definitions.Get(ctx, t.DefinitionID)
		return err
	})
	if err != nil {
		m.logger.WarnContext(ctx, "condition automations not dispatched", "condition_id", c.ID, "actor_id", actorID, "error", err)
		return
	}

	for _, q := range queueFor(def, step, workflow.TriggerOnConditionComplete) {
		if want := q.automation.ConfigString("condition_type"); want != "" && want != c.Type {
			continue
		}
		q.dc.ConditionID = c.ID
		m.dispatcher.Dispatch(ctx, q.automation, c.TransactionID, q.dc)
	}
}
