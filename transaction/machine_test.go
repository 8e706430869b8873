package transaction_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"dealflow/activity"
	"dealflow/automation"
	"dealflow/condition"
	"dealflow/domainerr"
	"dealflow/memstore"
	"dealflow/transaction"
	"dealflow/workflow"
)

var start = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

type dispatched struct {
	automation workflow.StepAutomation
	dc         automation.Context
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
}

func (d *recordingDispatcher) Dispatch(_ context.Context, a workflow.StepAutomation, _ string, dc automation.Context) automation.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatched{automation: a, dc: dc})
	return automation.Result{AutomationID: a.ID, Action: a.Action, Sent: true}
}

func (d *recordingDispatcher) ids(trigger workflow.Trigger) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		if c.dc.Trigger == trigger {
			out = append(out, c.automation.ID)
		}
	}
	return out
}

type harness struct {
	store      *memstore.Store
	machine    *transaction.Machine
	conditions *condition.Service
	dispatcher *recordingDispatcher
	provider   *workflow.Provider
}

// flakyRecorder fails every write once armed.
type flakyRecorder struct {
	activity.Recorder
	armed atomic.Bool
}

var errAuditDown = errors.New("activity feed unavailable")

func (r *flakyRecorder) Record(ctx context.Context, tx pgx.Tx, e activity.Entry) error {
	if r.armed.Load() {
		return errAuditDown
	}
	return r.Recorder.Record(ctx, tx, e)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New(memstore.WithClock(func() time.Time { return start }))
	return newHarnessWithRecorder(t, store, store.Activity())
}

func newHarnessWithRecorder(t *testing.T, store *memstore.Store, recorder activity.Recorder) *harness {
	t.Helper()
	clock := func() time.Time { return start }
	provider := workflow.NewProvider(store.Workflows(), nil, time.Minute)
	engine := condition.NewEngine(store.Conditions(), condition.NewCatalog(store.Templates(), time.Minute), condition.WithClock(clock))
	d := &recordingDispatcher{}
	machine := transaction.NewMachine(store, store.Transactions(), provider, engine, recorder,
		transaction.WithDispatcher(d),
		transaction.WithClock(clock),
	)
	svc := condition.NewService(store, engine, transaction.NewLocker(store.Transactions()), recorder, nil)
	svc.SetResolutionListener(machine)
	return &harness{store: store, machine: machine, conditions: svc, dispatcher: d, provider: provider}
}

func intPtr(n int) *int { return &n }

func (h *harness) importDefinition(t *testing.T, def workflow.Definition) workflow.Definition {
	t.Helper()
	stored, err := h.provider.Import(context.Background(), def)
	require.NoError(t, err)
	return stored
}

func financingStep(order int, key string) workflow.Step {
	return workflow.Step{
		Order: order,
		Key:   key,
		Name:  key,
		Conditions: []workflow.StepConditionRule{{
			Title:             "Financement " + key,
			TitleEN:           "Financing " + key,
			Type:              "financing",
			BlockingByDefault: true,
			DueDateOffsetDays: intPtr(14),
		}},
	}
}

func twoStepDefinition() workflow.Definition {
	offer := financingStep(1, "offer")
	closing := workflow.Step{
		Order: 2,
		Key:   "closing",
		Name:  "Closing",
		Automations: []workflow.StepAutomation{
			{ID: "closing-welcome", Trigger: workflow.TriggerOnEnter, Action: workflow.ActionSendEmail, TemplateRef: "step_entered"},
		},
	}
	return workflow.Definition{Name: "Resale", Province: "QC", TransactionType: "purchase", Steps: []workflow.Step{offer, closing}}
}

func fiveStepDefinition() workflow.Definition {
	def := workflow.Definition{Name: "Long", Steps: []workflow.Step{}}
	for i, key := range []string{"s1", "s2", "s3", "s4", "s5"} {
		def.Steps = append(def.Steps, financingStep(i+1, key))
	}
	return def
}

func statuses(steps []transaction.Step) []transaction.StepStatus {
	out := make([]transaction.StepStatus, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Status)
	}
	return out
}

func TestBlockingGateEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.importDefinition(t, twoStepDefinition())

	created, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: def.ID, Title: "12 rue Principale", ActorID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, created.Created, 1)
	financing := created.Created[0]
	assert.Equal(t, condition.LevelBlocking, financing.Level)
	assert.Equal(t, condition.SourceStepRule, financing.SourceType)
	require.NotNil(t, financing.DueDate)
	assert.Equal(t, start.AddDate(0, 0, 14), *financing.DueDate)
	assert.Equal(t, []transaction.StepStatus{transaction.StepActive, transaction.StepPending}, statuses(created.Steps))
	txID := created.Transaction.ID
	before := h.snapshot(t, txID)

	_, err = h.machine.Advance(ctx, txID, "agent-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domainerr.ErrBlockingConditions))
	assert.Equal(t, domainerr.CodeBlockingConditions, domainerr.CodeOf(err))
	var blocking *condition.BlockingError
	require.ErrorAs(t, err, &blocking)
	require.Len(t, blocking.Conditions, 1)
	assert.Equal(t, financing.ID, blocking.Conditions[0].ID)

	detail, err := h.machine.Get(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, []transaction.StepStatus{transaction.StepActive, transaction.StepPending}, statuses(detail.Steps))
	assert.Empty(t, h.dispatcher.ids(workflow.TriggerOnEnter))
	assert.Equal(t, before, h.snapshot(t, txID))

	_, err = h.conditions.Resolve(ctx, condition.ResolveRequest{ConditionID: financing.ID, ResolutionType: condition.ResolutionCompleted, ActorID: "agent-1"})
	require.NoError(t, err)

	res, err := h.machine.Advance(ctx, txID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, res.Previous)
	require.NotNil(t, res.Current)
	assert.Equal(t, 1, res.Previous.Order)
	assert.Equal(t, transaction.StepCompleted, res.Previous.Status)
	assert.NotNil(t, res.Previous.CompletedAt)
	assert.Equal(t, 2, res.Current.Order)
	assert.Equal(t, transaction.StepActive, res.Current.Status)
	assert.Equal(t, []string{"closing-welcome"}, h.dispatcher.ids(workflow.TriggerOnEnter))
	require.Len(t, res.Automations, 1)
	assert.Equal(t, res.Current.ID, *res.Transaction.CurrentStepID)

	detail, err = h.machine.Get(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, []transaction.StepStatus{transaction.StepCompleted, transaction.StepActive}, statuses(detail.Steps))
}

// transactionState is everything a transition may change.
type transactionState struct {
	Detail     transaction.Detail
	Conditions []condition.Condition
	Events     map[string]int
	Activity   int
}

func (h *harness) snapshot(t *testing.T, txID string) transactionState {
	t.Helper()
	ctx := context.Background()
	detail, err := h.machine.Get(ctx, txID)
	require.NoError(t, err)
	conds, err := h.conditions.List(ctx, txID, true)
	require.NoError(t, err)
	events := make(map[string]int, len(conds))
	for _, c := range conds {
		evs, err := h.conditions.Events(ctx, c.ID)
		require.NoError(t, err)
		events[c.ID] = len(evs)
	}
	feed, err := h.store.Activity().List(ctx, txID, 500)
	require.NoError(t, err)
	return transactionState{Detail: detail, Conditions: conds, Events: events, Activity: len(feed)}
}

func TestFailedAuditWriteRollsBackTransition(t *testing.T) {
	transitions := map[string]func(ctx context.Context, m *transaction.Machine, txID string) error{
		"advance": func(ctx context.Context, m *transaction.Machine, txID string) error {
			_, err := m.Advance(ctx, txID, "agent-1")
			return err
		},
		"skip": func(ctx context.Context, m *transaction.Machine, txID string) error {
			_, err := m.Skip(ctx, txID, "agent-1")
			return err
		},
		"goto forward": func(ctx context.Context, m *transaction.Machine, txID string) error {
			_, err := m.GoTo(ctx, txID, 4, "admin", true)
			return err
		},
	}
	for name, transition := range transitions {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := memstore.New(memstore.WithClock(func() time.Time { return start }))
			recorder := &flakyRecorder{Recorder: store.Activity()}
			h := newHarnessWithRecorder(t, store, recorder)
			def := h.importDefinition(t, fiveStepDefinition())

			created, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: def.ID, ActorID: "agent-1"})
			require.NoError(t, err)
			txID := created.Transaction.ID
			_, err = h.conditions.Resolve(ctx, condition.ResolveRequest{ConditionID: created.Created[0].ID, ResolutionType: condition.ResolutionCompleted, ActorID: "agent-1"})
			require.NoError(t, err)

			before := h.snapshot(t, txID)
			recorder.armed.Store(true)
			err = transition(ctx, h.machine, txID)
			recorder.armed.Store(false)

			require.ErrorIs(t, err, errAuditDown)
			assert.Equal(t, before, h.snapshot(t, txID))
			assert.Empty(t, h.dispatcher.ids(workflow.TriggerOnEnter))
		})
	}
}

func TestGoToRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.importDefinition(t, fiveStepDefinition())
	created, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: def.ID, ActorID: "agent-1"})
	require.NoError(t, err)
	before := h.snapshot(t, created.Transaction.ID)

	_, err = h.machine.GoTo(ctx, created.Transaction.ID, 3, "agent-1", false)
	assert.Equal(t, domainerr.CodeForbidden, domainerr.CodeOf(err))
	assert.Equal(t, before, h.snapshot(t, created.Transaction.ID))
}

func TestGoToForwardSkipsWithoutGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.importDefinition(t, fiveStepDefinition())

	created, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: def.ID, ActorID: "admin"})
	require.NoError(t, err)
	txID := created.Transaction.ID
	require.Len(t, created.Created, 1)

	res, err := h.machine.GoTo(ctx, txID, 3, "admin", true)
	require.NoError(t, err)
	assert.Equal(t, []transaction.StepStatus{
		transaction.StepSkipped, transaction.StepSkipped, transaction.StepActive, transaction.StepPending, transaction.StepPending,
	}, statuses(res.Steps))
	require.Len(t, res.Archived, 1)
	assert.Equal(t, created.Created[0].ID, res.Archived[0].ID)
	require.Len(t, res.Created, 1)
	assert.Equal(t, "Financing s3", res.Created[0].LabelEN)

	all, err := h.conditions.List(ctx, txID, true)
	require.NoError(t, err)
	for _, c := range all {
		if c.StepWhenCreated == 1 {
			assert.True(t, c.Archived)
			require.NotNil(t, c.ArchivedStep)
			assert.Equal(t, 1, *c.ArchivedStep)
		}
	}

	entries, err := h.store.Activity().List(ctx, txID, 0)
	require.NoError(t, err)
	overrides := map[activity.Type]int{}
	for _, e := range entries {
		if e.Metadata["override"] == transaction.ManualOverride {
			overrides[e.Type]++
		}
	}
	assert.Equal(t, map[activity.Type]int{activity.StepSkipped: 2, activity.StepEntered: 1}, overrides)
}

func TestGoToBackwardReopensWithoutRevival(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.importDefinition(t, fiveStepDefinition())

	created, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: def.ID, ActorID: "admin"})
	require.NoError(t, err)
	txID := created.Transaction.ID

	_, err = h.machine.GoTo(ctx, txID, 3, "admin", true)
	require.NoError(t, err)
	before, err := h.conditions.List(ctx, txID, false)
	require.NoError(t, err)

	res, err := h.machine.GoTo(ctx, txID, 1, "admin", true)
	require.NoError(t, err)
	assert.Equal(t, []transaction.StepStatus{
		transaction.StepActive, transaction.StepPending, transaction.StepPending, transaction.StepPending, transaction.StepPending,
	}, statuses(res.Steps))
	assert.Empty(t, res.Created)
	assert.Nil(t, res.Steps[0].CompletedAt)

	after, err := h.conditions.List(ctx, txID, false)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	entries, err := h.store.Activity().List(ctx, txID, 3)
	require.NoError(t, err)
	types := []activity.Type{entries[0].Type, entries[1].Type}
	assert.ElementsMatch(t, []activity.Type{activity.StepReopened, activity.StepReset}, types)
}

func TestGoToRejectsInvalidTargets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.importDefinition(t, fiveStepDefinition())
	created, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: def.ID})
	require.NoError(t, err)

	for _, order := range []int{0, 1, 6} {
		_, err := h.machine.GoTo(ctx, created.Transaction.ID, order, "admin", true)
		assert.Equal(t, domainerr.CodeInvalidTransition, domainerr.CodeOf(err), "order %d", order)
	}
}

func TestSkipArchivesAndReachesTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.importDefinition(t, twoStepDefinition())
	created, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: def.ID})
	require.NoError(t, err)
	txID := created.Transaction.ID

	res, err := h.machine.Skip(ctx, txID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, transaction.StepSkipped, res.Previous.Status)
	require.Len(t, res.Archived, 1)
	open, err := h.conditions.List(ctx, txID, false)
	require.NoError(t, err)
	assert.Empty(t, open)

	res, err = h.machine.Advance(ctx, txID, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, res.Current)
	assert.Nil(t, res.Transaction.CurrentStepID)

	_, err = h.machine.Advance(ctx, txID, "agent-1")
	assert.Equal(t, domainerr.CodeNoActiveStep, domainerr.CodeOf(err))
	_, err = h.machine.Skip(ctx, txID, "agent-1")
	assert.Equal(t, domainerr.CodeNoActiveStep, domainerr.CodeOf(err))

	res, err = h.machine.GoTo(ctx, txID, 2, "admin", true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Current.Order)
}

func TestCreateFromDefinitionErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: "missing"})
	assert.Equal(t, domainerr.CodeNotFound, domainerr.CodeOf(err))

	empty := h.importDefinition(t, workflow.Definition{Name: "Empty"})
	_, err = h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: empty.ID})
	assert.Equal(t, domainerr.CodeValidationFailed, domainerr.CodeOf(err))
}

func TestCreateMaterializesApplicableTemplates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Templates().InsertTemplates(ctx, []condition.Template{{
		LabelFR: "Test d'eau", LabelEN: "Water test", Type: "inspection",
		Priority: condition.PriorityHigh, Level: condition.LevelRequired,
		AppliesWhen: map[string]any{"has_well": true}, Active: true,
	}})
	require.NoError(t, err)
	def := h.importDefinition(t, twoStepDefinition())

	withWell, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: def.ID, Profile: condition.Profile{HasWell: true}})
	require.NoError(t, err)
	assert.Len(t, withWell.Created, 2)

	withoutWell, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: def.ID})
	require.NoError(t, err)
	assert.Len(t, withoutWell.Created, 1)
}

func TestConditionResolvedFiresMatchingAutomations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := twoStepDefinition()
	def.Steps[0].Automations = []workflow.StepAutomation{
		{ID: "financing-done", Trigger: workflow.TriggerOnConditionComplete, Action: workflow.ActionCreateTask, Config: map[string]any{"title": "Notify lender", "condition_type": "financing"}},
		{ID: "inspection-done", Trigger: workflow.TriggerOnConditionComplete, Action: workflow.ActionCreateTask, Config: map[string]any{"title": "x", "condition_type": "inspection"}},
	}
	stored := h.importDefinition(t, def)

	created, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: stored.ID})
	require.NoError(t, err)

	_, err = h.conditions.Resolve(ctx, condition.ResolveRequest{ConditionID: created.Created[0].ID, ResolutionType: condition.ResolutionWaived, ActorID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"financing-done"}, h.dispatcher.ids(workflow.TriggerOnConditionComplete))
}

func TestBlockingCannotBeSkippedWithRisk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.importDefinition(t, twoStepDefinition())
	created, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: def.ID})
	require.NoError(t, err)

	_, err = h.conditions.Resolve(ctx, condition.ResolveRequest{ConditionID: created.Created[0].ID, ResolutionType: condition.ResolutionSkippedWithRisk, ActorID: "agent-1"})
	assert.Equal(t, domainerr.CodeBlockingCannotSkip, domainerr.CodeOf(err))

	c, err := h.conditions.Get(ctx, created.Created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, condition.StatusPending, c.Status)
	assert.Nil(t, c.ResolutionType)
}

func TestConcurrentAdvanceKeepsOneActiveStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := workflow.Definition{Name: "Plain"}
	for i, key := range []string{"a", "b", "c", "d"} {
		def.Steps = append(def.Steps, workflow.Step{Order: i + 1, Key: key, Name: key})
	}
	stored := h.importDefinition(t, def)
	created, err := h.machine.CreateFromDefinition(ctx, transaction.CreateParams{DefinitionID: stored.ID})
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := h.machine.Advance(ctx, created.Transaction.ID, "agent-1")
			if err != nil && domainerr.CodeOf(err) != domainerr.CodeNoActiveStep {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	detail, err := h.machine.Get(ctx, created.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, []transaction.StepStatus{
		transaction.StepCompleted, transaction.StepCompleted, transaction.StepCompleted, transaction.StepCompleted,
	}, statuses(detail.Steps))
	assert.Nil(t, detail.CurrentStepID)
}
