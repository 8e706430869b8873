package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow/activity"
	"dealflow/automation"
	"dealflow/condition"
	"dealflow/contact"
	"dealflow/jobs"
	"dealflow/outbox"
	"dealflow/transaction"
	"dealflow/workflow"
)

// ApplicationName tags the harness connections in pg_stat_activity.
const ApplicationName = "dealflow-stress"

// Stack is the service graph wired against a real Postgres pool, the way
// serve wires it.
type Stack struct {
	Pool        *pgxpool.Pool
	Definitions *workflow.Provider
	Catalog     *condition.Catalog
	Machine     *transaction.Machine
	Conditions  *condition.Service
	Outbox      *outbox.PGStore
	Jobs        *jobs.MemoryStore
}

func NewStack(pool *pgxpool.Pool) (*Stack, error) {
	validator, err := workflow.NewValidator()
	if err != nil {
		return nil, err
	}
	recorder := activity.NewPGRecorder()
	provider := workflow.NewProvider(workflow.NewPGStore(pool), validator, time.Minute)
	catalog := condition.NewCatalog(condition.NewPGTemplateStore(pool), time.Minute)

	store := jobs.NewMemoryStore()
	facility := jobs.NewFacility(store)
	contacts := contact.NewService(contact.NewRepository(pool))
	dispatcher := automation.NewDispatcher(pool, recorder, contacts, automation.NewLogMailer(), automation.WithScheduler(facility))

	planner := condition.NewDeadlinePlanner(facility, 48*time.Hour)
	engine := condition.NewEngine(condition.NewPGRepository(), catalog)
	txStore := transaction.NewPGStore()
	machine := transaction.NewMachine(pool, txStore, provider, engine, recorder,
		transaction.WithDispatcher(dispatcher),
		transaction.WithDeadlines(planner),
	)
	conditions := condition.NewService(pool, engine, transaction.NewLocker(txStore), recorder, planner)
	conditions.SetResolutionListener(machine)

	return &Stack{
		Pool:        pool,
		Definitions: provider,
		Catalog:     catalog,
		Machine:     machine,
		Conditions:  conditions,
		Outbox:      outbox.NewPGStore(),
		Jobs:        store,
	}, nil
}

// Reset truncates mutable tables for a clean slate between epochs. The
// append-only triggers fire on DELETE, not TRUNCATE.
func (s *Stack) Reset(ctx context.Context) error {
	tables := []string{
		"condition_events",
		"condition_evidence",
		"conditions",
		"activity_feed",
		"outbox",
		"transaction_contacts",
		"transaction_profiles",
		"transaction_steps",
		"transactions",
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
