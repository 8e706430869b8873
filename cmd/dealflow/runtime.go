package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"

	"dealflow/activity"
	"dealflow/auth"
	"dealflow/automation"
	"dealflow/condition"
	"dealflow/contact"
	"dealflow/db"
	"dealflow/eventbus"
	"dealflow/jobs"
	"dealflow/logging"
	"dealflow/memstore"
	"dealflow/outbox"
	"dealflow/transaction"
	"dealflow/web"
	"dealflow/workflow"
)

const memoryURL = "memory://"

// backend is the persistence layer: either Postgres or the in-process store.
type backend struct {
	pool         db.TxBeginner
	workflows    workflow.Store
	templates    condition.TemplateStore
	conditions   condition.Repository
	transactions transaction.Store
	recorder     activity.Recorder
	reader       activity.Reader
	outboxWriter outbox.Writer
	outboxStore  outbox.Store
	contacts     contact.Store
	users        auth.Repository

	migrate func(ctx context.Context) error
	close   func()
}

func (b *backend) inMemory() bool { return b.migrate == nil }

func openBackend(ctx context.Context, url string) (*backend, error) {
	if url == "" || strings.HasPrefix(url, memoryURL) {
		store := memstore.New()
		return &backend{
			pool:         store,
			workflows:    store.Workflows(),
			templates:    store.Templates(),
			conditions:   store.Conditions(),
			transactions: store.Transactions(),
			recorder:     store.Activity(),
			reader:       store.Activity(),
			outboxWriter: store.Outbox(),
			outboxStore:  store.Outbox(),
			contacts:     store.Contacts(),
			users:        store.Users(),
			close:        func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, url)
	if err != nil {
		return nil, err
	}
	return &backend{
		pool:         pool,
		workflows:    workflow.NewPGStore(pool),
		templates:    condition.NewPGTemplateStore(pool),
		conditions:   condition.NewPGRepository(),
		transactions: transaction.NewPGStore(),
		recorder:     activity.NewPGRecorder(),
		reader:       activity.NewPGReader(pool),
		outboxWriter: outbox.PGWriter{},
		outboxStore:  outbox.NewPGStore(),
		contacts:     contact.NewRepository(pool),
		users:        auth.NewRepository(pool),
		migrate: func(ctx context.Context) error {
			return db.NewMigrator(pool, logging.WithModule("migrate")).Run(ctx)
		},
		close: pool.Close,
	}, nil
}

// runtime holds every wired service for one process.
type runtime struct {
	backend    *backend
	provider   *workflow.Provider
	catalog    *condition.Catalog
	machine    *transaction.Machine
	conditions *condition.Service
	contacts   *contact.Service
	auth       *auth.Service
	jobs       jobs.Store
	dispatcher *automation.Dispatcher

	closers []func() error
}

func newRuntime(ctx context.Context, command *cli.Command) (*runtime, error) {
	b, err := openBackend(ctx, command.String("database-url"))
	if err != nil {
		return nil, err
	}
	rt := &runtime{backend: b}
	rt.closers = append(rt.closers, func() error { b.close(); return nil })

	// In-memory deployments have nothing to migrate; Postgres ones are brought
	// up to date before anything reads the schema.
	if !b.inMemory() {
		if err := b.migrate(ctx); err != nil {
			rt.Close()
			return nil, err
		}
	}

	validator, err := workflow.NewValidator()
	if err != nil {
		rt.Close()
		return nil, err
	}
	ttl := command.Duration("cache-ttl")
	rt.provider = workflow.NewProvider(b.workflows, validator, ttl)
	rt.catalog = condition.NewCatalog(b.templates, ttl)

	rt.jobs, err = rt.openJobs(command.String("redis-url"))
	if err != nil {
		rt.Close()
		return nil, err
	}
	facility := jobs.NewFacility(rt.jobs)

	rt.contacts = contact.NewService(b.contacts)
	mailer, err := newMailer(command.String("mailer"), b)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.dispatcher = automation.NewDispatcher(b.pool, b.recorder, rt.contacts, mailer, automation.WithScheduler(facility))

	planner := condition.NewDeadlinePlanner(facility, command.Duration("deadline-lead"))
	engine := condition.NewEngine(b.conditions, rt.catalog, condition.WithRequireProof(command.Bool("require-evidence")))
	rt.machine = transaction.NewMachine(b.pool, b.transactions, rt.provider, engine, b.recorder,
		transaction.WithDispatcher(rt.dispatcher),
		transaction.WithDeadlines(planner),
	)
	rt.conditions = condition.NewService(b.pool, engine, transaction.NewLocker(b.transactions), b.recorder, planner)
	rt.conditions.SetResolutionListener(rt.machine)

	rt.auth = auth.NewService(b.users, command.String("jwt-secret"))
	return rt, nil
}

func (rt *runtime) openJobs(redisURL string) (jobs.Store, error) {
	if redisURL == "" {
		return jobs.NewMemoryStore(), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	rt.closers = append(rt.closers, client.Close)
	return jobs.NewRedisStore(client, "", 0), nil
}

func newMailer(kind string, b *backend) (automation.Mailer, error) {
	switch kind {
	case "", "log":
		return automation.NewLogMailer(), nil
	case "outbox":
		return automation.NewOutboxMailer(b.pool, b.outboxWriter), nil
	default:
		return nil, fmt.Errorf("unsupported mailer %q", kind)
	}
}

func (rt *runtime) worker() *automation.Worker {
	return automation.NewWorker(rt.jobs, rt.dispatcher, rt.conditions)
}

func (rt *runtime) relay(bus *eventbus.Bus) *outbox.Relay {
	return outbox.NewRelay(rt.backend.pool, rt.backend.outboxStore, bus.Publisher)
}

func (rt *runtime) server() *web.Server {
	return web.NewServer(web.Deps{
		Auth:        rt.auth,
		Definitions: rt.provider,
		Catalog:     rt.catalog,
		Machine:     rt.machine,
		Conditions:  rt.conditions,
		Activity:    rt.backend.reader,
		Contacts:    rt.contacts,
	})
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func openBus(command *cli.Command) (*eventbus.Bus, error) {
	return eventbus.New(eventbus.Config{
		Provider:      command.String("event-bus"),
		Brokers:       command.StringSlice("kafka-brokers"),
		ConsumerGroup: "dealflow",
	}, logging.WithModule("eventbus"))
}

func busTopics() []string {
	return append(activity.Topics(), automation.EmailRequestedTopic)
}

// shutdownTimeout bounds how long serve waits for in-flight requests.
const shutdownTimeout = 10 * time.Second
