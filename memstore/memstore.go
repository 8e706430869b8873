// Package memstore is an in-process implementation of every persistence
// interface. Database transactions are serialized and rolled back by
// restoring a snapshot, so it behaves like a single-connection Postgres for
// tests and for memory:// deployments.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dealflow/activity"
	"dealflow/auth"
	"dealflow/condition"
	"dealflow/contact"
	"dealflow/outbox"
	"dealflow/transaction"
	"dealflow/workflow"
)

var ErrRawSQL = errors.New("memstore: raw SQL is not supported")

// state is everything a database transaction can change.
type state struct {
	transactions map[string]transaction.Transaction
	profiles     map[string]condition.Profile
	steps        map[string]transaction.Step
	conditions   map[string]condition.Condition
	conditionIDs []string
	evidence     map[string]condition.Evidence
	evidenceIDs  []string
	events       []condition.Event
	activity     []activity.Entry
	outbox       []outbox.Message
	seq          int64
}

func newState() state {
	return state{
		transactions: map[string]transaction.Transaction{},
		profiles:     map[string]condition.Profile{},
		steps:        map[string]transaction.Step{},
		conditions:   map[string]condition.Condition{},
		evidence:     map[string]condition.Evidence{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s state) clone() state {
	return state{
		transactions: cloneMap(s.transactions),
		profiles:     cloneMap(s.profiles),
		steps:        cloneMap(s.steps),
		conditions:   cloneMap(s.conditions),
		conditionIDs: append([]string(nil), s.conditionIDs...),
		evidence:     cloneMap(s.evidence),
		evidenceIDs:  append([]string(nil), s.evidenceIDs...),
		events:       append([]condition.Event(nil), s.events...),
		activity:     append([]activity.Entry(nil), s.activity...),
		outbox:       append([]outbox.Message(nil), s.outbox...),
		seq:          s.seq,
	}
}

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data state

	// Not transactional: written outside any database transaction.
	definitions map[string]workflow.Definition
	templates   []condition.Template
	contacts    []contact.Contact
	users       []auth.User

	now func() time.Time

	workflows    *Workflows
	templateRepo *Templates
	conditions   *Conditions
	txStore      *Transactions
	feed         *Feed
	outboxStore  *Outbox
	contactRepo  *Contacts
	userRepo     *Users
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		data:        newState(),
		definitions: map[string]workflow.Definition{},
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.workflows = &Workflows{s: s}
	s.templateRepo = &Templates{s: s}
	s.conditions = &Conditions{s: s}
	s.txStore = &Transactions{s: s}
	s.feed = &Feed{s: s}
	s.outboxStore = &Outbox{s: s}
	s.contactRepo = &Contacts{s: s}
	s.userRepo = &Users{s: s}
	return s
}

func (s *Store) Workflows() *Workflows       { return s.workflows }
func (s *Store) Templates() *Templates       { return s.templateRepo }
func (s *Store) Conditions() *Conditions     { return s.conditions }
func (s *Store) Transactions() *Transactions { return s.txStore }
func (s *Store) Activity() *Feed             { return s.feed }
func (s *Store) Outbox() *Outbox             { return s.outboxStore }
func (s *Store) Contacts() *Contacts         { return s.contactRepo }
func (s *Store) Users() *Users               { return s.userRepo }

// Begin starts a transaction. Only one transaction is open at a time; Begin
// blocks until the previous one ends.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()
	return &Tx{s: s, snapshot: snapshot}, nil
}

func (s *Store) nextSeq() int64 {
	s.data.seq++
	return s.data.seq
}

// Tx implements pgx.Tx. Only Commit and Rollback do anything; the stores
// ignore which Tx they are handed since transactions are serialized.
type Tx struct {
	s        *Store
	snapshot state
	done     bool
}

var _ pgx.Tx = (*Tx)(nil)

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memstore: nested transactions are not supported")
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.s.txMu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.s.mu.Lock()
	t.s.data = t.snapshot
	t.s.mu.Unlock()
	t.s.txMu.Unlock()
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, ErrRawSQL
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	return nil
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, ErrRawSQL
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, ErrRawSQL
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrRawSQL
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

type errRow struct{}

func (errRow) Scan(...any) error { return ErrRawSQL }

func sortedBy[T any](in []T, less func(a, b T) bool) []T {
	sort.SliceStable(in, func(i, j int) bool { return less(in[i], in[j]) })
	return in
}
