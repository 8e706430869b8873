package condition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dealflow/activity"
	"dealflow/db"
	"dealflow/domainerr"
	"dealflow/logging"
	"dealflow/tracing"
)

// TransactionContext is what condition operations need to know about the
// owning transaction.
type TransactionContext struct {
	TransactionID string
	ActiveStep    *StepRef
	Profile       Profile
	Refs          ReferenceDates
}

// TransactionLocker loads the owning transaction. With lock set the
// transaction row is held FOR UPDATE until tx ends, which serializes condition
// writes with step transitions.
type TransactionLocker interface {
	LoadForConditions(ctx context.Context, tx pgx.Tx, transactionID string, lock bool) (TransactionContext, error)
}

// ResolutionListener is told about resolutions after they commit.
type ResolutionListener interface {
	ConditionResolved(ctx context.Context, c Condition, actorID string)
}

// Service is the transactional entry point for condition operations that do
// not originate in the step machine.
type Service struct {
	pool      db.TxBeginner
	engine    *Engine
	locker    TransactionLocker
	recorder  activity.Recorder
	listener  ResolutionListener
	deadlines *DeadlinePlanner
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewService(pool db.TxBeginner, engine *Engine, locker TransactionLocker, recorder activity.Recorder, deadlines *DeadlinePlanner) *Service {
	return &Service{
		pool:      pool,
		engine:    engine,
		locker:    locker,
		recorder:  recorder,
		deadlines: deadlines,
		tracer:    tracing.Tracer("dealflow/condition"),
		logger:    logging.WithModule("condition"),
	}
}

// SetResolutionListener wires the listener once the step machine exists.
func (s *Service) SetResolutionListener(l ResolutionListener) {
	s.listener = l
}

func (s *Service) Engine() *Engine { return s.engine }

// inCondition runs fn with the condition's transaction locked.
func (s *Service) inCondition(ctx context.Context, conditionID string, fn func(tx pgx.Tx, tc TransactionContext) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.engine.repo.Get(ctx, tx, conditionID, false)
		if err != nil {
			return err
		}
		tc, err := s.locker.LoadForConditions(ctx, tx, c.TransactionID, true)
		if err != nil {
			return err
		}
		return fn(tx, tc)
	})
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, typ activity.Type, c Condition, actorID string, meta map[string]any) error {
	if s.recorder == nil {
		return nil
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["condition_id"] = c.ID
	meta["label"] = c.LabelEN
	meta["level"] = string(c.Level)
	return s.recorder.Record(ctx, tx, activity.Entry{
		TransactionID: c.TransactionID,
		Type:          typ,
		UserID:        activity.Actor(actorID),
		Metadata:      meta,
	})
}

type CreateRequest struct {
	TransactionID string
	TemplateID    string
	LabelFR       string
	LabelEN       string
	Description   string
	Type          string
	Priority      Priority
	Level         Level
	DueDate       *time.Time
	ActorID       string
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (c Condition, err error) {
	ctx, span := tracing.StartSpan(ctx, s.tracer, "condition.create", attribute.String(tracing.TransactionIDKey, req.TransactionID))
	defer func() { tracing.End(span, err) }()

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tc, err := s.locker.LoadForConditions(ctx, tx, req.TransactionID, true)
		if err != nil {
			return err
		}
		c, err = s.engine.Create(ctx, tx, CreateParams{
			TransactionID: req.TransactionID,
			Step:          tc.ActiveStep,
			TemplateID:    req.TemplateID,
			LabelFR:       req.LabelFR,
			LabelEN:       req.LabelEN,
			Description:   req.Description,
			Type:          req.Type,
			Priority:      req.Priority,
			Level:         req.Level,
			DueDate:       req.DueDate,
			Refs:          tc.Refs,
			ActorID:       req.ActorID,
		})
		if err != nil {
			return err
		}
		return s.record(ctx, tx, activity.ConditionCreated, c, req.ActorID, map[string]any{"source": string(c.SourceType)})
	})
	if err != nil {
		return Condition{}, err
	}

	s.deadlines.Schedule(ctx, []Condition{c})
	s.logger.InfoContext(ctx, "condition created", "condition_id", c.ID, "transaction_id", c.TransactionID, "level", c.Level)
	return c, nil
}

func (s *Service) Start(ctx context.Context, conditionID, actorID string) (c Condition, err error) {
	err = s.inCondition(ctx, conditionID, func(tx pgx.Tx, _ TransactionContext) error {
		c, err = s.engine.Start(ctx, tx, conditionID, actorID)
		return err
	})
	return c, err
}

type ResolveRequest struct {
	ConditionID         string
	ResolutionType      ResolutionType
	Note                string
	ActorID             string
	EscapedWithoutProof bool
	EscapeReason        string
}

func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (c Condition, err error) {
	ctx, span := tracing.StartSpan(ctx, s.tracer, "condition.resolve", attribute.String(tracing.ConditionIDKey, req.ConditionID))
	defer func() { tracing.End(span, err) }()

	err = s.inCondition(ctx, req.ConditionID, func(tx pgx.Tx, tc TransactionContext) error {
		var stepOrder *int
		if tc.ActiveStep != nil {
			order := tc.ActiveStep.Order
			stepOrder = &order
		}
		c, err = s.engine.Resolve(ctx, tx, ResolveParams{
			ConditionID:         req.ConditionID,
			ResolutionType:      req.ResolutionType,
			Note:                req.Note,
			ActorID:             req.ActorID,
			StepOrder:           stepOrder,
			EscapedWithoutProof: req.EscapedWithoutProof,
			EscapeReason:        req.EscapeReason,
		})
		if err != nil {
			return err
		}
		return s.record(ctx, tx, activity.ConditionResolved, c, req.ActorID, map[string]any{"resolution_type": string(req.ResolutionType)})
	})
	if err != nil {
		return Condition{}, err
	}

	s.logger.InfoContext(ctx, "condition resolved", "condition_id", c.ID, "transaction_id", c.TransactionID, "resolution", req.ResolutionType)
	if s.listener != nil {
		s.listener.ConditionResolved(ctx, c, req.ActorID)
	}
	return c, nil
}

func (s *Service) AddEvidence(ctx context.Context, p EvidenceParams) (ev Evidence, err error) {
	err = s.inCondition(ctx, p.ConditionID, func(tx pgx.Tx, _ TransactionContext) error {
		ev, err = s.engine.AddEvidence(ctx, tx, p)
		return err
	})
	return ev, err
}

func (s *Service) RemoveEvidence(ctx context.Context, conditionID, evidenceID, actorID string) error {
	return s.inCondition(ctx, conditionID, func(tx pgx.Tx, _ TransactionContext) error {
		return s.engine.RemoveEvidence(ctx, tx, conditionID, evidenceID, actorID)
	})
}

func (s *Service) AddNote(ctx context.Context, conditionID, body, actorID string) (c Condition, err error) {
	err = s.inCondition(ctx, conditionID, func(tx pgx.Tx, _ TransactionContext) error {
		c, err = s.engine.AddNote(ctx, tx, conditionID, body, actorID)
		return err
	})
	return c, err
}

// ChangeLevel requires admin; the caller passes the authorization decision.
func (s *Service) ChangeLevel(ctx context.Context, conditionID string, level Level, reason, actorID string, admin bool) (c Condition, err error) {
	if !admin {
		return Condition{}, domainerr.New("condition.level", domainerr.CodeForbidden, "changing a condition level requires an administrator")
	}
	err = s.inCondition(ctx, conditionID, func(tx pgx.Tx, _ TransactionContext) error {
		c, err = s.engine.ChangeLevel(ctx, tx, conditionID, level, reason, actorID)
		return err
	})
	if err == nil {
		s.logger.InfoContext(ctx, "condition level changed", "condition_id", conditionID, "level", level, "actor_id", actorID)
	}
	return c, err
}

func (s *Service) Unarchive(ctx context.Context, conditionID, actorID string, admin bool) (c Condition, err error) {
	if !admin {
		return Condition{}, domainerr.New("condition.unarchive", domainerr.CodeForbidden, "unarchiving a condition requires an administrator")
	}
	err = s.inCondition(ctx, conditionID, func(tx pgx.Tx, tc TransactionContext) error {
		c, err = s.engine.Unarchive(ctx, tx, conditionID, tc.ActiveStep, actorID)
		return err
	})
	if err != nil {
		return Condition{}, err
	}
	s.deadlines.Schedule(ctx, []Condition{c})
	return c, nil
}

func (s *Service) Get(ctx context.Context, conditionID string) (c Condition, err error) {
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err = s.engine.repo.Get(ctx, tx, conditionID, false)
		return err
	})
	return c, err
}

func (s *Service) List(ctx context.Context, transactionID string, includeArchived bool) (out []Condition, err error) {
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.locker.LoadForConditions(ctx, tx, transactionID, false); err != nil {
			return err
		}
		out, err = s.engine.repo.ListByTransaction(ctx, tx, transactionID, includeArchived)
		return err
	})
	return out, err
}

func (s *Service) Events(ctx context.Context, conditionID string) (out []Event, err error) {
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.engine.repo.Get(ctx, tx, conditionID, false); err != nil {
			return err
		}
		out, err = s.engine.repo.ListEvents(ctx, tx, conditionID)
		return err
	})
	return out, err
}

func (s *Service) Evidence(ctx context.Context, conditionID string) (out []Evidence, err error) {
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.engine.repo.Get(ctx, tx, conditionID, false); err != nil {
			return err
		}
		out, err = s.engine.repo.ListEvidence(ctx, tx, conditionID)
		return err
	})
	return out, err
}

// Suggestions lists applicable catalog templates that are not yet present on
// the transaction. Archived conditions do not count as present.
func (s *Service) Suggestions(ctx context.Context, transactionID string) ([]Template, error) {
	if s.engine.catalog == nil {
		return nil, nil
	}
	var (
		tc       TransactionContext
		existing []Condition
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		tc, err = s.locker.LoadForConditions(ctx, tx, transactionID, false)
		if err != nil {
			return err
		}
		existing, err = s.engine.repo.ListByTransaction(ctx, tx, transactionID, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	active, err := s.engine.catalog.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("condition: load catalog: %w", err)
	}
	var out []Template
	for _, t := range active {
		if !AppliesTo(t, tc.Profile) {
			continue
		}
		if MatchesExisting(existing, t.ID, t.LabelFR, t.LabelEN) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseLevel accepts a level name in any case.
func ParseLevel(s string) (Level, bool) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	return l, l.Valid()
}
