// Package actors holds the concurrent workloads the stress test races
// against one another. Each actor loops until stop closes and returns an
// error only for outcomes the engine must never produce.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jackc/pgx/v5/pgconn"

	"dealflow/condition"
	"dealflow/domainerr"
	"dealflow/outbox"
	"dealflow/test/infra"
)

// transient reports failures caused by the harness itself: cancelled runs and
// connections killed by chaos.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// admin_shutdown, serialization_failure, deadlock_detected
		return pgErr.Code == "57P01" || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func expected(err error, codes ...domainerr.Code) bool {
	if err == nil || transient(err) {
		return true
	}
	code := domainerr.CodeOf(err)
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// Advancer keeps pushing the transaction forward. Closed gates and a finished
// workflow are normal outcomes.
func Advancer(ctx context.Context, s *infra.Stack, transactionID string, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		_, err := s.Machine.Advance(ctx, transactionID, "stress-advancer")
		if !expected(err, domainerr.CodeBlockingConditions, domainerr.CodeNoActiveStep) {
			return fmt.Errorf("advance: %w", err)
		}
		pause(10, 30)
	}
	return nil
}

// Jumper moves the transaction to a random step, sometimes backwards.
func Jumper(ctx context.Context, s *infra.Stack, transactionID string, steps int, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		target := 1 + rand.Intn(steps)
		_, err := s.Machine.GoTo(ctx, transactionID, target, "stress-admin", true)
		if !expected(err, domainerr.CodeInvalidTransition, domainerr.CodeNoActiveStep) {
			return fmt.Errorf("goto %d: %w", target, err)
		}
		pause(150, 200)
	}
	return nil
}

// ConditionCreator adds blocking and required conditions to whatever step is
// active when it wins the transaction lock.
func ConditionCreator(ctx context.Context, s *infra.Stack, transactionID string, stop <-chan struct{}) error {
	levels := []condition.Level{condition.LevelBlocking, condition.LevelRequired, condition.LevelRecommended}
	for n := 0; !done(ctx, stop); n++ {
		_, err := s.Conditions.Create(ctx, condition.CreateRequest{
			TransactionID: transactionID,
			LabelFR:       fmt.Sprintf("Condition %d", n),
			Level:         levels[rand.Intn(len(levels))],
			ActorID:       "stress-creator",
		})
		if !expected(err, domainerr.CodeNoActiveStep) {
			return fmt.Errorf("create condition: %w", err)
		}
		pause(20, 40)
	}
	return nil
}

// Resolver resolves open conditions with a random resolution, including
// skipped_with_risk on blocking ones, which must always be refused.
func Resolver(ctx context.Context, s *infra.Stack, transactionID string, stop <-chan struct{}) error {
	types := []condition.ResolutionType{
		condition.ResolutionCompleted,
		condition.ResolutionWaived,
		condition.ResolutionNotApplicable,
		condition.ResolutionSkippedWithRisk,
	}
	for !done(ctx, stop) {
		list, err := s.Conditions.List(ctx, transactionID, false)
		if !expected(err) {
			return fmt.Errorf("list conditions: %w", err)
		}
		var open []condition.Condition
		for _, c := range list {
			if c.Status.Open() {
				open = append(open, c)
			}
		}
		if len(open) == 0 {
			pause(20, 30)
			continue
		}

		c := open[rand.Intn(len(open))]
		rt := types[rand.Intn(len(types))]
		_, err = s.Conditions.Resolve(ctx, condition.ResolveRequest{ConditionID: c.ID, ResolutionType: rt, ActorID: "stress-resolver"})
		switch {
		case err == nil && c.Level == condition.LevelBlocking && rt == condition.ResolutionSkippedWithRisk:
			// The level may have changed since listing; the oracle has the final say.
		case !expected(err, domainerr.CodeBlockingCannotSkip, domainerr.CodeInvalidTransition, domainerr.CodeValidationFailed):
			return fmt.Errorf("resolve %s: %w", c.ID, err)
		}
		pause(15, 30)
	}
	return nil
}

// Relay drains the outbox into publisher while the other actors fill it.
func Relay(ctx context.Context, s *infra.Stack, publisher message.Publisher, stop <-chan struct{}) error {
	relay := outbox.NewRelay(s.Pool, s.Outbox, publisher, outbox.WithBatchSize(25))
	for !done(ctx, stop) {
		if _, err := relay.RunOnce(ctx); !expected(err) {
			return fmt.Errorf("relay: %w", err)
		}
		pause(50, 100)
	}
	return nil
}
