package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/activity"
	"dealflow/condition"
	"dealflow/db"
	"dealflow/domainerr"
	"dealflow/outbox"
	"dealflow/transaction"
)

var now = time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)

func newStore() *Store {
	return New(WithClock(func() time.Time { return now }))
}

func seedTransaction(t *testing.T, s *Store, id string) {
	t.Helper()
	err := db.InTx(context.Background(), s, func(tx pgx.Tx) error {
		_, err := s.Transactions().InsertTransaction(context.Background(), tx, transaction.Transaction{ID: id, DefinitionID: "def", Status: "active", CreatedAt: now})
		return err
	})
	require.NoError(t, err)
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	seedTransaction(t, s, "tx-1")

	boom := errors.New("boom")
	err := db.InTx(ctx, s, func(tx pgx.Tx) error {
		if _, err := s.Conditions().Insert(ctx, tx, condition.Condition{ID: "c-1", TransactionID: "tx-1", Level: condition.LevelRequired, Status: condition.StatusPending}); err != nil {
			return err
		}
		if err := s.Activity().Record(ctx, tx, activity.Entry{TransactionID: "tx-1", Type: activity.ConditionCreated}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = db.InTx(ctx, s, func(tx pgx.Tx) error {
		_, err := s.Conditions().Get(ctx, tx, "c-1", false)
		return err
	})
	assert.ErrorIs(t, err, domainerr.ErrNotFound)

	entries, err := s.Activity().List(ctx, "tx-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, s.Outbox().Messages())
}

func TestCommitKeepsWritesAndClosesTx(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	seedTransaction(t, s, "tx-1")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Activity().Record(ctx, tx, activity.Entry{TransactionID: "tx-1", Type: activity.StepEntered}))
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Rollback(ctx), pgx.ErrTxClosed)

	entries, err := s.Activity().List(ctx, "tx-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, activity.StepEntered, entries[0].Type)

	msgs := s.Outbox().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "activity.step_entered", msgs[0].Topic)
	assert.Equal(t, outbox.StatusPending, msgs[0].Status)
}

func TestSingleActiveStep(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	seedTransaction(t, s, "tx-1")

	err := db.InTx(ctx, s, func(tx pgx.Tx) error {
		_, err := s.Transactions().InsertSteps(ctx, tx, []transaction.Step{
			{ID: "s1", TransactionID: "tx-1", Order: 1, Status: transaction.StepActive},
			{ID: "s2", TransactionID: "tx-1", Order: 2, Status: transaction.StepPending},
		})
		return err
	})
	require.NoError(t, err)

	err = db.InTx(ctx, s, func(tx pgx.Tx) error {
		return s.Transactions().UpdateStep(ctx, tx, transaction.Step{ID: "s2", Status: transaction.StepActive})
	})
	assert.Equal(t, domainerr.CodeConflict, domainerr.CodeOf(err))

	err = db.InTx(ctx, s, func(tx pgx.Tx) error {
		_, err := s.Transactions().InsertSteps(ctx, tx, []transaction.Step{{ID: "s3", TransactionID: "tx-1", Order: 2, Status: transaction.StepPending}})
		return err
	})
	assert.Equal(t, domainerr.CodeConflict, domainerr.CodeOf(err))
}

func TestBlockingSkippedWithRiskIsRejected(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	seedTransaction(t, s, "tx-1")

	risk := condition.ResolutionSkippedWithRisk
	err := db.InTx(ctx, s, func(tx pgx.Tx) error {
		_, err := s.Conditions().Insert(ctx, tx, condition.Condition{
			ID: "c-1", TransactionID: "tx-1", Level: condition.LevelBlocking,
			Status: condition.StatusCompleted, ResolutionType: &risk,
		})
		return err
	})
	assert.ErrorIs(t, err, errBlockingSkipped)
}

func TestOutboxClaimAndMark(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	err := db.InTx(ctx, s, func(tx pgx.Tx) error {
		for _, topic := range []string{"a", "b", "c"} {
			if err := s.Outbox().Enqueue(ctx, tx, topic, map[string]string{"k": topic}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.InTx(ctx, s, func(tx pgx.Tx) error {
		claimed, err := s.Outbox().Claim(ctx, tx, 2)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		require.NoError(t, s.Outbox().MarkProcessed(ctx, tx, claimed[0].ID))
		return s.Outbox().MarkFailed(ctx, tx, claimed[1].ID, "broker down", true)
	})
	require.NoError(t, err)

	msgs := s.Outbox().Messages()
	assert.Equal(t, outbox.StatusProcessed, msgs[0].Status)
	assert.Equal(t, outbox.StatusDead, msgs[1].Status)
	assert.Equal(t, 1, msgs[1].Attempts)
	assert.Equal(t, "broker down", msgs[1].LastError)
	assert.Equal(t, outbox.StatusPending, msgs[2].Status)
}

func TestBeginHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newStore().Begin(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
