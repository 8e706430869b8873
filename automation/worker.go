package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"dealflow/condition"
	"dealflow/domainerr"
	"dealflow/jobs"
	"dealflow/logging"
)

const (
	DefaultWorkerSpec = "@every 15s"
	defaultMaxRetries = 3
	defaultBackoff    = time.Minute
	defaultBatch      = 25
)

type ConditionReader interface {
	Get(ctx context.Context, conditionID string) (condition.Condition, error)
}

// Worker drains due jobs. A failed job is retried with exponential backoff
// and dropped after the last retry.
type Worker struct {
	store       jobs.Store
	dispatcher  *Dispatcher
	conditions  ConditionReader
	batch       int
	maxRetries  int
	baseBackoff time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type WorkerOption func(*Worker)

func WithBatch(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

func WithRetries(n int, base time.Duration) WorkerOption {
	return func(w *Worker) {
		if n >= 0 {
			w.maxRetries = n
		}
		if base > 0 {
			w.baseBackoff = base
		}
	}
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func NewWorker(store jobs.Store, dispatcher *Dispatcher, conditions ConditionReader, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       store,
		dispatcher:  dispatcher,
		conditions:  conditions,
		batch:       defaultBatch,
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBackoff,
		now:         time.Now,
		logger:      logging.WithModule("worker"),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// RunOnce processes one batch of due jobs and reports how many completed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.store.ClaimDue(ctx, w.now(), w.batch)
	if err != nil {
		return 0, fmt.Errorf("worker: claim: %w", err)
	}

	done := 0
	for _, job := range due {
		if err := w.handle(ctx, job); err != nil {
			w.fail(ctx, job, err)
			continue
		}
		if err := w.store.Complete(ctx, job.ID); err != nil {
			w.logger.ErrorContext(ctx, "job not completed", "job_id", job.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

func (w *Worker) fail(ctx context.Context, job jobs.Job, cause error) {
	job.Attempts++
	if job.Attempts > w.maxRetries {
		w.logger.ErrorContext(ctx, "job dropped", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", cause)
		if err := w.store.Complete(ctx, job.ID); err != nil {
			w.logger.ErrorContext(ctx, "dropped job not completed", "job_id", job.ID, "error", err)
		}
		return
	}
	backoff := w.baseBackoff << (job.Attempts - 1)
	w.logger.WarnContext(ctx, "job failed, retrying", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "backoff", backoff, "error", cause)
	if err := w.store.Retry(ctx, job, w.now().Add(backoff)); err != nil {
		w.logger.ErrorContext(ctx, "job not rescheduled", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) handle(ctx context.Context, job jobs.Job) error {
	switch job.Kind {
	case jobs.KindDelayedAutomation:
		p, err := jobs.DecodeDelayedAutomation(job)
		if err != nil {
			return err
		}
		ctx = logging.WithTransaction(ctx, p.TransactionID)
		res := w.dispatcher.Execute(ctx, p.Automation, p.TransactionID, Context{
			StepName:    p.StepName,
			StepOrder:   p.StepOrder,
			Trigger:     p.Trigger,
			ConditionID: p.ConditionID,
		})
		if res.Error != "" {
			return errors.New(res.Error)
		}
		return nil

	case jobs.KindDeadlineWarning:
		p, err := jobs.DecodeDeadlineWarning(job)
		if err != nil {
			return err
		}
		ctx = logging.WithTransaction(ctx, p.TransactionID)
		c, err := w.conditions.Get(ctx, p.ConditionID)
		if err != nil {
			if errors.Is(err, domainerr.ErrNotFound) {
				return nil
			}
			return err
		}
		if !stillDue(c, p) {
			w.logger.DebugContext(ctx, "deadline warning obsolete", "condition_id", c.ID)
			return nil
		}
		res := w.dispatcher.WarnDeadline(ctx, c)
		if res.Error != "" {
			return errors.New(res.Error)
		}
		return nil
	}
	return fmt.Errorf("worker: unknown job kind %q", job.Kind)
}

// stillDue reports whether the warning still matches the condition: open,
// not archived and with the due date it was scheduled for.
func stillDue(c condition.Condition, p jobs.DeadlineWarning) bool {
	if !c.Status.Open() || c.Archived || c.DueDate == nil {
		return false
	}
	return c.DueDate.Equal(p.DueDate)
}

// Start runs the worker on a cron spec until ctx is done.
func (w *Worker) Start(ctx context.Context, spec string) error {
	if spec == "" {
		spec = DefaultWorkerSpec
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "worker run failed", "error", err)
			return
		}
		if n > 0 {
			w.logger.DebugContext(ctx, "jobs processed", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("worker: schedule %q: %w", spec, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
