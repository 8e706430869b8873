package condition

import (
	"context"
	"log/slog"
	"time"

	"dealflow/jobs"
	"dealflow/logging"
)

const DefaultDeadlineLead = 48 * time.Hour

// DeadlinePlanner schedules a warning job ahead of each condition due date.
type DeadlinePlanner struct {
	facility *jobs.Facility
	lead     time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewDeadlinePlanner(facility *jobs.Facility, lead time.Duration) *DeadlinePlanner {
	if lead <= 0 {
		lead = DefaultDeadlineLead
	}
	return &DeadlinePlanner{
		facility: facility,
		lead:     lead,
		now:      time.Now,
		logger:   logging.WithModule("deadline"),
	}
}

func (p *DeadlinePlanner) WithClock(now func() time.Time) *DeadlinePlanner {
	p.now = now
	return p
}

// Schedule is best-effort: failures are logged and never returned. Conditions
// without a due date or already past it are ignored.
func (p *DeadlinePlanner) Schedule(ctx context.Context, conds []Condition) {
	if p == nil || p.facility == nil {
		return
	}
	now := p.now()
	for _, c := range conds {
		if c.DueDate == nil || !c.Status.Open() || c.Archived || !c.DueDate.After(now) {
			continue
		}
		delay := c.DueDate.Add(-p.lead).Sub(now)
		if delay < 0 {
			delay = 0
		}
		_, err := p.facility.ScheduleDeadlineWarning(ctx, jobs.DeadlineWarning{
			ConditionID:   c.ID,
			TransactionID: c.TransactionID,
			DueDate:       *c.DueDate,
		}, delay, jobs.DeadlineWarningJobID(c.ID))
		if err != nil {
			p.logger.WarnContext(ctx, "deadline warning not scheduled", "condition_id", c.ID, "error", err)
		}
	}
}
