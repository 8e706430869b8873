package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

type jobState int

const (
	stateScheduled jobState = iota
	stateClaimed
	stateDone
)

type memoryRecord struct {
	job   Job
	state jobState
}

// MemoryStore keeps jobs in process. Completed ids are remembered so a
// repeated Schedule stays a no-op.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*memoryRecord{}}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Schedule(_ context.Context, job Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return false, nil
	}
	m.jobs[job.ID] = &memoryRecord{job: job}
	return true, nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*memoryRecord
	for _, r := range m.jobs {
		if r.state == stateScheduled && !r.job.RunAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].job.RunAt.Before(due[j].job.RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, 0, len(due))
	for _, r := range due {
		r.state = stateClaimed
		out = append(out, r.job)
	}
	return out, nil
}

func (m *MemoryStore) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.jobs[id]
	if !ok {
		return ErrUnknownJob
	}
	r.state = stateDone
	return nil
}

func (m *MemoryStore) Retry(_ context.Context, job Job, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.jobs[job.ID]
	if !ok {
		return ErrUnknownJob
	}
	job.RunAt = runAt
	r.job = job
	r.state = stateScheduled
	return nil
}

// Pending returns scheduled, unclaimed jobs ordered by run time.
func (m *MemoryStore) Pending() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, r := range m.jobs {
		if r.state == stateScheduled {
			out = append(out, r.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}
