package store

import (
	"context"
	"iter"
	"sort"
	"sync"

	"queuectl/internal/models"
)

var _ Store = (*Memory)(nil)

// Memory is a mutex-guarded in-process store. It satisfies the claim
// contract between goroutines only and loses everything on exit, so it is
// meant for tests and local experiments.
type Memory struct {
	opts options

	mu   sync.RWMutex
	jobs map[string]models.Job
	seq  map[string]uint64
	next uint64
}

// NewMemory returns an empty store.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts: buildOptions(opts),
		jobs: make(map[string]models.Job),
		seq:  make(map[string]uint64),
	}
}

func (m *Memory) Add(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return models.ErrDuplicateID
	}
	m.next++
	m.jobs[job.ID] = job
	m.seq[job.ID] = m.next
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return job, nil
}

func (m *Memory) Update(_ context.Context, job models.Job, from models.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return models.ErrNotFound
	}
	if cur.State != from {
		return models.ErrStateConflict
	}
	m.jobs[job.ID] = job
	return nil
}

// ordered returns a snapshot sorted by creation time, ties broken by
// insertion order.
func (m *Memory) ordered(state models.State) []models.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if state == "" || j.State == state {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return m.seq[out[a].ID] < m.seq[out[b].ID]
	})
	return out
}

func (m *Memory) List(ctx context.Context, state models.State) iter.Seq2[models.Job, error] {
	return func(yield func(models.Job, error) bool) {
		for _, j := range m.ordered(state) {
			if err := ctx.Err(); err != nil {
				yield(models.Job{}, err)
				return
			}
			if !yield(j, nil) {
				return
			}
		}
	}
}

func (m *Memory) ClaimNext(_ context.Context, workerID string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	var (
		pick  models.Job
		found bool
	)
	for _, j := range m.jobs {
		if !j.Eligible(now) {
			continue
		}
		if !found || j.CreatedAt.Before(pick.CreatedAt) ||
			(j.CreatedAt.Equal(pick.CreatedAt) && m.seq[j.ID] < m.seq[pick.ID]) {
			pick, found = j, true
		}
	}
	if !found {
		return models.Job{}, false, nil
	}
	claimed, err := pick.MarkProcessing(workerID, now)
	if err != nil {
		return models.Job{}, false, err
	}
	m.jobs[claimed.ID] = claimed
	return claimed, true, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.jobs, id)
	delete(m.seq, id)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
