// Package queue is the producer and operator facing side of queuectl:
// enqueueing, inspection and dead letter handling on top of a store.Store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"queuectl/internal/config"
	"queuectl/internal/logger"
	"queuectl/internal/models"
	"queuectl/internal/store"
	"queuectl/internal/telemetry"
)

// Manager handles job submission and administration. It never executes
// commands; that is the worker's job.
type Manager struct {
	cfg   config.Config
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
	newID func() string
}

// Option customises a Manager.
type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the uuid based id source.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager wires a manager to st. cfg supplies the default max_retries.
func NewManager(cfg config.Config, st store.Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg,
		store: st,
		log:   zerolog.Nop(),
		now:   time.Now,
		newID: func() string { return "job-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request describes a job to enqueue. ID and MaxRetries are optional.
type Request struct {
	ID         string `json:"id,omitempty"`
	Command    string `json:"command"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

// Stats summarises the queue.
type Stats struct {
	Total         int                  `json:"total"`
	States        map[models.State]int `json:"states"`
	ActiveWorkers int                  `json:"active_workers"`
}

// Enqueue validates req and stores a new pending job, returning its id.
func (m *Manager) Enqueue(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Command) == "" {
		return "", fmt.Errorf("%w: command is required", models.ErrInvalidJobSpec)
	}
	maxRetries := m.cfg.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return "", fmt.Errorf("%w: max_retries must be >= 0, got %d", models.ErrInvalidJobSpec, maxRetries)
	}
	id := req.ID
	if id == "" {
		id = m.newID()
	} else if strings.ContainsFunc(id, isSpaceOrSlash) {
		return "", fmt.Errorf("%w: id %q contains whitespace or '/'", models.ErrInvalidJobSpec, id)
	}

	job := models.New(id, req.Command, maxRetries, m.now())
	if err := m.store.Add(ctx, job); err != nil {
		m.countStorage(err)
		return "", fmt.Errorf("enqueue %s: %w", id, err)
	}

	telemetry.EnqueueCounter.Inc()
	log := logger.WithJobID(m.log, id)
	log.Info().Int("max_retries", maxRetries).Msg("job enqueued")
	return id, nil
}

func isSpaceOrSlash(r rune) bool {
	return r == '/' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// Status counts jobs per state. Active workers are approximated by the
// number of jobs in processing.
func (m *Manager) Status(ctx context.Context) (Stats, error) {
	stats := Stats{States: make(map[models.State]int, len(models.States))}
	for _, st := range models.States {
		stats.States[st] = 0
	}
	for job, err := range m.store.List(ctx, "") {
		if err != nil {
			m.countStorage(err)
			return Stats{}, fmt.Errorf("status: %w", err)
		}
		stats.Total++
		stats.States[job.State]++
	}
	stats.ActiveWorkers = stats.States[models.StateProcessing]

	for st, n := range stats.States {
		telemetry.JobsByState.WithLabelValues(string(st)).Set(float64(n))
	}
	return stats, nil
}

// ListByState yields jobs in creation order. An empty state lists every job;
// an unknown one yields models.ErrInvalidState.
func (m *Manager) ListByState(ctx context.Context, state models.State) iter.Seq2[models.Job, error] {
	if state != "" && !slices.Contains(models.States, state) {
		return func(yield func(models.Job, error) bool) {
			yield(models.Job{}, fmt.Errorf("%w: unknown state %q", models.ErrInvalidState, state))
		}
	}
	return m.store.List(ctx, state)
}

// DLQList yields the dead jobs.
func (m *Manager) DLQList(ctx context.Context) iter.Seq2[models.Job, error] {
	return m.ListByState(ctx, models.StateDead)
}

// DLQRetry moves a dead job back to pending with a fresh retry budget.
func (m *Manager) DLQRetry(ctx context.Context, id string) (models.Job, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		m.countStorage(err)
		return models.Job{}, fmt.Errorf("dlq retry %s: %w", id, err)
	}
	if job.State != models.StateDead {
		return models.Job{}, fmt.Errorf("%w: job %s is %s, not dead", models.ErrInvalidState, id, job.State)
	}
	requeued, err := job.Requeue(m.now())
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", models.ErrInvalidState, err)
	}
	if err := m.store.Update(ctx, requeued, models.StateDead); err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			return models.Job{}, fmt.Errorf("%w: job %s left the dead letter queue concurrently", models.ErrInvalidState, id)
		}
		m.countStorage(err)
		return models.Job{}, fmt.Errorf("dlq retry %s: %w", id, err)
	}

	telemetry.DLQRequeued.Inc()
	log := logger.WithJobID(m.log, id)
	log.Info().Msg("job requeued from dead letter queue")
	return requeued, nil
}

// Get returns a single job.
func (m *Manager) Get(ctx context.Context, id string) (models.Job, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		m.countStorage(err)
		return models.Job{}, fmt.Errorf("get %s: %w", id, err)
	}
	return job, nil
}

// Delete removes a job in any state. Deleting a processing job does not stop
// its command; the owning worker's final update then fails with not found.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		m.countStorage(err)
		return fmt.Errorf("delete %s: %w", id, err)
	}
	log := logger.WithJobID(m.log, id)
	log.Info().Msg("job deleted")
	return nil
}

// Ping reports whether the backing store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func (m *Manager) countStorage(err error) {
	if errors.Is(err, models.ErrStorageFailure) {
		telemetry.StorageErrors.Inc()
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[models.Job, error]) ([]models.Job, error) {
	jobs := []models.Job{}
	for job, err := range seq {
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
