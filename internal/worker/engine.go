package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"queuectl/internal/config"
	"queuectl/internal/logger"
	"queuectl/internal/models"
	"queuectl/internal/store"
	"queuectl/internal/telemetry"
)

// DeadLetterSink receives every job that exhausts its retries, together with
// the output of its final attempt.
type DeadLetterSink interface {
	Archive(ctx context.Context, job models.Job, last Result) error
}

// Engine runs a pool of worker goroutines. Workers share nothing but the
// store; each claims, executes and records one job at a time.
type Engine struct {
	cfg            config.Config
	store          store.Store
	exec           Executor
	backoff        Strategy
	sink           DeadLetterSink
	archiveTimeout time.Duration
	log            zerolog.Logger
	now            func() time.Time
	newID          func() string

	// lifecycle serialises Start and Stop, and is held while Stop waits, so
	// the WaitGroup is never reused before Wait returns.
	lifecycle sync.Mutex
	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	workers   []string
}

// Option customises an Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithBackoff(s Strategy) Option {
	return func(e *Engine) { e.backoff = s }
}

func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithArchiveTimeout bounds each DeadLetterSink call. Defaults to 30s.
func WithArchiveTimeout(d time.Duration) Option {
	return func(e *Engine) { e.archiveTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithWorkerIDs replaces the worker id source.
func WithWorkerIDs(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine builds an engine. Backoff defaults to Exponential over
// cfg.BackoffBase seconds.
func NewEngine(cfg config.Config, st store.Store, exec Executor, opts ...Option) *Engine {
	e := &Engine{
		cfg:            cfg,
		store:          st,
		exec:           exec,
		backoff:        NewExponential(cfg.BackoffBase, cfg.BackoffMax),
		archiveTimeout: 30 * time.Second,
		log:            zerolog.Nop(),
		now:            time.Now,
		newID:          NewWorkerID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewWorkerID returns an id of the form worker-1a2b3c4d.
func NewWorkerID() string {
	id := uuid.New()
	return fmt.Sprintf("worker-%x", id[:4])
}

// Start launches count workers. It fails if the engine is already running.
func (e *Engine) Start(count int) error {
	if count < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", count)
	}
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("worker engine already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.workers = make([]string, 0, count)
	for range count {
		id := e.newID()
		e.workers = append(e.workers, id)
		e.wg.Add(1)
		go e.run(ctx, id)
	}
	e.log.Info().Int("worker_count", count).Strs("workers", e.workers).Msg("worker engine started")
	return nil
}

// Stop signals every worker and waits for them. A command already running
// finishes and its outcome is recorded first. Stop is idempotent, and a
// concurrent Start blocks until the workers are gone.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}

	e.log.Info().Msg("stopping worker engine")
	cancel()
	e.wg.Wait()
	e.log.Info().Msg("worker engine stopped")
}

// Workers returns the ids of the workers started by the last Start.
func (e *Engine) Workers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.workers...)
}

func (e *Engine) run(ctx context.Context, workerID string) {
	defer e.wg.Done()
	telemetry.WorkersActive.Inc()
	defer telemetry.WorkersActive.Dec()

	log := logger.WithWorkerID(e.log, workerID)
	log.Debug().Msg("worker started")
	defer func() { log.Debug().Msg("worker shutting down") }()

	// A claimed job must always reach a final update, so claim, execution
	// and persistence ignore the stop signal.
	work := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := e.ProcessNext(work, workerID)
		if err != nil {
			log.Error().Err(err).Msg("worker iteration failed")
		}
		if processed {
			continue
		}

		timer := time.NewTimer(e.cfg.WorkerPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessNext claims and runs at most one job on behalf of workerID.
// processed is false when nothing was claimable.
func (e *Engine) ProcessNext(ctx context.Context, workerID string) (processed bool, err error) {
	job, ok, err := e.store.ClaimNext(ctx, workerID)
	if err != nil {
		telemetry.StorageErrors.Inc()
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return false, nil
	}

	log := logger.WithJobID(logger.WithWorkerID(e.log, workerID), job.ID)
	log.Info().
		Int("attempt", job.Attempts+1).
		Int("max_retries", job.MaxRetries).
		Str("command", job.Command).
		Msg("processing job")

	telemetry.InFlightGauge.Inc()
	start := time.Now()
	res, runErr := e.exec.Run(ctx, job.Command)
	telemetry.JobDuration.Observe(time.Since(start).Seconds())
	telemetry.InFlightGauge.Dec()

	now := e.now()
	var next models.Job
	if runErr == nil && res.ExitCode == 0 {
		next, err = job.MarkCompleted(now)
	} else {
		next, err = job.MarkFailed(failureMessage(res, runErr), now)
		if err == nil && next.State == models.StateFailed {
			next = next.DeferUntil(now.Add(e.backoff.Delay(next.Attempts)))
		}
	}
	if err != nil {
		return true, err
	}

	if err := e.store.Update(ctx, next, models.StateProcessing); err != nil {
		telemetry.StorageErrors.Inc()
		log.Error().Err(err).Str("state", string(next.State)).Msg("failed to record job outcome; job left in processing")
		return true, fmt.Errorf("record %s: %w", job.ID, err)
	}

	switch next.State {
	case models.StateCompleted:
		telemetry.WorkerSuccess.Inc()
		log.Info().Int("attempts", next.Attempts).Msg("job completed")
	case models.StateFailed:
		telemetry.WorkerRetries.Inc()
		log.Warn().
			Int("attempts", next.Attempts).
			Time("next_eligible_at", next.NextEligibleAt).
			Str("error", next.ErrorMessage).
			Msg("job failed; retry scheduled")
	case models.StateDead:
		telemetry.WorkerDeadLetter.Inc()
		log.Error().
			Int("attempts", next.Attempts).
			Str("error", next.ErrorMessage).
			Msg("job moved to dead letter queue")
		if e.sink != nil {
			archiveCtx, cancel := context.WithTimeout(ctx, e.archiveTimeout)
			if err := e.sink.Archive(archiveCtx, next, res); err != nil {
				log.Error().Err(err).Msg("dead letter archive failed")
			}
			cancel()
		}
	}
	return true, nil
}
