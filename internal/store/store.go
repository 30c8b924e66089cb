// Package store persists jobs and provides the atomic claim primitive the
// workers coordinate through.
package store

import (
	"context"
	"fmt"
	"iter"
	"time"

	"queuectl/internal/config"
	"queuectl/internal/models"
)

// Store is the persistence contract shared by every backend.
//
// ClaimNext and Update are atomic with respect to each other, across
// goroutines and, for the durable backends, across processes sharing the
// same database.
type Store interface {
	// Add inserts a new job. It fails with models.ErrDuplicateID when the id
	// is taken.
	Add(ctx context.Context, job models.Job) error

	// Get returns the job or models.ErrNotFound.
	Get(ctx context.Context, id string) (models.Job, error)

	// Update overwrites the stored job, provided its persisted state still
	// equals from. Otherwise nothing is written and models.ErrStateConflict
	// (or models.ErrNotFound) is returned.
	Update(ctx context.Context, job models.Job, from models.State) error

	// List yields jobs in creation order, optionally restricted to one state.
	// The sequence is lazy and may be ranged over more than once.
	List(ctx context.Context, state models.State) iter.Seq2[models.Job, error]

	// ClaimNext moves the oldest eligible job to processing on behalf of
	// workerID. ok is false when nothing is claimable.
	ClaimNext(ctx context.Context, workerID string) (job models.Job, ok bool, err error)

	// Delete removes a job regardless of its state.
	Delete(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

// Option tunes a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for eligibility checks and claim timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Open connects to the backend selected by cfg.StoreDriver and applies
// migrations where the backend has a schema.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return NewMemory(opts...), nil
	case config.DriverSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath, opts...)
	case config.DriverPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN, opts...)
	case config.DriverRedis:
		return OpenRedis(ctx, cfg, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStorageFailure, op, err)
}
