package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"queuectl/internal/models"
)

var _ Store = (*Postgres)(nil)

// Postgres wraps pgxpool. Claims lock the candidate row with
// FOR UPDATE SKIP LOCKED so concurrent workers never queue behind each other.
type Postgres struct {
	pool *pgxpool.Pool
	opts options
}

// OpenPostgres creates a pooled connection and applies migrations.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	if err := migratePostgres(ctx, dsn); err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, opts: buildOptions(opts)}, nil
}

// migratePostgres runs goose over its own database/sql handle.
func migratePostgres(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	return migrate(ctx, db, goose.DialectPostgres, "postgres")
}

func (s *Postgres) Add(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, job.ID, job.Command, string(job.State), job.Attempts, job.MaxRetries,
		job.CreatedAt, job.UpdatedAt, job.ErrorMessage, job.WorkerID, nullableTime(job.NextEligibleAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrDuplicateID
		}
		return storageErr("insert job", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, storageErr("get job", err)
	}
	return job, nil
}

func (s *Postgres) Update(ctx context.Context, job models.Job, from models.State) error {
	return updatePostgres(ctx, s.pool, job, from)
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updatePostgres(ctx context.Context, db pgExecer, job models.Job, from models.State) error {
	tag, err := db.Exec(ctx, `
		UPDATE jobs
		SET command = $2, state = $3, attempts = $4, max_retries = $5, created_at = $6, updated_at = $7,
		    error_message = $8, worker_id = $9, next_eligible_at = $10
		WHERE id = $1 AND state = $11
	`, job.ID, job.Command, string(job.State), job.Attempts, job.MaxRetries, job.CreatedAt, job.UpdatedAt,
		job.ErrorMessage, job.WorkerID, nullableTime(job.NextEligibleAt), string(from))
	if err != nil {
		return storageErr("update job", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
		return storageErr("update job", err)
	}
	if !exists {
		return models.ErrNotFound
	}
	return models.ErrStateConflict
}

func (s *Postgres) List(ctx context.Context, state models.State) iter.Seq2[models.Job, error] {
	return func(yield func(models.Job, error) bool) {
		query := `SELECT ` + jobColumns + ` FROM jobs`
		var args []any
		if state != "" {
			query += ` WHERE state = $1`
			args = append(args, string(state))
		}
		query += ` ORDER BY created_at ASC, seq ASC`

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			yield(models.Job{}, storageErr("list jobs", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanPostgresJob(rows)
			if err != nil {
				yield(models.Job{}, storageErr("scan job", err))
				return
			}
			if !yield(job, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Job{}, storageErr("list jobs", err))
		}
	}
}

func (s *Postgres) ClaimNext(ctx context.Context, workerID string) (models.Job, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, storageErr("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := s.opts.now()
	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = $1
		   OR (state = $2 AND attempts < max_retries
		       AND (next_eligible_at IS NULL OR next_eligible_at <= $3))
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(models.StatePending), string(models.StateFailed), models.Timestamp(now))
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, storageErr("select claimable job", err)
	}

	claimed, err := job.MarkProcessing(workerID, now)
	if err != nil {
		return models.Job{}, false, err
	}
	if err := updatePostgres(ctx, tx, claimed, job.State); err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, storageErr("commit claim", err)
	}
	return claimed, true, nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanPostgresJob(row pgx.Row) (models.Job, error) {
	var (
		job      models.Job
		state    string
		eligible pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.Command, &state, &job.Attempts, &job.MaxRetries,
		&job.CreatedAt, &job.UpdatedAt, &job.ErrorMessage, &job.WorkerID, &eligible); err != nil {
		return models.Job{}, err
	}
	job.State = models.State(state)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if eligible.Valid {
		job.NextEligibleAt = eligible.Time.UTC()
	}
	return job, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
