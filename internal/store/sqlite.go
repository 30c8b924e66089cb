package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"queuectl/internal/models"
)

var _ Store = (*SQLite)(nil)

// SQLite is the default durable backend. Every write transaction starts with
// BEGIN IMMEDIATE, which serialises claimers across processes sharing the
// database file.
type SQLite struct {
	db   *sql.DB
	opts options
}

const jobColumns = `id, command, state, attempts, max_retries, created_at, updated_at, error_message, worker_id, next_eligible_at`

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_txlock", "immediate")
	q.Set("_foreign_keys", "on")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLite) Add(ctx context.Context, job models.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Command, string(job.State), job.Attempts, job.MaxRetries,
		micros(job.CreatedAt), micros(job.UpdatedAt), job.ErrorMessage, job.WorkerID, micros(job.NextEligibleAt))
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return models.ErrDuplicateID
		}
		return storageErr("insert job", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, storageErr("get job", err)
	}
	return job, nil
}

func (s *SQLite) Update(ctx context.Context, job models.Job, from models.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback()

	if err := updateSQLiteTx(ctx, tx, job, from); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func updateSQLiteTx(ctx context.Context, tx *sql.Tx, job models.Job, from models.State) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET command = ?, state = ?, attempts = ?, max_retries = ?, created_at = ?, updated_at = ?,
		    error_message = ?, worker_id = ?, next_eligible_at = ?
		WHERE id = ? AND state = ?
	`, job.Command, string(job.State), job.Attempts, job.MaxRetries, micros(job.CreatedAt), micros(job.UpdatedAt),
		job.ErrorMessage, job.WorkerID, micros(job.NextEligibleAt), job.ID, string(from))
	if err != nil {
		return storageErr("update job", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, job.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return storageErr("update job", err)
	}
	return models.ErrStateConflict
}

func (s *SQLite) List(ctx context.Context, state models.State) iter.Seq2[models.Job, error] {
	return func(yield func(models.Job, error) bool) {
		query := `SELECT ` + jobColumns + ` FROM jobs`
		var args []any
		if state != "" {
			query += ` WHERE state = ?`
			args = append(args, string(state))
		}
		query += ` ORDER BY created_at ASC, seq ASC`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(models.Job{}, storageErr("list jobs", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanSQLiteJob(rows)
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

func (s *SQLite) ClaimNext(ctx context.Context, workerID string) (models.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, false, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	now := s.opts.now()
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ?
		   OR (state = ? AND attempts < max_retries AND next_eligible_at <= ?)
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
	`, string(models.StatePending), string(models.StateFailed), micros(models.Timestamp(now)))
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, storageErr("select claimable job", err)
	}

	claimed, err := job.MarkProcessing(workerID, now)
	if err != nil {
		return models.Job{}, false, err
	}
	if err := updateSQLiteTx(ctx, tx, claimed, job.State); err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, false, storageErr("commit claim", err)
	}
	return claimed, true, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		job                         models.Job
		state                       string
		created, updated, eligible int64
	)
	if err := row.Scan(&job.ID, &job.Command, &state, &job.Attempts, &job.MaxRetries,
		&created, &updated, &job.ErrorMessage, &job.WorkerID, &eligible); err != nil {
		return models.Job{}, err
	}
	job.State = models.State(state)
	job.CreatedAt = fromMicros(created)
	job.UpdatedAt = fromMicros(updated)
	job.NextEligibleAt = fromMicros(eligible)
	return job, nil
}

// micros encodes t for INTEGER columns; the zero time is stored as 0.
func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
