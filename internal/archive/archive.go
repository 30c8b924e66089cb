// Package archive keeps a copy of every job that lands in the dead letter
// queue, with the output of its final attempt, in a local directory or an
// S3 bucket.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"queuectl/internal/config"
	"queuectl/internal/models"
	"queuectl/internal/worker"
)

var _ worker.DeadLetterSink = (*Archiver)(nil)

// Record is the JSON document written per dead job.
type Record struct {
	Job        models.Job `json:"job"`
	ExitCode   int        `json:"exit_code"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	ArchivedAt time.Time  `json:"archived_at"`
}

// Archiver writes Records through the configured uploader. S3 wins when a
// bucket is configured.
type Archiver struct {
	up  uploader
	now func() time.Time
}

// Enabled reports whether cfg names any archive destination.
func Enabled(cfg config.Config) bool {
	return cfg.ArchiveS3Bucket != "" || cfg.ArchiveDir != ""
}

// New picks the destination from cfg.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, now: time.Now}, nil
	case cfg.ArchiveDir != "":
		return &Archiver{up: &localUploader{baseDir: cfg.ArchiveDir}, now: time.Now}, nil
	default:
		return nil, errors.New("no archive destination configured")
	}
}

// Key is where a dead job's record is stored: dead/YYYY/MM/DD/<id>.json.
func Key(job models.Job) string {
	day := job.UpdatedAt.UTC().Format("2006/01/02")
	return sanitizeKey(fmt.Sprintf("dead/%s/%s.json", day, job.ID))
}

// Archive implements worker.DeadLetterSink.
func (a *Archiver) Archive(ctx context.Context, job models.Job, last worker.Result) error {
	body, err := json.MarshalIndent(Record{
		Job:        job,
		ExitCode:   last.ExitCode,
		Stdout:     last.Stdout,
		Stderr:     last.Stderr,
		ArchivedAt: models.Timestamp(a.now()),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive record: %w", err)
	}
	if _, err := a.up.Upload(ctx, Key(job), body, "application/json"); err != nil {
		return fmt.Errorf("archive %s: %w", job.ID, err)
	}
	return nil
}
