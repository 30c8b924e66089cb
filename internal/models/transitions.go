package models

import (
	"fmt"
	"time"
)

func invalid(op string, j Job) error {
	return fmt.Errorf("%w: %s from %s (job %s)", ErrInvalidTransition, op, j.State, j.ID)
}

// MarkProcessing hands the job to workerID.
func (j Job) MarkProcessing(workerID string, now time.Time) (Job, error) {
	if j.State != StatePending && j.State != StateFailed {
		return j, invalid("mark processing", j)
	}
	j.State = StateProcessing
	j.WorkerID = workerID
	j.UpdatedAt = Timestamp(now)
	return j, nil
}

// MarkCompleted records a successful execution attempt.
func (j Job) MarkCompleted(now time.Time) (Job, error) {
	if j.State != StateProcessing {
		return j, invalid("mark completed", j)
	}
	j.State = StateCompleted
	j.Attempts++
	j.WorkerID = ""
	j.ErrorMessage = ""
	j.NextEligibleAt = time.Time{}
	j.UpdatedAt = Timestamp(now)
	return j, nil
}

// MarkFailed records a failed execution attempt. The job lands in failed
// while retries remain and in dead once they are exhausted.
func (j Job) MarkFailed(errMsg string, now time.Time) (Job, error) {
	if j.State != StateProcessing {
		return j, invalid("mark failed", j)
	}
	j.Attempts++
	j.ErrorMessage = errMsg
	j.WorkerID = ""
	j.UpdatedAt = Timestamp(now)
	if j.Attempts < j.MaxRetries {
		j.State = StateFailed
	} else {
		j.State = StateDead
		j.NextEligibleAt = time.Time{}
	}
	return j, nil
}

// ShouldRetry reports whether a failed job still has retries left.
func (j Job) ShouldRetry() bool {
	return j.State == StateFailed && j.Attempts < j.MaxRetries
}

// DeferUntil keeps a failed job away from every worker until t.
func (j Job) DeferUntil(t time.Time) Job {
	if j.State == StateFailed {
		j.NextEligibleAt = Timestamp(t)
	}
	return j
}

// Requeue moves a dead job back to pending with a fresh attempt budget.
func (j Job) Requeue(now time.Time) (Job, error) {
	if j.State != StateDead {
		return j, invalid("requeue", j)
	}
	j.State = StatePending
	j.Attempts = 0
	j.ErrorMessage = ""
	j.WorkerID = ""
	j.NextEligibleAt = time.Time{}
	j.UpdatedAt = Timestamp(now)
	return j, nil
}
