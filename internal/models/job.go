package models

import (
	"fmt"
	"time"
)

// State enumerates lifecycle states persisted by every store backend.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDead       State = "dead"
)

// States lists every valid state in lifecycle order.
var States = []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateDead}

// ParseState validates a user supplied state name.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown state %q", ErrInvalidState, s)
}

// Terminal reports whether no worker will ever pick the state up again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

// Job is a shell command queued for execution. Values are never mutated in
// place; transitions return a modified copy.
type Job struct {
	ID             string    `json:"id"`
	Command        string    `json:"command"`
	State          State     `json:"state"`
	Attempts       int       `json:"attempts"`
	MaxRetries     int       `json:"max_retries"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	WorkerID       string    `json:"worker_id,omitempty"`
	NextEligibleAt time.Time `json:"next_eligible_at,omitzero"`
}

// New builds a pending job stamped with now.
func New(id, command string, maxRetries int, now time.Time) Job {
	now = Timestamp(now)
	return Job{
		ID:         id,
		Command:    command,
		State:      StatePending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Timestamp normalises t to UTC with microsecond precision, the finest
// resolution shared by all backends.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Microsecond)
}

// Eligible reports whether a claim at now may pick the job.
func (j Job) Eligible(now time.Time) bool {
	switch j.State {
	case StatePending:
		return true
	case StateFailed:
		return j.ShouldRetry() && !j.NextEligibleAt.After(now)
	default:
		return false
	}
}

func (j Job) String() string {
	return fmt.Sprintf("Job{ID: %s, State: %s, Attempts: %d/%d}", j.ID, j.State, j.Attempts, j.MaxRetries)
}
