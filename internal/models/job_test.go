package models

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)

func processing(t *testing.T, j Job) Job {
	t.Helper()
	out, err := j.MarkProcessing("worker-1", t0)
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	return out
}

func TestNewJobIsPending(t *testing.T) {
	j := New("job-1", "echo Hello", 3, t0)
	if j.State != StatePending || j.Attempts != 0 {
		t.Fatalf("unexpected new job: %+v", j)
	}
	if !j.CreatedAt.Equal(t0) || !j.UpdatedAt.Equal(t0) {
		t.Fatalf("timestamps not stamped: %+v", j)
	}
}

func TestMarkFailedExhaustsRetries(t *testing.T) {
	j := New("job-1", "exit 1", 2, t0)

	j, err := processing(t, j).MarkFailed("exit code 1", t0)
	if err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if j.State != StateFailed || j.Attempts != 1 || j.WorkerID != "" {
		t.Fatalf("after first failure got %+v", j)
	}
	if !j.ShouldRetry() {
		t.Fatalf("expected retry to be allowed")
	}

	j, err = processing(t, j).MarkFailed("exit code 1", t0)
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if j.State != StateDead || j.Attempts != 2 {
		t.Fatalf("after second failure got %+v", j)
	}
	if j.ShouldRetry() {
		t.Fatalf("dead job must not retry")
	}
	if j.ErrorMessage != "exit code 1" {
		t.Fatalf("error message not kept: %q", j.ErrorMessage)
	}
}

func TestZeroMaxRetriesGoesStraightToDead(t *testing.T) {
	j, err := processing(t, New("job-1", "false", 0, t0)).MarkFailed("boom", t0)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if j.State != StateDead {
		t.Fatalf("expected dead, got %s", j.State)
	}
}

func TestMarkCompletedClearsFailureFields(t *testing.T) {
	j := New("job-1", "echo ok", 3, t0)
	j, _ = processing(t, j).MarkFailed("boom", t0)
	j = j.DeferUntil(t0.Add(time.Minute))

	j, err := processing(t, j).MarkCompleted(t0.Add(time.Second))
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if j.State != StateCompleted || j.ErrorMessage != "" || j.WorkerID != "" || !j.NextEligibleAt.IsZero() {
		t.Fatalf("completed job keeps stale fields: %+v", j)
	}
	if j.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", j.Attempts)
	}
}

func TestInvalidTransitionsLeaveValueUnchanged(t *testing.T) {
	pending := New("job-1", "echo", 3, t0)

	cases := []struct {
		name string
		fn   func(Job) (Job, error)
		in   Job
	}{
		{"complete pending", func(j Job) (Job, error) { return j.MarkCompleted(t0) }, pending},
		{"fail pending", func(j Job) (Job, error) { return j.MarkFailed("x", t0) }, pending},
		{"requeue pending", func(j Job) (Job, error) { return j.Requeue(t0) }, pending},
		{"process processing", func(j Job) (Job, error) { return j.MarkProcessing("w2", t0) }, processing(t, pending)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := tc.fn(tc.in)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if !reflect.DeepEqual(out, tc.in) {
				t.Fatalf("value mutated: %+v != %+v", out, tc.in)
			}
		})
	}
}

func TestRequeueResetsDeadJob(t *testing.T) {
	j := New("job-1", "false", 1, t0)
	j, _ = processing(t, j).MarkFailed("boom", t0)
	if j.State != StateDead {
		t.Fatalf("expected dead, got %s", j.State)
	}
	j, err := j.Requeue(t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if j.State != StatePending || j.Attempts != 0 || j.ErrorMessage != "" {
		t.Fatalf("requeue did not reset: %+v", j)
	}
}

func TestEligibility(t *testing.T) {
	j := New("job-1", "false", 3, t0)
	if !j.Eligible(t0) {
		t.Fatalf("pending job must be eligible")
	}
	j, _ = processing(t, j).MarkFailed("boom", t0)
	j = j.DeferUntil(t0.Add(2 * time.Second))
	if j.Eligible(t0.Add(time.Second)) {
		t.Fatalf("job eligible before its backoff elapsed")
	}
	if !j.Eligible(t0.Add(2 * time.Second)) {
		t.Fatalf("job not eligible once backoff elapsed")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	j := New("job-1", "echo 'a \"quoted\" arg'", 5, t0)
	j, _ = processing(t, j).MarkFailed("exit code 2: nope", t0.Add(time.Second))
	j = j.DeferUntil(t0.Add(4 * time.Second))

	raw, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Job
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(j, back) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", j, back)
	}
}

func TestParseState(t *testing.T) {
	if st, err := ParseState("dead"); err != nil || st != StateDead {
		t.Fatalf("parse dead: %v %v", st, err)
	}
	if _, err := ParseState("zombie"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
