package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"queuectl/internal/config"
	"queuectl/internal/models"
	"queuectl/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeExecutor answers from fn and counts calls per command.
type fakeExecutor struct {
	fn func(ctx context.Context, command string) (Result, error)

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeExecutor) Run(ctx context.Context, command string) (Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[command]++
	f.mu.Unlock()
	return f.fn(ctx, command)
}

func (f *fakeExecutor) count(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[command]
}

func exitWith(code int, stderr string) func(context.Context, string) (Result, error) {
	return func(context.Context, string) (Result, error) {
		return Result{ExitCode: code, Stderr: stderr}, nil
	}
}

type recordingSink struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (s *recordingSink) Archive(_ context.Context, job models.Job, _ Result) error {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

type harness struct {
	clock  *testClock
	store  store.Store
	engine *Engine
}

func newHarness(t *testing.T, exec Executor, opts ...Option) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)}
	st := store.NewMemory(store.WithClock(clock.Now))
	cfg := config.Default()
	cfg.WorkerPollInterval = 10 * time.Millisecond
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &harness{clock: clock, store: st, engine: NewEngine(cfg, st, exec, opts...)}
}

func (h *harness) add(t *testing.T, id, command string, maxRetries int) {
	t.Helper()
	if err := h.store.Add(context.Background(), models.New(id, command, maxRetries, h.clock.Now())); err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
}

func (h *harness) get(t *testing.T, id string) models.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return job
}

func (h *harness) step(t *testing.T) bool {
	t.Helper()
	processed, err := h.engine.ProcessNext(context.Background(), "worker-test")
	if err != nil {
		t.Fatalf("process next: %v", err)
	}
	return processed
}

func TestProcessNextCompletesJob(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, string) (Result, error) {
		return Result{Stdout: "Hello\n"}, nil
	}}
	h := newHarness(t, exec)
	h.add(t, "job-1", "echo Hello", 3)

	if !h.step(t) {
		t.Fatalf("expected a job to be processed")
	}
	job := h.get(t, "job-1")
	if job.State != models.StateCompleted || job.Attempts != 1 || job.WorkerID != "" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if h.step(t) {
		t.Fatalf("nothing should be left to process")
	}
}

func TestFailingJobBacksOffThenDies(t *testing.T) {
	sink := &recordingSink{}
	exec := &fakeExecutor{fn: exitWith(1, "boom\n")}
	h := newHarness(t, exec, WithDeadLetterSink(sink))
	h.add(t, "job-1", "exit 1", 3)

	for attempt, wait := range []time.Duration{2 * time.Second, 4 * time.Second} {
		if !h.step(t) {
			t.Fatalf("attempt %d: job not claimed", attempt+1)
		}
		job := h.get(t, "job-1")
		if job.State != models.StateFailed || job.Attempts != attempt+1 {
			t.Fatalf("attempt %d: unexpected job %+v", attempt+1, job)
		}
		if want := h.clock.Now().Add(wait); !job.NextEligibleAt.Equal(want) {
			t.Fatalf("attempt %d: next eligible %s, want %s", attempt+1, job.NextEligibleAt, want)
		}

		h.clock.Advance(wait - time.Millisecond)
		if h.step(t) {
			t.Fatalf("attempt %d: job reclaimed before its backoff elapsed", attempt+1)
		}
		h.clock.Advance(time.Millisecond)
	}

	if !h.step(t) {
		t.Fatalf("final attempt not claimed")
	}
	job := h.get(t, "job-1")
	if job.State != models.StateDead || job.Attempts != 3 || job.ErrorMessage != "exit code 1: boom" {
		t.Fatalf("unexpected dead job: %+v", job)
	}
	if exec.count("exit 1") != 3 {
		t.Fatalf("expected 3 executions, got %d", exec.count("exit 1"))
	}
	if len(sink.jobs) != 1 || sink.jobs[0].ID != "job-1" {
		t.Fatalf("dead job not archived: %+v", sink.jobs)
	}

	h.clock.Advance(time.Hour)
	if h.step(t) {
		t.Fatalf("dead job must not be claimed")
	}
}

func TestZeroRetriesDiesOnFirstFailure(t *testing.T) {
	h := newHarness(t, &fakeExecutor{fn: exitWith(2, "")})
	h.add(t, "job-1", "false", 0)

	h.step(t)
	job := h.get(t, "job-1")
	if job.State != models.StateDead || job.Attempts != 1 || job.ErrorMessage != "exit code 2" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestLaunchFailureCountsAsFailedAttempt(t *testing.T) {
	h := newHarness(t, &fakeExecutor{fn: func(context.Context, string) (Result, error) {
		return Result{}, errors.New("fork: resource temporarily unavailable")
	}})
	h.add(t, "job-1", "true", 3)

	h.step(t)
	job := h.get(t, "job-1")
	if job.State != models.StateFailed || job.ErrorMessage != "launch failed: fork: resource temporarily unavailable" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestLongMultibyteStderrRoundTrips(t *testing.T) {
	stderr := strings.Repeat("a", maxErrorOutput-1) + "€€€"
	h := newHarness(t, &fakeExecutor{fn: exitWith(1, stderr)})
	h.add(t, "job-1", "./noisy", 3)

	h.step(t)
	job := h.get(t, "job-1")
	if !utf8.ValidString(job.ErrorMessage) {
		t.Fatalf("stored error_message is not valid utf-8")
	}
	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back models.Job
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ErrorMessage != job.ErrorMessage {
		t.Fatalf("error_message changed across json round trip")
	}
}

// failingUpdates breaks every Update, as a store outage would.
type failingUpdates struct {
	store.Store
}

func (failingUpdates) Update(context.Context, models.Job, models.State) error {
	return fmt.Errorf("%w: disk I/O error", models.ErrStorageFailure)
}

func TestPersistenceFailureLeavesJobProcessing(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)}
	mem := store.NewMemory(store.WithClock(clock.Now))
	if err := mem.Add(context.Background(), models.New("job-1", "true", 3, clock.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	e := NewEngine(config.Default(), failingUpdates{mem}, &fakeExecutor{fn: exitWith(0, "")}, WithClock(clock.Now))

	processed, err := e.ProcessNext(context.Background(), "worker-test")
	if !processed || !errors.Is(err, models.ErrStorageFailure) {
		t.Fatalf("expected storage failure, got processed=%v err=%v", processed, err)
	}
	job, _ := mem.Get(context.Background(), "job-1")
	if job.State != models.StateProcessing || job.WorkerID != "worker-test" {
		t.Fatalf("job should stay processing: %+v", job)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkersProcessEachJobOnce(t *testing.T) {
	exec := &fakeExecutor{fn: exitWith(0, "")}
	h := newHarness(t, exec)
	const jobs = 25
	for i := range jobs {
		h.add(t, fmt.Sprintf("job-%02d", i), fmt.Sprintf("echo %d", i), 3)
	}

	if err := h.engine.Start(4); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()
	if err := h.engine.Start(1); err == nil {
		t.Fatalf("second start should fail")
	}

	waitFor(t, "all jobs completed", func() bool {
		n := 0
		for _, err := range h.store.List(context.Background(), models.StateCompleted) {
			if err != nil {
				return false
			}
			n++
		}
		return n == jobs
	})
	h.engine.Stop()

	for i := range jobs {
		if got := exec.count(fmt.Sprintf("echo %d", i)); got != 1 {
			t.Fatalf("job %d executed %d times", i, got)
		}
	}
}

func TestStopWaitsForRunningCommand(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ string) (Result, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return Result{ExitCode: -1}, nil
		}
		return Result{}, nil
	}}
	h := newHarness(t, exec)
	h.add(t, "job-long", "sleep 10", 3)

	if err := h.engine.Start(1); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		h.engine.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("stop returned while a command was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("stop did not return after the command finished")
	}

	job := h.get(t, "job-long")
	if job.State != models.StateCompleted {
		t.Fatalf("in-flight job not recorded before exit: %+v", job)
	}
}

func TestStopWhileIdleReturnsPromptly(t *testing.T) {
	h := newHarness(t, &fakeExecutor{fn: exitWith(0, "")})
	h.engine.cfg.WorkerPollInterval = time.Hour
	if err := h.engine.Start(3); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.engine.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop blocked on the poll interval")
	}
	h.engine.Stop()
}

func TestWorkerIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^worker-[0-9a-f]{8}$`)
	h := newHarness(t, &fakeExecutor{fn: exitWith(0, "")})
	if err := h.engine.Start(2); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	ids := h.engine.Workers()
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected two distinct ids, got %v", ids)
	}
	for _, id := range ids {
		if !re.MatchString(id) {
			t.Fatalf("bad worker id %q", id)
		}
	}
}

func TestStartDuringStopWaitsForDrain(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(context.Context, string) (Result, error) {
		started <- struct{}{}
		<-release
		return Result{}, nil
	}}
	h := newHarness(t, exec)
	h.add(t, "job-long", "sleep 10", 3)

	if err := h.engine.Start(1); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		h.engine.Stop()
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)

	restarted := make(chan error, 1)
	go func() { restarted <- h.engine.Start(2) }()
	select {
	case err := <-restarted:
		t.Fatalf("start returned while stop was draining: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
	select {
	case err := <-restarted:
		if err != nil {
			t.Fatalf("restart after stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("start never returned")
	}
	if ids := h.engine.Workers(); len(ids) != 2 {
		t.Fatalf("expected the new pool, got %v", ids)
	}
	h.engine.Stop()
}

// hangingSink blocks until its context ends, like an unreachable S3 endpoint.
type hangingSink struct {
	err chan error
}

func (s hangingSink) Archive(ctx context.Context, _ models.Job, _ Result) error {
	<-ctx.Done()
	s.err <- ctx.Err()
	return ctx.Err()
}

func TestArchiveCallIsBounded(t *testing.T) {
	sink := hangingSink{err: make(chan error, 1)}
	h := newHarness(t, &fakeExecutor{fn: exitWith(1, "")},
		WithDeadLetterSink(sink), WithArchiveTimeout(20*time.Millisecond))
	h.add(t, "job-1", "false", 0)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.ProcessNext(context.Background(), "worker-test")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("process next: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ProcessNext blocked on the archive sink")
	}
	if err := <-sink.err; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if job := h.get(t, "job-1"); job.State != models.StateDead {
		t.Fatalf("job should be dead regardless of the archive: %+v", job)
	}
}
