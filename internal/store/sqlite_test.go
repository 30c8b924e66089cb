package store

import (
	"context"
	"path/filepath"
	"testing"

	"queuectl/internal/models"
)

func openTestSQLite(t *testing.T, path string, clock *fakeClock) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteContract(t *testing.T) {
	runContract(t, func(t *testing.T, clock *fakeClock) Store {
		return openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"), clock)
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "queue.db")

	first, err := OpenSQLite(ctx, path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	job := models.New("job-persist", "echo persisted", 2, clock.Now())
	if err := first.Add(ctx, job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openTestSQLite(t, path, clock)
	got, err := second.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Command != job.Command || got.State != models.StatePending {
		t.Fatalf("unexpected job after reopen: %+v", got)
	}
}

// Two handles on one file stand in for two queuectl processes.
func TestSQLiteClaimAcrossHandles(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "queue.db")
	a := openTestSQLite(t, path, clock)
	b := openTestSQLite(t, path, clock)

	if err := a.Add(ctx, models.New("job-only", "sleep 1", 3, clock.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	first, ok, err := b.ClaimNext(ctx, "worker-b")
	if err != nil || !ok || first.ID != "job-only" {
		t.Fatalf("claim via b: %+v ok=%v err=%v", first, ok, err)
	}
	if _, ok, err := a.ClaimNext(ctx, "worker-a"); err != nil || ok {
		t.Fatalf("job claimed twice across handles: ok=%v err=%v", ok, err)
	}
}
