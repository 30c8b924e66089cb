package archive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"queuectl/internal/config"
	"queuectl/internal/models"
	"queuectl/internal/worker"
)

func deadJob(t *testing.T) models.Job {
	t.Helper()
	now := time.Date(2024, 2, 29, 23, 59, 0, 0, time.UTC)
	job, err := models.New("job-dead", "exit 4", 0, now).MarkProcessing("worker-1", now)
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	job, err = job.MarkFailed("exit code 4: nope", now)
	if err != nil || job.State != models.StateDead {
		t.Fatalf("mark failed: %+v %v", job, err)
	}
	return job
}

func TestArchiveWritesLocalRecord(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ArchiveDir = dir

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	job := deadJob(t)
	if err := a.Archive(context.Background(), job, worker.Result{ExitCode: 4, Stderr: "nope\n"}); err != nil {
		t.Fatalf("archive: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "dead", "2024", "02", "29", "job-dead.json"))
	if err != nil {
		t.Fatalf("record not written: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Job.ID != job.ID || rec.ExitCode != 4 || rec.Stderr != "nope\n" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestNewRequiresDestination(t *testing.T) {
	cfg := config.Default()
	if Enabled(cfg) {
		t.Fatalf("default config should not enable archiving")
	}
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("expected error without destination")
	}
}

// The S3 path is exercised against a tiny fake that accepts PutObject.
func TestArchiveUploadsToS3(t *testing.T) {
	var (
		mu   sync.Mutex
		puts = map[string][]byte{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "unexpected method", http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts[r.URL.Path] = body
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.ArchiveS3Bucket = "dlq"
	cfg.ArchiveS3Region = "us-east-1"
	cfg.ArchiveS3Endpoint = srv.URL
	cfg.ArchiveS3PathStyle = true
	cfg.ArchiveS3AccessKey = "test"
	cfg.ArchiveS3SecretKey = "secret"

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	if err := a.Archive(context.Background(), deadJob(t), worker.Result{ExitCode: 4}); err != nil {
		t.Fatalf("archive: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	body, ok := puts["/dlq/dead/2024/02/29/job-dead.json"]
	if !ok {
		t.Fatalf("object not uploaded, got %v", keys(puts))
	}
	if !strings.Contains(string(body), `"job-dead"`) {
		t.Fatalf("unexpected object body: %s", body)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
