package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesQueueMetrics(t *testing.T) {
	before := testutil.ToFloat64(EnqueueCounter)
	EnqueueCounter.Inc()
	if got := testutil.ToFloat64(EnqueueCounter); got != before+1 {
		t.Fatalf("expected counter to advance by one, got %v -> %v", before, got)
	}
	JobsByState.WithLabelValues("pending").Set(3)

	// Registration must tolerate repeated calls.
	Handler()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"queuectl_jobs_enqueued_total", `queuectl_jobs{state="pending"} 3`} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
