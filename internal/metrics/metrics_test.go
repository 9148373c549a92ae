package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SyncEvent("kb", "created", "upserted")
	m.SyncPass("kb", time.Second)
	m.Pending("kb", 3)
	m.PruneRemoved("kb", "nodes", 1)
	m.PruneCleared("kb", "target_remote", 1)
	m.PrunePass("kb", true, time.Second, time.Now())
	m.RemoteCheck("absent")
	if m.Registry() != nil {
		t.Error("nil Metrics should have a nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.SyncEvent("kb", "created", "upserted")
	m.SyncEvent("kb", "created", "upserted")
	m.PruneRemoved("kb", "edges", 3)
	m.PruneRemoved("kb", "edges", 0)

	if got := testutil.ToFloat64(m.syncEvents.WithLabelValues("kb", "created", "upserted")); got != 2 {
		t.Errorf("sync events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.pruneRemoved.WithLabelValues("kb", "edges")); got != 3 {
		t.Errorf("prune removed = %v, want 3", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Pending("kb", 7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `loom_accumulator_pending_paths{db="kb"} 7`) {
		t.Errorf("metrics output missing pending gauge:\n%s", body)
	}
}
