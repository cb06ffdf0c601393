package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordTransition("IDLE", "RECORDING")
	m.RecordDropped("stale_session")
	m.RecordDecision("approved", true, time.Second)
	m.RecordHalt()
	m.RecordConnected(true)
	m.RecordDisconnected()
	m.RecordReconnectFailure()
	m.RecordUpload("ok", time.Second)
	m.RecordCapture(time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRecordDecisionLabels(t *testing.T) {
	t.Parallel()

	m := New("test")
	m.RecordDecision("approved", true, 2*time.Second)
	m.RecordDecision("cancelled", false, 0)

	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("approved", "true")); got != 1 {
		t.Fatalf("approved delivered=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("cancelled", "false")); got != 1 {
		t.Fatalf("cancelled undelivered=%v, want 1", got)
	}
}

func TestConnectionGauge(t *testing.T) {
	t.Parallel()

	m := New("test")
	m.RecordConnected(false)
	if got := testutil.ToFloat64(m.ChannelConnected); got != 1 {
		t.Fatalf("connected=%v, want 1", got)
	}
	m.RecordDisconnected()
	if got := testutil.ToFloat64(m.ChannelConnected); got != 0 {
		t.Fatalf("connected=%v, want 0", got)
	}
	if got := testutil.ToFloat64(m.ChannelDisconnects); got != 1 {
		t.Fatalf("disconnects=%v, want 1", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	m := New("arvyn")
	m.RecordHalt()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "arvyn_halts_total 1") {
		t.Fatalf("metrics body missing halts counter:\n%s", body)
	}
}
