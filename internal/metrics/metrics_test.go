package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordTurn("handled")
	m.RecordTurn("handled")
	m.RecordTransition("INITIAL", "SYMPTOM_CONFIRMATION")
	m.RecordTransition("DEEP_DIVE", "DEEP_DIVE")
	m.RecordModelRequest("deep_dive", "ok", 150*time.Millisecond)

	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("handled")); got != 2 {
		t.Fatalf("turns = %v", got)
	}
	if got := testutil.CollectAndCount(m.StageTransitionsTotal); got != 1 {
		t.Fatalf("self transitions must not be counted, series = %d", got)
	}

	release := m.StreamStarted()
	if got := testutil.ToFloat64(m.StreamsActive); got != 1 {
		t.Fatalf("active = %v", got)
	}
	release()
	if got := testutil.ToFloat64(m.StreamsActive); got != 0 {
		t.Fatalf("active after release = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTurn("handled")
	m.RecordVerdict("remote", "medical")
	m.StreamStarted()()
	m.RecordSanitizerFallback()
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(nil)
	m.RecordSession()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "zclinic_sessions_created_total 1") {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
