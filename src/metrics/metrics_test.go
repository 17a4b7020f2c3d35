package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCallLifecycle(t *testing.T) {
	m := New("test")

	m.RecordCallStart()
	m.RecordCallStart()
	m.RecordCallEnd("user", 3*time.Second)

	if got := testutil.ToFloat64(m.CallsActive); got != 1 {
		t.Fatalf("expected 1 active call, got %v", got)
	}
	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("user")); got != 1 {
		t.Fatalf("expected 1 finished call, got %v", got)
	}

	m.RecordUpload(ResultDisabled)
	m.RecordUpload(ResultDisabled)
	m.RecordAgentRequest(ResultError, time.Second)
	m.RecordBargeIn()
	m.RecordSegment()

	if got := testutil.ToFloat64(m.UploadsTotal.WithLabelValues(ResultDisabled)); got != 2 {
		t.Fatalf("expected 2 disabled uploads, got %v", got)
	}
	if got := testutil.ToFloat64(m.BargeInsTotal); got != 1 {
		t.Fatalf("expected 1 barge-in, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCallStart()
	m.RecordCallEnd("user", time.Second)
	m.RecordSegment()
	m.RecordUpload(ResultOK)
	m.RecordAgentRequest(ResultOK, time.Second)
	m.RecordBargeIn()
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("test")
	m.RecordSegment()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "test_speech_segments_total 1") {
		t.Fatalf("expected segment counter in output:\n%s", body)
	}
}
