package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/stacker/internal/core/domain"
)

func TestServiceStatusChanged_OneHotGauge(t *testing.T) {
	m := New("demo")

	m.ServiceStatusChanged("postgres", domain.StatusPending, domain.StatusStarting)
	m.ServiceStatusChanged("postgres", domain.StatusStarting, domain.StatusReady)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.serviceStatus.WithLabelValues("postgres", "ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.serviceStatus.WithLabelValues("postgres", "starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("postgres", "starting")))
}

func TestServiceRestartedAndStarted(t *testing.T) {
	m := New("demo")

	m.ServiceRestarted("flask")
	m.ServiceRestarted("flask")
	m.ServiceStarted("flask", 1500*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.restarts.WithLabelValues("flask")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.startLatency, "stacker_service_start_duration_seconds"))
}

func TestHandler_ExposesProjectLabel(t *testing.T) {
	m := New("demo")
	m.ServiceRestarted("react")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stacker_service_restarts_total{project="demo",service="react"} 1`)
}

func TestInstrument(t *testing.T) {
	m := New("demo")
	h := m.Instrument(func(*http.Request) string { return "/status" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status?x=1", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/status", "418")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpInFlight))

	err := testutil.GatherAndCompare(m.Registry, strings.NewReader(`
# HELP stacker_http_requests_total Total number of HTTP requests handled.
# TYPE stacker_http_requests_total counter
stacker_http_requests_total{method="GET",path="/status",status="418"} 1
`), "stacker_http_requests_total")
	assert.NoError(t, err)
}
