package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID_PreservesIncoming(t *testing.T) {
	h := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-1", RequestIDFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/dbs", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "req-1", rr.Header().Get(RequestIDHeader))
}

func TestRequestID_Generates(t *testing.T) {
	var seen string
	h := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dbs", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get(RequestIDHeader))
}

func TestAccessLog_LabelsByRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&logger.Config{Level: "info", Format: "json", Output: &buf})
	m := New()

	r := chi.NewRouter()
	r.Use(RequestID(log), AccessLog(m))
	r.Get("/dbs/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dbs/c1", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/dbs/{name}", "404")))
	assert.Contains(t, buf.String(), `"route":"/dbs/{name}"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"request_id"`)
}

func TestMetrics_OutcomesStartAtZero(t *testing.T) {
	m := New()
	want := len(errs.Kinds()) + 1

	assert.Equal(t, want, testutil.CollectAndCount(m.refreshesTotal))
	assert.Equal(t, want, testutil.CollectAndCount(m.generationsTotal))
	assert.Zero(t, testutil.ToFloat64(m.refreshesTotal.WithLabelValues("ok")))
	assert.Zero(t, testutil.ToFloat64(m.generationsTotal.WithLabelValues("AI_SERVICE_UNAVAILABLE")))
}

func TestMetrics_Observe(t *testing.T) {
	m := New()
	m.ObserveQuery("sqlite", nil, 5*time.Millisecond)
	m.ObserveQuery("sqlite", errs.New(errs.KindConflict, "metadata refresh in progress"), 0)
	m.ObserveRefresh(nil)
	m.ObserveDrift("c1")
	m.ObserveGeneration(errs.New(errs.KindAIQuotaExceeded, "quota"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.queriesTotal.WithLabelValues("sqlite", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queriesTotal.WithLabelValues("sqlite", "CONFLICT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflictsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.schemaDriftTotal.WithLabelValues("c1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generationsTotal.WithLabelValues("AI_QUOTA_EXCEEDED")))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rr.Body.String(), "querygate_queries_total"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveQuery("sqlite", nil, time.Second)
		m.ObserveRefresh(nil)
		m.ObserveDrift("c1")
		m.ObserveGeneration(nil)
		m.ObserveHTTP("GET", "/", 200, time.Second)
	})
	assert.Equal(t, "ok", Outcome(nil))
}
