package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStep(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveStep("extract_recursive", OutcomeProgressed, 10*time.Millisecond)
	m.ObserveStep("extract_recursive", OutcomeProgressed, 20*time.Millisecond)
	m.ObserveStep("extract_recursive", OutcomeCompleted, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("extract_recursive", OutcomeProgressed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("extract_recursive", OutcomeCompleted)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stepDuration))
}

func TestObserveSync(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveSync(OutcomeOK, 2)
	m.ObserveSync(OutcomeOK, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncs.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveStep("consolidate", OutcomeFailed, time.Second)
	m.ObserveSync(OutcomeError, 1)
	assert.NotNil(t, m.Handler())
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveSync(OutcomeOK, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cqm_library_sync_total"))
}
