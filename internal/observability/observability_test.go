package observability

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndExpose(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.DeploymentFinished("deployed", "", 90*time.Second)
	m.BuildPolled("WORKING")
	m.BuildPolled("WORKING")
	m.ReloadAttempt("ok")
	m.WebhookEvent("accepted")
	m.RateLimited("api")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.buildPolls.WithLabelValues("WORKING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deploymentsTotal.WithLabelValues("deployed", "")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "cloudship_webhook_events_total")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.DeploymentFinished("failed", "Timeout", time.Second)
	m.RunStarted()
	m.RunEnded()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestSetupTracing(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing(true, &buf)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "pipeline.run")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.True(t, strings.Contains(buf.String(), "pipeline.run"))

	shutdown, err = SetupTracing(false, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
