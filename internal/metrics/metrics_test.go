package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.EventHandled("processors.add")
	m.EventHandled("processors.add")
	m.EventIgnored("stream.update")
	m.SetProcessors(3)
	m.UpsertFinished(OutcomeFailure)
	m.SimulationFinished(OutcomeSuccess, 20*time.Millisecond)
	m.SimulationFinished(OutcomeCanceled, time.Second)
	m.GrokSetupFinished(OutcomeSuccess)

	require.InDelta(t, 2, testutil.ToFloat64(m.EventsHandled.WithLabelValues("processors.add")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.EventsIgnored.WithLabelValues("stream.update")), 0)
	require.InDelta(t, 3, testutil.ToFloat64(m.Processors), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.Upserts.WithLabelValues(OutcomeFailure)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.Simulations.WithLabelValues(OutcomeCanceled)), 0)
	require.Equal(t, 1, testutil.CollectAndCount(m.SimulationDuration))
	require.InDelta(t, 1, testutil.ToFloat64(m.GrokSetups.WithLabelValues(OutcomeSuccess)), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.EventHandled("x")
		m.EventIgnored("x")
		m.SetProcessors(1)
		m.UpsertFinished(OutcomeSuccess)
		m.SimulationFinished(OutcomeSuccess, time.Millisecond)
		m.GrokSetupFinished(OutcomeFailure)
	})
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.UpsertFinished(OutcomeSuccess)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `enrich_upsert_requests_total{outcome="success"} 1`)
}
