package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAndCollect(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordDecision("DELETE", "threat", false)
	m.RecordDecision("DELETE", "threat", false)
	m.RecordEnforcement("delete", StatusError)
	m.RecordPlatformRequest("instagram", "DELETE", StatusSuccess, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("DELETE", "threat", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enforcementTotal.WithLabelValues("delete", StatusError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.platformRequestsTotal.WithLabelValues("instagram", "DELETE", StatusSuccess)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWebhook(StatusSuccess)
		m.RecordJob("classify_comment", "done")
		m.ObserveJobDuration(time.Second)
	})
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}
