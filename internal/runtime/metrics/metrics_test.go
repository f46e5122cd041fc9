package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayMetrics_ObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGatewayMetrics(reg)
	require.NoError(t, m.Register())

	m.ObserveRequest("GET", 200, 10*time.Millisecond)
	m.ObserveRequest("GET", 200, 20*time.Millisecond)
	m.ObserveRequest("POST", 504, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "504")))
	assert.Equal(t, uint64(3), m.GetSnapshot().RequestsCompleted)
	assert.Equal(t, 2, testutil.CollectAndCount(m.requestDuration))
}

func TestGatewayMetrics_Outcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGatewayMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordOutcome(OutcomeReplied)
	m.RecordOutcome(OutcomeReplied)
	m.RecordOutcome(OutcomeTimedOut)

	snapshot := m.GetSnapshot()
	assert.Equal(t, uint64(2), snapshot.Outcomes[OutcomeReplied])
	assert.Equal(t, uint64(1), snapshot.Outcomes[OutcomeTimedOut])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomesTotal.WithLabelValues(OutcomeTimedOut)))
}

func TestGatewayMetrics_Correlation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGatewayMetrics(reg)
	require.NoError(t, m.Register())

	m.ChannelOpened()
	m.ChannelOpened()
	m.ChannelClosed()
	m.RecordDuplicateReply()
	m.ObserveReplyWait(5 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.openCorrelations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicateReplies))

	snapshot := m.GetSnapshot()
	assert.Equal(t, int64(1), snapshot.OpenChannels)
	assert.Equal(t, uint64(1), snapshot.DuplicateReplies)
}

func TestGatewayMetrics_ExposedNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGatewayMetrics(reg)
	require.NoError(t, m.Register())
	m.RecordDuplicateReply()

	expected := `
# HELP natsproxy_correlation_duplicate_replies_total Replies discarded because their correlation address was already satisfied
# TYPE natsproxy_correlation_duplicate_replies_total counter
natsproxy_correlation_duplicate_replies_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "natsproxy_correlation_duplicate_replies_total"))
}

func TestGatewayMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGatewayMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := NewGatewayMetrics(reg)
	assert.NoError(t, other.Register(), "AlreadyRegisteredError is tolerated")
}

func TestGatewayMetrics_NilSafe(t *testing.T) {
	var m *GatewayMetrics
	assert.NotPanics(t, func() {
		require.NoError(t, m.Register())
		m.ObserveRequest("GET", 200, time.Millisecond)
		m.RecordOutcome(OutcomeReplied)
		m.RecordDuplicateReply()
		m.ChannelOpened()
		m.ChannelClosed()
		m.ObserveReplyWait(time.Millisecond)
		m.Reset()
	})
	assert.NotNil(t, m.GetSnapshot().Outcomes)
}

func TestGatewayMetrics_Reset(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGatewayMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordOutcome(OutcomeReplied)
	m.ChannelOpened()
	m.Reset()

	snapshot := m.GetSnapshot()
	assert.Empty(t, snapshot.Outcomes)
	assert.Zero(t, snapshot.OpenChannels)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.openCorrelations))
}

func TestNewGatewayMetrics_DefaultRegisterer(t *testing.T) {
	m := NewGatewayMetrics(nil)
	assert.Equal(t, prometheus.DefaultRegisterer, m.registerer)
}
