package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestChatMetricsRecord(t *testing.T) {
	m := NewChat(prometheus.NewRegistry())

	m.StreamStarted()
	m.StreamStarted()
	m.StreamEnded()
	m.Fragment()
	m.Fragment()
	m.Exchange(ModeStreaming, OutcomeCancelled, time.Second)
	m.CancelRequest(true)
	m.CancelRequest(false)
	m.CancelRequest(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeStreams))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.fragments))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues(ModeStreaming, OutcomeCancelled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cancelRequests.WithLabelValues("cancelled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cancelRequests.WithLabelValues("not_found")))
}

func TestNilChatIsSafe(t *testing.T) {
	var m *Chat
	assert.NotPanics(t, func() {
		m.StreamStarted()
		m.Fragment()
		m.Exchange(ModeBlocking, OutcomeCompleted, time.Millisecond)
		m.CancelRequest(false)
		m.StreamEnded()
	})
}
