// Package metrics exposes Prometheus instrumentation for chat exchanges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exchange outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Exchange modes.
const (
	ModeStreaming = "streaming"
	ModeBlocking  = "blocking"
)

// Chat holds the chat exchange metrics. A nil *Chat records nothing.
type Chat struct {
	activeStreams  prometheus.Gauge
	fragments      prometheus.Counter
	exchanges      *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	cancelRequests *prometheus.CounterVec
}

// NewChat registers the chat metrics with reg.
func NewChat(reg prometheus.Registerer) *Chat {
	factory := promauto.With(reg)
	return &Chat{
		// activeStreams counts streamed exchanges currently in flight.
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "studyhub",
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Streamed exchanges currently in flight",
		}),
		fragments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "studyhub",
			Subsystem: "chat",
			Name:      "fragments_total",
			Help:      "Reply fragments relayed to clients",
		}),
		// Labels: mode (streaming, blocking), outcome (completed, cancelled, failed)
		exchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studyhub",
			Subsystem: "chat",
			Name:      "exchanges_total",
			Help:      "Finished exchanges by mode and outcome",
		}, []string{"mode", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "studyhub",
			Subsystem: "chat",
			Name:      "exchange_duration_seconds",
			Help:      "Exchange duration from upstream call to terminal state",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"mode"}),
		// Labels: result (cancelled, not_found)
		cancelRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studyhub",
			Subsystem: "chat",
			Name:      "cancel_requests_total",
			Help:      "Cancel requests by result",
		}, []string{"result"}),
	}
}

// StreamStarted marks a streamed exchange as in flight.
func (m *Chat) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

// StreamEnded marks a streamed exchange as no longer in flight.
func (m *Chat) StreamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

// Fragment counts one relayed fragment.
func (m *Chat) Fragment() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

// Exchange records a finished exchange.
func (m *Chat) Exchange(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(mode, outcome).Inc()
	m.duration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// CancelRequest records the result of a cancel request.
func (m *Chat) CancelRequest(found bool) {
	if m == nil {
		return
	}
	result := "not_found"
	if found {
		result = "cancelled"
	}
	m.cancelRequests.WithLabelValues(result).Inc()
}
