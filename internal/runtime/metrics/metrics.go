// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "natsproxy"

// Outcome labels recorded by RecordOutcome.
const (
	OutcomeReplied        = "replied"
	OutcomeTimedOut       = "timed_out"
	OutcomeCanceled       = "canceled"
	OutcomePublishFailed  = "publish_failed"
	OutcomeSubscribeError = "subscribe_failed"
	OutcomeMalformed      = "malformed_reply"
	OutcomeRejected       = "rejected"
)

// GatewayMetrics tracks request, correlation and reply statistics. All methods
// are safe on a nil receiver so components can run without metrics.
type GatewayMetrics struct {
	mu sync.RWMutex

	outcomes          map[string]uint64
	duplicates        uint64
	openChannels      int64
	requestsCompleted uint64

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	outcomesTotal     *prometheus.CounterVec
	duplicateReplies  prometheus.Counter
	openCorrelations  prometheus.Gauge
	replyWaitDuration prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

// Snapshot provides a point-in-time view of the gateway counters.
type Snapshot struct {
	RequestsCompleted uint64            `json:"requests_completed"`
	Outcomes          map[string]uint64 `json:"outcomes"`
	DuplicateReplies  uint64            `json:"duplicate_replies"`
	OpenChannels      int64             `json:"open_correlation_channels"`
	CollectedAt       time.Time         `json:"collected_at"`
}

// NewGatewayMetrics creates the collectors. A nil registerer uses the
// Prometheus default registerer.
func NewGatewayMetrics(registerer prometheus.Registerer) *GatewayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &GatewayMetrics{
		outcomes:   make(map[string]uint64),
		registerer: registerer,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled, by method and status code",
		}, []string{"method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency including the wait for the bus reply",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "outcomes_total",
			Help:      "Request outcomes by terminal state",
		}, []string{"outcome"}),
		duplicateReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "duplicate_replies_total",
			Help:      "Replies discarded because their correlation address was already satisfied",
		}),
		openCorrelations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "open_channels",
			Help:      "Correlation channels currently subscribed",
		}),
		replyWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "reply_wait_seconds",
			Help:      "Time between publish and reply arrival",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *GatewayMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.outcomesTotal,
		m.duplicateReplies,
		m.openCorrelations,
		m.replyWaitDuration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveRequest records one completed HTTP request.
func (m *GatewayMetrics) ObserveRequest(method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.requestsCompleted++
	m.mu.Unlock()

	m.requestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordOutcome records the terminal state of one request.
func (m *GatewayMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()

	m.outcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveReplyWait records how long a reply took to arrive.
func (m *GatewayMetrics) ObserveReplyWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.replyWaitDuration.Observe(elapsed.Seconds())
}

// RecordDuplicateReply counts a discarded duplicate reply.
func (m *GatewayMetrics) RecordDuplicateReply() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()

	m.duplicateReplies.Inc()
}

// ChannelOpened increments the open correlation channel gauge.
func (m *GatewayMetrics) ChannelOpened() {
	m.addOpen(1)
}

// ChannelClosed decrements the open correlation channel gauge.
func (m *GatewayMetrics) ChannelClosed() {
	m.addOpen(-1)
}

func (m *GatewayMetrics) addOpen(delta int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.openChannels += delta
	m.mu.Unlock()

	m.openCorrelations.Add(float64(delta))
}

// GetSnapshot returns a point-in-time snapshot of the counters.
func (m *GatewayMetrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{Outcomes: map[string]uint64{}, CollectedAt: time.Now()}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	outcomes := make(map[string]uint64, len(m.outcomes))
	for k, v := range m.outcomes {
		outcomes[k] = v
	}
	return Snapshot{
		RequestsCompleted: m.requestsCompleted,
		Outcomes:          outcomes,
		DuplicateReplies:  m.duplicates,
		OpenChannels:      m.openChannels,
		CollectedAt:       time.Now(),
	}
}

// Reset resets all metrics (useful for testing).
func (m *GatewayMetrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outcomes = make(map[string]uint64)
	m.duplicates = 0
	m.openChannels = 0
	m.requestsCompleted = 0
	m.requestsTotal.Reset()
	m.requestDuration.Reset()
	m.outcomesTotal.Reset()
	m.openCorrelations.Set(0)
}
