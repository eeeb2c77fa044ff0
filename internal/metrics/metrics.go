// Package metrics defines the Prometheus collectors maintained by the queue
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDeleted  *prometheus.CounterVec
	MessagesExpired  *prometheus.CounterVec
	EmptyReceives    *prometheus.CounterVec
	Queues           prometheus.Gauge
	OperationErrors  *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
}

// New registers the collectors with reg under the given backend label. A nil
// reg creates unregistered collectors, which keeps tests independent.
func New(reg prometheus.Registerer, backend string) *Metrics {
	f := promauto.With(reg)
	constLabels := prometheus.Labels{"backend": backend}
	return &Metrics{
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "lqs_messages_sent_total",
			Help:        "Total number of messages sent",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "lqs_messages_received_total",
			Help:        "Total number of messages handed out by receive",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		MessagesDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "lqs_messages_deleted_total",
			Help:        "Total number of in-flight messages deleted",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		MessagesExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "lqs_messages_expired_total",
			Help:        "Total number of in-flight messages returned to the queue",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		EmptyReceives: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "lqs_empty_receives_total",
			Help:        "Total number of receives that found no visible message",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		Queues: f.NewGauge(prometheus.GaugeOpts{
			Name:        "lqs_queues",
			Help:        "Number of queues known to this engine",
			ConstLabels: constLabels,
		}),
		OperationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "lqs_operation_errors_total",
			Help:        "Total number of failed queue operations",
			ConstLabels: constLabels,
		}, []string{"op"}),
		OperationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "lqs_operation_duration_seconds",
			Help:        "Time taken by queue operations",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) Sent(queue string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Received(queue string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.MessagesReceived.WithLabelValues(queue).Inc()
	} else {
		m.EmptyReceives.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Deleted(queue string) {
	if m != nil {
		m.MessagesDeleted.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Expired(queue string, n int) {
	if m != nil && n > 0 {
		m.MessagesExpired.WithLabelValues(queue).Add(float64(n))
	}
}

func (m *Metrics) SetQueues(n int) {
	if m != nil {
		m.Queues.Set(float64(n))
	}
}

// Observe records the duration of op and counts it as failed when err is
// non-nil.
func (m *Metrics) Observe(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.OperationSeconds.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil {
		m.OperationErrors.WithLabelValues(op).Inc()
	}
}

// Forget drops the per-queue series of a deleted queue.
func (m *Metrics) Forget(queue string) {
	if m == nil {
		return
	}
	for _, vec := range []*prometheus.CounterVec{
		m.MessagesSent, m.MessagesReceived, m.MessagesDeleted, m.MessagesExpired, m.EmptyReceives,
	} {
		vec.DeleteLabelValues(queue)
	}
}
