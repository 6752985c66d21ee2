package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts pipeline outcomes per component. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	records     *prometheus.CounterVec
	retries     *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispensary",
			Subsystem: "pipeline",
			Name:      "records_total",
			Help:      "Records processed, by component and outcome.",
		}, []string{"component", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispensary",
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Attempts beyond the first.",
		}, []string{"component"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispensary",
			Subsystem: "pipeline",
			Name:      "dead_letters_total",
			Help:      "Records routed to the dead-letter sink.",
		}, []string{"component", "error_class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispensary",
			Subsystem: "pipeline",
			Name:      "record_duration_seconds",
			Help:      "Time spent on one record including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"component"}),
	}
	if reg != nil {
		reg.MustRegister(m.records, m.retries, m.deadLetters, m.duration)
	}
	return m
}

// Observe records one processed record.
func (m *Metrics) Observe(component string, outcome Outcome, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(component, string(outcome)).Inc()
	if attempts > 1 {
		m.retries.WithLabelValues(component).Add(float64(attempts - 1))
	}
	m.duration.WithLabelValues(component).Observe(elapsed.Seconds())
}

func (m *Metrics) DeadLettered(component, class string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(component, class).Inc()
}
