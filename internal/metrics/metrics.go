// Package metrics provides the Prometheus metrics of the inference dashboard.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the dashboard's collectors.
type Metrics struct {
	Requests          *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	InferenceErrors   prometheus.Counter
	Detections        *prometheus.CounterVec
	registry          *prometheus.Registry
}

// New creates the metrics and registers them, along with the Go and process collectors, on a
// new registry.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satdet_http_requests_total",
		Help: "Total number of HTTP requests by route and status code.",
	}, []string{"route", "code"})

	m.InferenceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "satdet_inference_duration_seconds",
		Help:    "Duration of model inference in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	m.InferenceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satdet_inference_errors_total",
		Help: "Total number of failed inferences.",
	})

	m.Detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satdet_detections_total",
		Help: "Total number of reported detections by class.",
	}, []string{"class"})

	for _, c := range []prometheus.Collector{
		m.Requests,
		m.InferenceDuration,
		m.InferenceErrors,
		m.Detections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest counts a handled request.
func (m *Metrics) ObserveRequest(route string, code int) {
	m.Requests.WithLabelValues(route, fmt.Sprint(code)).Inc()
}

// ObserveInference records the duration and outcome of an inference and the per-class counts
// of its detections.
func (m *Metrics) ObserveInference(d time.Duration, counts map[string]int, err error) {
	m.InferenceDuration.Observe(d.Seconds())
	if err != nil {
		m.InferenceErrors.Inc()
		return
	}
	for class, n := range counts {
		m.Detections.WithLabelValues(class).Add(float64(n))
	}
}
