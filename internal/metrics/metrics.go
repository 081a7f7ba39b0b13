package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the reasoner's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	ReportsTotal      *prometheus.CounterVec
	ReportsSkipped    prometheus.Counter
	CyclesTotal       *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	InferenceFailures prometheus.Counter
	Regroundings      *prometheus.CounterVec
	GuardWait         prometheus.Histogram
	PublishErrors     prometheus.Counter
	DuplicateMessages prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ReportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "metacontrol_reports_total",
			Help: "Diagnostic reports applied, by kind and outcome",
		}, []string{"kind", "outcome"}),
		ReportsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "metacontrol_reports_skipped_total",
			Help: "Diagnostic statuses that did not decode to a known report kind",
		}),
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "metacontrol_cycles_total",
			Help: "Reasoning cycles run, by result",
		}, []string{"result"}),
		InferenceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "metacontrol_inference_duration_seconds",
			Help:    "Wall time of inference runs",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		InferenceFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "metacontrol_inference_failures_total",
			Help: "Inference runs that failed or timed out",
		}),
		Regroundings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "metacontrol_regroundings_total",
			Help: "Objective regroundings, by result",
		}, []string{"result"}),
		GuardWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "metacontrol_guard_wait_seconds",
			Help:    "Time spent waiting for the knowledge-base guard",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "metacontrol_publish_errors_total",
			Help: "Failed publications of cycle results",
		}),
		DuplicateMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "metacontrol_duplicate_messages_total",
			Help: "Redelivered feed messages dropped by id",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
