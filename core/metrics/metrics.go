package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	classifications *prometheus.CounterVec
	classifyLatency prometheus.Histogram
	pointsGranted   *prometheus.CounterVec
	liveSubscribers prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_http_requests_total",
			Help: "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "setu_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_report_transitions_total",
			Help: "Accepted report status transitions by target status.",
		}, []string{"to"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_report_transition_rejections_total",
			Help: "Rejected transition attempts by reason.",
		}, []string{"reason"}),
		classifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_classifications_total",
			Help: "Classifier calls by outcome.",
		}, []string{"outcome"}),
		classifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "setu_classify_duration_seconds",
			Help:    "Classifier call latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		pointsGranted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "setu_points_granted_total",
			Help: "Points granted by reason.",
		}, []string{"reason"}),
		liveSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "setu_live_subscribers",
			Help: "Open live websocket subscriptions.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHTTP(route, method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, code).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Rejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Classification(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(outcome).Inc()
	m.classifyLatency.Observe(d.Seconds())
}

func (m *Metrics) PointsGranted(reason string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.pointsGranted.WithLabelValues(reason).Add(float64(amount))
}

func (m *Metrics) LiveSubscriberDelta(delta int) {
	if m == nil {
		return
	}
	m.liveSubscribers.Add(float64(delta))
}
