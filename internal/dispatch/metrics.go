package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered on one registry per instance.
type metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
	cached   prometheus.Counter
	callback prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_act_calls_total",
			Help: "Completed calls by pattern and outcome code",
		}, []string{"pattern", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_act_duration_seconds",
			Help:    "Call latency from dispatch to delivery",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"pattern"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_act_inflight",
			Help: "Calls dispatched and not yet delivered",
		}),
		cached: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_act_cache_hits_total",
			Help: "Calls answered from history",
		}),
		callback: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_act_callback_errors_total",
			Help: "Continuations that panicked",
		}),
	}
}

func (m *metrics) observe(pattern, code string, d time.Duration) {
	if code == "" {
		code = "ok"
	}
	if pattern == "" {
		pattern = "-"
	}
	m.calls.WithLabelValues(pattern, code).Inc()
	m.duration.WithLabelValues(pattern).Observe(d.Seconds())
}
