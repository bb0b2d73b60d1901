package proxy

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Public requests handled, by status class.",
	}, []string{"status_class"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "burrow",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "End-to-end latency of forwarded requests.",
		Buckets:   prometheus.DefBuckets,
	})

	bodyTooLarge = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "proxy",
		Name:      "oversized_bodies_total",
		Help:      "Requests rejected for exceeding the body cap.",
	})
)

// RegisterSessionGauge exposes the live agent session count. Called once
// at wiring time with the registry's counter.
func RegisterSessionGauge(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "tunnel",
		Name:      "active_sessions",
		Help:      "Currently connected agent sessions.",
	}, func() float64 { return float64(count()) })
}

func observeStatus(status int) {
	requestsTotal.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
}
