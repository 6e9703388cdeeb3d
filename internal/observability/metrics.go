package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"cell", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cell", "method", "path", "status"},
	)
	dispatchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Capability dispatches issued by this cell.",
		},
		[]string{"cell", "capability", "code"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshctl",
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Capability dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cell", "capability", "code"},
	)
	gossipRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshctl",
			Subsystem: "gossip",
			Name:      "rounds_total",
			Help:      "Gossip exchange rounds, by outcome.",
		},
		[]string{"cell", "outcome"},
	)
	atlasEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshctl",
			Subsystem: "atlas",
			Name:      "entries",
			Help:      "Known atlas entries, including self.",
		},
		[]string{"cell"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			dispatchRequests,
			dispatchDuration,
			gossipRounds,
			atlasEntries,
		)
	})
}

func RecordHTTPRequest(cell, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(cell, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(cell, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDispatch(cell, capability, code string, duration time.Duration) {
	RegisterMetrics()
	dispatchRequests.WithLabelValues(cell, capability, code).Inc()
	dispatchDuration.WithLabelValues(cell, capability, code).Observe(duration.Seconds())
}

func RecordGossipRound(cell string, ok bool) {
	RegisterMetrics()
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	gossipRounds.WithLabelValues(cell, outcome).Inc()
}

func SetAtlasEntries(cell string, n int) {
	RegisterMetrics()
	atlasEntries.WithLabelValues(cell).Set(float64(n))
}
