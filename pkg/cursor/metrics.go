package cursor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "kvclient"
	metricsSubsystem = "cursor"
)

var (
	pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "pages_fetched_total",
		Help:      "Number of pages fetched from the server.",
	})

	rowsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "rows_delivered_total",
		Help:      "Number of rows handed to callers.",
	})

	fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "fetch_errors_total",
		Help:      "Number of failed page fetches by cause.",
	}, []string{"cause"})

	openSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "open_sessions",
		Help:      "Number of sessions that have not finished yet.",
	})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "fetch_duration_seconds",
		Help:      "Latency of page fetches.",
		Buckets:   prometheus.DefBuckets,
	})
)
