package devproxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvclient",
		Subsystem: "devproxy",
		Name:      "requests_total",
		Help:      "Requests handled, by kind and outcome.",
	}, []string{"kind", "outcome"})

	openConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvclient",
		Subsystem: "devproxy",
		Name:      "open_connections",
		Help:      "Client connections currently open.",
	})
)
