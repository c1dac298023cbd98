package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelStatus = "status"
	labelKind   = "kind"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jpip_requests_total",
		Help: "A counter for view-window requests by response status.",
	}, []string{labelStatus})

	bytesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jpip_bytes_sent_total",
		Help: "A counter for payload bytes sent to clients.",
	})

	pushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jpip_pushes_total",
		Help: "A counter for predictively pushed data bins.",
	})

	throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jpip_throttled_total",
		Help: "A counter for requests refused by the bandwidth throttle.",
	}, []string{labelKind})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jpip_active_sessions",
		Help: "A gauge of live server sessions.",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jpip_active_connections",
		Help: "A gauge of open WebSocket connections.",
	})
)
