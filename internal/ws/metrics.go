package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	gatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active status stream connections.",
	})

	gatewayDroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped because a client could not keep up.",
	})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewayDroppedFrames)
}
