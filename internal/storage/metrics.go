package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	writeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "device_storage",
		Name:      "write_seconds",
		Help:      "Latency for replacing a ledger in device storage.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"backend"})

	readLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "device_storage",
		Name:      "read_seconds",
		Help:      "Latency for reading a ledger from device storage.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"backend"})

	writeBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "device_storage",
		Name:      "write_bytes",
		Help:      "Size of ledger values written to device storage.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	}, []string{"backend"})

	operationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "device_storage",
		Name:      "failures_total",
		Help:      "Device storage operations that returned an error.",
	}, []string{"backend", "op"})

	tracer = otel.Tracer("github.com/example/fieldsync/storage")
)

func init() {
	prometheus.MustRegister(writeLatency, readLatency, writeBytes, operationFailures)
}
