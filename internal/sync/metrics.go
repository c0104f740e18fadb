package syncstate

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "attempts_total",
		Help:      "Remote delivery attempts by outcome.",
	}, []string{"kind", "outcome"})

	insertLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sync",
		Name:      "insert_seconds",
		Help:      "Latency of remote inserts, successful or not.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"kind"})

	replayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sync",
		Name:      "replay_seconds",
		Help:      "Duration of a full pending replay.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"kind"})

	tracer = otel.Tracer("github.com/example/fieldsync/sync")
)

func init() {
	prometheus.MustRegister(attempts, insertLatency, replayLatency)
}
