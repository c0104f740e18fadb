package reachability

import "github.com/prometheus/client_golang/prometheus"

var (
	reachable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reachability",
		Name:      "remote_up",
		Help:      "1 when the last probe reached the remote store.",
	})
	probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reachability",
		Name:      "probes_total",
		Help:      "Remote probes by outcome.",
	}, []string{"outcome"})
	replays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reachability",
		Name:      "reconnect_replays_total",
		Help:      "Replays started by a reconnection, per record kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(reachable, probes, replays)
}
