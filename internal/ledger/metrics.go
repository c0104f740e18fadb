package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingRecords = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Name:      "pending_records",
		Help:      "Records captured on the device and not yet confirmed by the remote store.",
	}, []string{"kind"})

	totalRecords = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Name:      "records",
		Help:      "Records held in the local ledger.",
	}, []string{"kind"})

	persistFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "persist_failures_total",
		Help:      "Ledger writes to device storage that failed.",
	}, []string{"kind"})

	loadFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "load_failures_total",
		Help:      "Loads that found unreadable state and started empty.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(pendingRecords, totalRecords, persistFailures, loadFailures)
}
