package upgrade

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	resultSuccess = "success"
	resultFailed  = "failed"
)

var (
	upgradeCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cht_upgrade_calls_total",
		Help: "Upgrade calls by terminal result (success, validation, not_ready, cluster)",
	}, []string{
		"namespace",
		"result",
	})

	workloadWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cht_upgrade_workload_writes_total",
		Help: "Workload write-backs by kind and result",
	}, []string{
		"namespace",
		"kind",
		"result",
	})

	unmatchedIdentifiersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cht_upgrade_unmatched_identifiers_total",
		Help: "Requested identifiers that matched no container",
	}, []string{
		"namespace",
	})

	namespaceReadyGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cht_upgrade_namespace_ready",
		Help: "1 when every pod of the namespace is ready for upgrades, 0 otherwise",
	}, []string{
		"namespace",
	})

	notReadyPodsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cht_upgrade_not_ready_pods",
		Help: "Number of pods blocking upgrades in the namespace",
	}, []string{
		"namespace",
	})
)

func init() {
	metrics.Registry.MustRegister(
		upgradeCallsTotal,
		workloadWritesTotal,
		unmatchedIdentifiersTotal,
		namespaceReadyGauge,
		notReadyPodsGauge,
	)
}
