package microvm

import "github.com/prometheus/client_golang/prometheus"

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lockstep_microvm_boot_seconds",
			Help:    "Duration from VM start to worker agent connected, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockstep_microvm_active",
			Help: "Number of running worker microVMs.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lockstep_microvm_cleanup_seconds",
			Help:    "Duration of VM stop and file cleanup, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)
}
