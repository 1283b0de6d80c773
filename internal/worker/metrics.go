package worker

import "github.com/prometheus/client_golang/prometheus"

// Transport label values.
const (
	transportLocal  = "local"
	transportStream = "stream"
)

var (
	spawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lockstep_worker_spawn_seconds",
			Help:    "Time taken to spawn or respawn a worker handle, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	liveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockstep_workers_live",
			Help: "Number of pool slots that are not dead.",
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockstep_worker_request_seconds",
			Help:    "Time from partition send to outcome, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	workerFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockstep_worker_faults_total",
			Help: "Total number of worker faults (crashes, lost connections).",
		},
		[]string{"transport"},
	)

	respawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockstep_worker_respawns_total",
			Help: "Total number of slot respawns.",
		},
	)
)

func init() {
	prometheus.MustRegister(spawnDuration)
	prometheus.MustRegister(liveWorkers)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(workerFaults)
	prometheus.MustRegister(respawnsTotal)

	for _, tr := range []string{transportLocal, transportStream} {
		workerFaults.WithLabelValues(tr)
		requestDuration.WithLabelValues(tr)
	}
}
