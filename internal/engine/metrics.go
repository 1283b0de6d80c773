package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/lockstep/internal/model"
	"github.com/seantiz/lockstep/internal/task"
)

// Partition outcome label values.
const (
	outcomeOK        = "ok"
	outcomeTaskError = "task_error"
	outcomeFault     = "fault"
	outcomeCanceled  = "canceled"
)

var (
	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockstep_phase_duration_seconds",
			Help:    "Duration of one phase from split to fold, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)

	partitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockstep_partitions_total",
			Help: "Total number of partitions by final outcome.",
		},
		[]string{"kind", "outcome"},
	)

	partitionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockstep_partition_retries_total",
			Help: "Total number of partition re-dispatches after a fault or timeout.",
		},
		[]string{"kind"},
	)

	accessConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockstep_access_conflicts_total",
			Help: "Total number of phases rejected by the access verifier.",
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockstep_runs_total",
			Help: "Total number of finished runs by final status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(phaseDuration)
	prometheus.MustRegister(partitionsTotal)
	prometheus.MustRegister(partitionRetries)
	prometheus.MustRegister(accessConflicts)
	prometheus.MustRegister(runsTotal)

	for _, k := range task.Kinds() {
		kind := k.String()
		partitionRetries.WithLabelValues(kind)
		for _, status := range []string{model.PhaseCompleted, model.PhaseFailed} {
			phaseDuration.WithLabelValues(kind, status)
		}
		for _, o := range []string{outcomeOK, outcomeTaskError, outcomeFault, outcomeCanceled} {
			partitionsTotal.WithLabelValues(kind, o)
		}
	}
	for _, s := range []string{model.StatusCompleted, model.StatusFailed, model.StatusKilled} {
		runsTotal.WithLabelValues(s)
	}
}
