// Package metrics exposes the counters and histograms an operator would
// want for any of the three durability strategies: how often LSM folds its
// pm_map into storage, how long a group-commit sync takes, how long WAL
// recovery takes to replay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MergeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "merge_total",
		Help:      "Number of LSM merge passes completed, by table and whether the pass was forced.",
	}, []string{"table", "forced"})

	GCSyncSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "gc_sync_seconds",
		Help:      "Time spent syncing the log during a group-commit tick.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"engine"})

	RecoveryDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "recovery_duration_seconds",
		Help:      "Time spent replaying the log during Recover.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"engine"})

	VacuumReclaimedSlots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "vacuum_reclaimed_slots_total",
		Help:      "Number of dead or tombstoned heap slots dropped by a vacuum pass.",
	}, []string{"table"})
)

// Register adds every collector in this package to reg. Call once per
// process; registering the same collector twice panics.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{MergeTotal, GCSyncSeconds, RecoveryDurationSeconds, VacuumReclaimedSlots} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
