package rsm

import (
	"fmt"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// groupMetrics holds one replicaMetrics per replica group, gauges can only be registered once
var groupMetrics = xsync.NewMapOf[uint64, *replicaMetrics]()

// replicaMetrics are the metrics of one replica group. They belong to the core,
// so the values survive role changes.
type replicaMetrics struct {
	appliedEntries    *metrics.Counter
	skippedEntries    *metrics.Counter
	ignoredErrors     *metrics.Counter
	replicatedEntries *metrics.Counter
	snapshotBatches   *metrics.Counter
	batchDuration     *metrics.Histogram

	releaseIndex       atomic.Uint64
	activeTransactions atomic.Int64
}

func newReplicaMetrics(groupID uint64) *replicaMetrics {
	m, _ := groupMetrics.LoadOrCompute(groupID, func() *replicaMetrics {
		return registerReplicaMetrics(groupID)
	})
	return m
}

func registerReplicaMetrics(groupID uint64) *replicaMetrics {
	m := &replicaMetrics{
		appliedEntries:    metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_replica_applied_entries_total{group="%d"}`, groupID)),
		skippedEntries:    metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_replica_skipped_entries_total{group="%d"}`, groupID)),
		ignoredErrors:     metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_replica_ignored_errors_total{group="%d"}`, groupID)),
		replicatedEntries: metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_replica_replicated_entries_total{group="%d"}`, groupID)),
		snapshotBatches:   metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_replica_snapshot_batches_total{group="%d"}`, groupID)),
		batchDuration:     metrics.GetOrCreateHistogram(fmt.Sprintf(`ddoc_replica_apply_batch_duration_seconds{group="%d"}`, groupID)),
	}
	metrics.GetOrCreateGauge(fmt.Sprintf(`ddoc_replica_release_index{group="%d"}`, groupID), func() float64 {
		return float64(m.releaseIndex.Load())
	})
	metrics.GetOrCreateGauge(fmt.Sprintf(`ddoc_replica_active_transactions{group="%d"}`, groupID), func() float64 {
		return float64(m.activeTransactions.Load())
	})
	return m
}
