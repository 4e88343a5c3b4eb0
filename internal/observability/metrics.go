package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncItemCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_sync",
		Subsystem: "engine",
		Name:      "items_total",
		Help:      "Sync batch items processed, labeled by entity kind and outcome.",
	}, []string{"kind", "status"})

	syncBatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workout_sync",
		Subsystem: "engine",
		Name:      "batch_duration_seconds",
		Help:      "Time spent reconciling one client batch end to end.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	mutationPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workout_sync",
		Subsystem: "persistence",
		Name:      "last_mutation_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent accepted mutation written to Postgres.",
	})
)

func init() {
	prometheus.MustRegister(syncItemCounter, syncBatchDuration, mutationPersistGauge)
}

// RecordSyncItem counts one processed batch item.
func RecordSyncItem(kind, status string) {
	syncItemCounter.WithLabelValues(kind, status).Inc()
}

// ObserveBatch records the wall time of one reconcile call.
func ObserveBatch(d time.Duration) {
	syncBatchDuration.Observe(d.Seconds())
}

// RecordMutationPersisted updates the persistence watermark gauge.
func RecordMutationPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	mutationPersistGauge.Set(float64(ts.Unix()))
}
