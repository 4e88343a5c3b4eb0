package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workout_sync",
		Subsystem: "relay",
		Name:      "events_delivered_total",
		Help:      "Number of sync events successfully published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workout_sync",
		Subsystem: "relay",
		Name:      "events_failed_total",
		Help:      "Number of sync events whose delivery attempt failed and will be retried.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workout_sync",
		Subsystem: "relay",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking relay batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, batchDuration)
}
