package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailqueue"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queue items by status",
		},
		[]string{"status"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	digests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "digests_total",
			Help:      "Batch consolidation outcomes",
		},
		[]string{"outcome"},
	)

	expiredItems = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "expired_total",
			Help:      "Items expired by the retention sweep",
		},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "cycle_duration_seconds",
			Help:      "Time to run one processing cycle",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "send_duration_seconds",
			Help:      "Time for one transport send",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

func recordDelivery(outcome string) {
	deliveries.WithLabelValues(outcome).Inc()
}

func recordDigest(outcome string) {
	digests.WithLabelValues(outcome).Inc()
}

func recordExpired(count int64) {
	expiredItems.Add(float64(count))
}

func recordCycle(d time.Duration) {
	cycleDuration.Observe(d.Seconds())
}

func recordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *Stats) {
	queueSize.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(StatusBatched)).Set(float64(stats.Batched))
	queueSize.WithLabelValues(string(StatusProcessing)).Set(float64(stats.Processing))
	queueSize.WithLabelValues(string(StatusSent)).Set(float64(stats.Sent))
	queueSize.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
	queueSize.WithLabelValues(string(StatusExpired)).Set(float64(stats.Expired))
}
