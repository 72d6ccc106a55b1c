package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TransactionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gotx",
			Name:      "transaction_total",
			Help:      "Counter of resolved transactions by status.",
		}, []string{"status"})

	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gotx",
			Name:      "transaction_duration_seconds",
			Help:      "Bucketed histogram of transaction latency (s) from start to resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	LockWaitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gotx",
			Name:      "lock_wait_total",
			Help:      "Counter of lock requests that had to wait, by outcome.",
		}, []string{"outcome"})

	PingCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gotx",
			Name:      "ping_total",
			Help:      "Counter of liveness pings, by result.",
		}, []string{"result"})

	CommitQueueGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gotx",
			Name:      "commit_queue_length",
			Help:      "Number of transactions waiting in a resource's commit queue.",
		}, []string{"resource"})
)

const (
	LockGranted = "granted"
	LockWounded = "wounded"
	LockTimeout = "timeout"
	LockAborted = "aborted"

	PingOk     = "ok"
	PingFailed = "failed"
)

func init() {
	prometheus.MustRegister(TransactionCounter)
	prometheus.MustRegister(TransactionDuration)
	prometheus.MustRegister(LockWaitCounter)
	prometheus.MustRegister(PingCounter)
	prometheus.MustRegister(CommitQueueGauge)
}
