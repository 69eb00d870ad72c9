package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_jobs_enqueued_total",
			Help: "Total number of replication jobs enqueued by target.",
		},
		[]string{"target"},
	)

	SyncAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_sync_attempts_total",
			Help: "Total number of replication attempts by target and outcome.",
		},
		[]string{"target", "status"}, // success, retry, failed
	)

	SyncLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborsync_sync_latency_seconds",
			Help:    "Latency of replication requests by target.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_retries_total",
			Help: "Total number of rescheduled jobs by reason.",
		},
		[]string{"reason"}, // network, remote
	)

	PermanentFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_permanent_failures_total",
			Help: "Total number of jobs dropped without success by reason.",
		},
		[]string{"reason"}, // max_retries, not_found, validation
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborsync_dead_letters_total",
			Help: "Total number of dead letters published.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborsync_queue_depth",
			Help: "Number of jobs pending in the replication queue.",
		},
	)

	InboundRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_inbound_requests_total",
			Help: "Total number of inbound replication requests by outcome.",
		},
		[]string{"outcome"}, // created, updated, auth, loop_detected, validation, other
	)

	MediaImportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_media_imports_total",
			Help: "Total number of media references resolved by the receiver.",
		},
		[]string{"result"}, // imported, reused
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsEnqueuedTotal,
		SyncAttemptsTotal,
		SyncLatencySeconds,
		RetriesTotal,
		PermanentFailuresTotal,
		DeadLettersTotal,
		QueueDepth,
		InboundRequestsTotal,
		MediaImportsTotal,
	)
}

func RecordEnqueued(target string) {
	JobsEnqueuedTotal.WithLabelValues(target).Inc()
}

func RecordAttempt(target, status string, d time.Duration) {
	SyncAttemptsTotal.WithLabelValues(target, status).Inc()
	SyncLatencySeconds.WithLabelValues(target).Observe(d.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordPermanentFailure(reason string) {
	PermanentFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter() {
	DeadLettersTotal.Inc()
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

func RecordInbound(outcome string) {
	InboundRequestsTotal.WithLabelValues(outcome).Inc()
}

func RecordMediaImport(result string) {
	MediaImportsTotal.WithLabelValues(result).Inc()
}
