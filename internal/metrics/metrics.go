package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_events_routed_total",
			Help: "Total number of events routed, by whether any configuration matched.",
		},
		[]string{"matched"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_deliveries_total",
			Help: "Total number of delivery attempt outcomes by status.",
		},
		[]string{"status"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_delivery_latency_seconds",
			Help:    "Outbound API call latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_retries_total",
			Help: "Total number of scheduled retries by failure reason.",
		},
		[]string{"reason"}, // http_5xx, http_4xx, http_429, timeout, network, ...
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_failures_total",
			Help: "Total number of deliveries that reached the failed state.",
		},
		[]string{"reason"},
	)

	ValidationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_validation_rejections_total",
			Help: "Total number of endpoint validation rejections by kind.",
		},
		[]string{"kind"},
	)

	PersistenceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_persistence_errors_total",
			Help: "Total number of delivery log writes that failed.",
		},
		[]string{"op"},
	)

	SweepEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_sweep_entries_total",
			Help: "Entries handled by the retry sweep by result.",
		},
		[]string{"result"}, // retried, exhausted, released, skipped, error
	)

	RetryBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborrelay_retry_backlog",
			Help: "Messages waiting on the retry topic worker channel.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_nsq_topic_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	FailureNoticesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_failure_notices_total",
			Help: "Failure notices published to the failure topic.",
		},
	)

	TasksConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_retry_tasks_consumed_total",
			Help: "Retry tasks taken off the retry topic by result.",
		},
		[]string{"result"}, // handled, stale, skipped, malformed, error
	)

	RetentionDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_retention_deleted_total",
			Help: "Delivery log entries removed by the retention job.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsRoutedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		FailuresTotal,
		ValidationRejectionsTotal,
		PersistenceErrorsTotal,
		SweepEntriesTotal,
		RetryBacklog,
		NSQTopicDepth,
		FailureNoticesTotal,
		TasksConsumedTotal,
		RetentionDeletedTotal,
	)
}

func RecordEventRouted(matched bool) {
	if matched {
		EventsRoutedTotal.WithLabelValues("true").Inc()
		return
	}
	EventsRoutedTotal.WithLabelValues("false").Inc()
}

// RecordDelivery records one attempt outcome. A zero latency means no
// request was sent and the histogram is left alone.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordFailure(reason string) {
	FailuresTotal.WithLabelValues(reason).Inc()
}

func RecordValidationRejection(kind string) {
	ValidationRejectionsTotal.WithLabelValues(kind).Inc()
}

func RecordPersistenceError(op string) {
	PersistenceErrorsTotal.WithLabelValues(op).Inc()
}

func RecordSweep(result string, n int) {
	if n <= 0 {
		return
	}
	SweepEntriesTotal.WithLabelValues(result).Add(float64(n))
}

func RecordFailureNotice() {
	FailureNoticesTotal.Inc()
}

func RecordTaskConsumed(result string) {
	TasksConsumedTotal.WithLabelValues(result).Inc()
}

func RecordRetentionDeleted(n int64) {
	if n > 0 {
		RetentionDeletedTotal.Add(float64(n))
	}
}

func UpdateRetryBacklog(depth float64) {
	RetryBacklog.Set(depth)
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
