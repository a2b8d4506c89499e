package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracks raw messages consumed from the broker by zone and result.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_messages_total",
			Help: "Total broker messages processed (by zone and result).",
		},
		[]string{"zone", "result"}, // result = "accepted" | "duplicate" | "invalid" | "deadletter"
	)

	// Measures end-to-end processing time of one message within a worker.
	ProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_process_duration_seconds",
			Help:    "Time spent validating, deduplicating and forwarding one message.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
		[]string{"zone"},
	)

	ValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_validation_errors_total",
			Help: "Count of raw messages rejected by the validator.",
		},
		[]string{"zone", "reason"},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_broadcasts_total",
			Help: "Events delivered to live subscribers (by zone).",
		},
		[]string{"zone"},
	)

	DroppedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_subscriber_dropped_total",
			Help: "Messages dropped for slow subscribers (by zone).",
		},
		[]string{"zone"},
	)

	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_active_subscriptions",
			Help: "Currently active live subscriptions (by zone).",
		},
		[]string{"zone"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_rate_limit_denials_total",
			Help: "Rate limit denials (by tier).",
		},
		[]string{"tier"},
	)

	// Tracks total errors (aggregated).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_errors_total",
			Help: "Count of component-level errors.",
		},
		[]string{"component", "reason"},
	)

	// Gauges the last successful poll time per worker (seconds since epoch).
	LastPollTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_last_poll_timestamp",
			Help: "Timestamp (unix seconds) of the last successful broker poll.",
		},
		[]string{"worker"},
	)
)

// ObserveDuration records the time taken since start on the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
		// counters are not duration metrics; ignore
	}
}

func IncMessage(zone, result string) {
	MessagesTotal.WithLabelValues(zone, result).Inc()
}

func IncValidationError(zone, reason string) {
	ValidationErrors.WithLabelValues(zone, reason).Inc()
}

func IncBroadcast(zone string) {
	BroadcastsTotal.WithLabelValues(zone).Inc()
}

func IncDropped(zone string) {
	DroppedMessages.WithLabelValues(zone).Inc()
}

func IncDenial(tier string) {
	RateLimitDenials.WithLabelValues(tier).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastPoll(worker string, t time.Time) {
	LastPollTimestamp.WithLabelValues(worker).Set(float64(t.Unix()))
}
