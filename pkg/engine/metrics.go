package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReadingValue is the latest value of a counter.
	ReadingValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cemwatch_reading_value",
			Help: "Latest reading value for a metering counter",
		},
		[]string{"var_id", "meter", "object", "unit"},
	)

	// ReadingObservedTimestamp is the source-reported timestamp of the
	// latest reading, in unix seconds.
	ReadingObservedTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cemwatch_reading_observed_timestamp_seconds",
			Help: "Source-reported timestamp of the latest reading",
		},
		[]string{"var_id"},
	)

	// ReadingFetchedTimestamp is when the latest reading was fetched
	// locally, in unix seconds. A stalled counter shows up as this value
	// falling behind while the reading value stays put.
	ReadingFetchedTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cemwatch_reading_fetched_timestamp_seconds",
			Help: "Local fetch timestamp of the latest reading",
		},
		[]string{"var_id"},
	)

	// PollErrorsTotal counts failed individual polls per counter.
	PollErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cemwatch_poll_errors_total",
			Help: "Total failed individual counter polls",
		},
		[]string{"var_id"},
	)

	// BatchFallbackTotal counts per-counter fallbacks to individual polls.
	BatchFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cemwatch_batch_fallback_total",
			Help: "Total counters re-polled individually after a batch refresh did not cover them",
		},
	)

	// BatchFailureTotal counts combined requests that failed entirely
	// (including the empty-response anomaly).
	BatchFailureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cemwatch_batch_failure_total",
			Help: "Total combined batch requests that failed or came back empty",
		},
	)

	// Connected is 1 while an unexpired CEM token is held.
	Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cemwatch_connected",
			Help: "Whether an unexpired CEM token is held",
		},
	)

	// TokenExpiryTimestamp is the current token's expiry, in unix seconds.
	TokenExpiryTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cemwatch_token_expiry_timestamp_seconds",
			Help: "Expiry instant of the current CEM token",
		},
	)
)

func init() {
	prometheus.MustRegister(ReadingValue)
	prometheus.MustRegister(ReadingObservedTimestamp)
	prometheus.MustRegister(ReadingFetchedTimestamp)
	prometheus.MustRegister(PollErrorsTotal)
	prometheus.MustRegister(BatchFallbackTotal)
	prometheus.MustRegister(BatchFailureTotal)
	prometheus.MustRegister(Connected)
	prometheus.MustRegister(TokenExpiryTimestamp)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
