// Package metrics exposes the Prometheus instrumentation shared across the
// service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medex_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medex_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medex_payment_notifications_total",
		Help: "Webhook notifications processed, labeled by event and outcome",
	}, []string{"event", "outcome"})

	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medex_ledger_entries_total",
		Help: "Ledger entries appended, labeled by entry type",
	}, []string{"entry_type"})

	EarningsMaturedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medex_courier_earnings_matured_total",
		Help: "Courier earnings moved from pending to available",
	})

	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medex_courier_payouts_total",
		Help: "Courier payout attempts, labeled by final status",
	}, []string{"status"})
)

// ObserveHTTPRequest records one served request in the counter and the
// latency histogram.
func ObserveHTTPRequest(method, endpoint string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}
