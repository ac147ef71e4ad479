// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	orderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Total number of order status transitions",
		},
		[]string{"to"},
	)

	revenueRecordsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "revenue_records_created_total",
			Help: "Total number of revenue records generated",
		},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_batches_total",
			Help: "Total number of payment batch state changes",
		},
		[]string{"status"},
	)

	batchAmountTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_batch_amount_total",
			Help: "Sum of settled amounts in the smallest currency unit",
		},
		[]string{"kind"},
	)

	dataIntegrityWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "order_data_integrity_warnings_total",
			Help: "Orders whose line items do not add up to total_price",
		},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(orderTransitionsTotal)
	prometheus.MustRegister(revenueRecordsCreatedTotal)
	prometheus.MustRegister(batchesTotal)
	prometheus.MustRegister(batchAmountTotal)
	prometheus.MustRegister(dataIntegrityWarningsTotal)
}

func RecordOrderTransition(to string) {
	orderTransitionsTotal.WithLabelValues(to).Inc()
}

func RecordRevenueRecords(n int) {
	revenueRecordsCreatedTotal.Add(float64(n))
}

func RecordBatchStatus(status string) {
	batchesTotal.WithLabelValues(status).Inc()
}

func RecordBatchSettled(total, commission int64) {
	batchAmountTotal.WithLabelValues("total").Add(float64(total))
	batchAmountTotal.WithLabelValues("commission").Add(float64(commission))
}

func RecordDataIntegrityWarning() {
	dataIntegrityWarningsTotal.Inc()
}
