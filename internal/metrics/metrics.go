// Package metrics provides Prometheus metrics for remote sessions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FTP control channel
	ftpCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_ftp_commands_total",
			Help: "Total number of FTP commands by reply class",
		},
		[]string{"command", "class"},
	)

	ftpCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotefs_ftp_command_duration_seconds",
			Help:    "FTP command round trip time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	dataFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_ftp_data_fallbacks_total",
			Help: "Data connection mode fallbacks after a timeout",
		},
		[]string{"from", "to", "status"},
	)

	listingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_listings_total",
			Help: "Directory listings by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	// Transfers
	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_transfer_bytes_total",
			Help: "Bytes transferred by protocol and direction",
		},
		[]string{"protocol", "direction"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_transfers_total",
			Help: "Transfers by protocol, direction and status",
		},
		[]string{"protocol", "direction", "status"},
	)

	// Object storage
	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotefs_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	multipartParts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_multipart_parts_total",
			Help: "Multipart upload parts by outcome",
		},
		[]string{"outcome"},
	)

	multipartInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotefs_multipart_parts_in_flight",
			Help: "Multipart upload parts currently uploading",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFTPCommand records a command and the class of its reply code.
func RecordFTPCommand(command string, code int, duration time.Duration) {
	class := "error"
	if code >= 100 {
		class = strconv.Itoa(code/100) + "xx"
	}
	ftpCommandsTotal.WithLabelValues(command, class).Inc()
	ftpCommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordDataFallback records a data connection mode fallback.
func RecordDataFallback(from, to string, success bool) {
	dataFallbacksTotal.WithLabelValues(from, to, status(success)).Inc()
}

// RecordListing records the outcome of one listing strategy: "success",
// "empty", "disabled" or "error".
func RecordListing(strategy, outcome string) {
	listingsTotal.WithLabelValues(strategy, outcome).Inc()
}

// RecordTransfer records a finished transfer.
func RecordTransfer(protocol, direction string, bytes int64, success bool) {
	transferBytes.WithLabelValues(protocol, direction).Add(float64(bytes))
	transfersTotal.WithLabelValues(protocol, direction, status(success)).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordPart records a multipart part outcome: "uploaded", "skipped" or
// "failed".
func RecordPart(outcome string) {
	multipartParts.WithLabelValues(outcome).Inc()
}

// PartStarted and PartFinished track parts in flight.
func PartStarted()  { multipartInFlight.Inc() }
func PartFinished() { multipartInFlight.Dec() }

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
