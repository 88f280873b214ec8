package ferry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatferry_ingest_accepted_total",
		Help: "File events that produced a pending record.",
	})

	ingestDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatferry_ingest_duplicates_total",
		Help: "File events suppressed by the dedup cache.",
	})

	ingestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatferry_ingest_failures_total",
		Help: "File events that failed before a record was written.",
	}, []string{"reason"})

	recordStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatferry_record_status_transitions_total",
		Help: "Record status transitions out of pending.",
	}, []string{"status"})

	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatferry_pending_records",
		Help: "Records currently awaiting pull.",
	})

	blobCleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatferry_blob_cleanup_failures_total",
		Help: "Blob deletions that failed and were left to the orphan sweep.",
	})

	downloadsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatferry_downloads_total",
		Help: "Blob download requests by outcome.",
	}, []string{"outcome"})
)

// DownloadOutcome records one download attempt on the pull API.
func DownloadOutcome(outcome string) {
	downloadsServed.WithLabelValues(outcome).Inc()
}
