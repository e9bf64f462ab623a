package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodpipeline_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodpipeline_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Upload Metrics
	VideoUploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vodpipeline_video_upload_size_bytes",
			Help:    "Size of uploaded videos in bytes",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 2, 15), // 1MB to 16GB
		},
	)

	// Job Metrics
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodpipeline_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"trigger"},
	)

	JobsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodpipeline_jobs_settled_total",
			Help: "Total number of jobs that reached a final status",
		},
		[]string{"status"},
	)

	JobsRetriedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodpipeline_jobs_retried_total",
			Help: "Total number of failed attempts rescheduled with backoff",
		},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vodpipeline_jobs_in_progress",
			Help: "Number of jobs currently being processed",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodpipeline_job_duration_seconds",
			Help:    "Attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodpipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		},
		[]string{"stage"},
	)

	RenditionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodpipeline_renditions_total",
			Help: "Total number of renditions by tier and outcome",
		},
		[]string{"tier", "status"},
	)

	LeaseLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodpipeline_lease_lost_total",
			Help: "Final writes skipped because the worker no longer held the lease",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vodpipeline_queue_depth",
			Help: "Number of jobs per queue state",
		},
		[]string{"state"},
	)

	// Notification Metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodpipeline_notifications_total",
			Help: "Total number of status notifications by backend and outcome",
		},
		[]string{"backend", "status"},
	)

	NotificationsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodpipeline_notifications_dropped_total",
			Help: "Status updates dropped because the send buffer was full",
		},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodpipeline_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodpipeline_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StorageBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodpipeline_storage_bytes_transferred_total",
			Help: "Total bytes transferred to/from storage",
		},
		[]string{"operation"},
	)

	// Database Metrics
	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodpipeline_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodpipeline_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodpipeline_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// Helper functions for recording metrics

// RecordHTTPRequest records an HTTP request metric
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordJobEnqueued records a new job; trigger is "upload" or "retry"
func RecordJobEnqueued(trigger string) {
	JobsEnqueuedTotal.WithLabelValues(trigger).Inc()
}

// RecordJobSettled records a job reaching a final status
func RecordJobSettled(status string, duration float64) {
	JobsSettledTotal.WithLabelValues(status).Inc()
	JobDuration.WithLabelValues(status).Observe(duration)
}

// RecordJobRetried records a failed attempt that will run again
func RecordJobRetried(duration float64) {
	JobsRetriedTotal.Inc()
	JobDuration.WithLabelValues("retried").Observe(duration)
}

// RecordStage records the duration of one pipeline stage
func RecordStage(stage string, duration float64) {
	StageDuration.WithLabelValues(stage).Observe(duration)
}

// RecordRendition records the outcome of one ladder tier
func RecordRendition(tier, status string) {
	RenditionsTotal.WithLabelValues(tier, status).Inc()
}

// RecordLeaseLost records a skipped final write
func RecordLeaseLost() {
	LeaseLostTotal.Inc()
}

// UpdateQueueDepth replaces the queue depth gauges
func UpdateQueueDepth(depth map[string]int64) {
	for state, n := range depth {
		QueueDepth.WithLabelValues(state).Set(float64(n))
	}
}

// RecordNotification records a publish attempt on a backend
func RecordNotification(backend string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	NotificationsTotal.WithLabelValues(backend, status).Inc()
}

// RecordNotificationDropped counts an update that was never sent
func RecordNotificationDropped() {
	NotificationsDroppedTotal.Inc()
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64, bytesTransferred int64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
	if bytesTransferred > 0 {
		StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
	}
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
