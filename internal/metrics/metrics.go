package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watchparty",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Name:      "active_rooms",
		Help:      "Number of rooms currently registered.",
	})

	WSClientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Name:      "ws_clients_connected",
		Help:      "Number of currently connected WebSocket clients.",
	})

	WSMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "ws_messages_sent_total",
		Help:      "Total outbound WebSocket messages enqueued.",
	})

	WSAdmissionRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "ws_admission_rejects_total",
		Help:      "Total WebSocket connections rejected by room caps.",
	})

	UploadChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "upload_chunks_total",
		Help:      "Total upload chunks written.",
	})

	UploadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "upload_bytes_total",
		Help:      "Total upload bytes written to part files.",
	})

	ActiveUploads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Name:      "active_uploads",
		Help:      "Number of uploads currently in progress.",
	})

	ProcessingJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "processing_jobs_total",
		Help:      "Total media post-processing jobs started.",
	})

	ProcessingFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "processing_failures_total",
		Help:      "Total media post-processing jobs that failed.",
	})

	SyncCommandsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "sync_commands_applied_total",
		Help:      "Host playback commands applied, by type.",
	}, []string{"type"})

	SyncCommandsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "sync_commands_rejected_total",
		Help:      "Playback commands dropped by sequence gating or authority checks.",
	})

	HostTransfersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "host_transfers_total",
		Help:      "Automatic host transfers after host inactivity.",
	})

	StreamBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchparty",
		Name:      "stream_bytes_total",
		Help:      "Total bytes served by the range streaming endpoint.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveRooms,
		WSClientsConnected,
		WSMessagesSent,
		WSAdmissionRejects,
		UploadChunksTotal,
		UploadBytesTotal,
		ActiveUploads,
		ProcessingJobsTotal,
		ProcessingFailuresTotal,
		SyncCommandsApplied,
		SyncCommandsRejected,
		HostTransfersTotal,
		StreamBytesTotal,
	)
}
