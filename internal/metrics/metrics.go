package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Camera console instrumentation: stream polling, captures, uploads and the
// ParkIt API client.
var (
	// Camera stream metrics
	CameraPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkit_camera_polls_total",
			Help: "Total number of camera snapshot polls",
		},
		[]string{"result"}, // "success", "failure", "stale"
	)

	CameraPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parkit_camera_poll_duration_seconds",
			Help:    "Duration of camera snapshot fetches in seconds",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	CameraConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parkit_camera_connected",
			Help: "1 while the console is connected to a camera stream",
		},
	)

	// Capture metrics
	Captures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkit_captures_total",
			Help: "Total number of frame capture attempts",
		},
		[]string{"result"}, // "success", "frame_not_ready", "encoding_failed"
	)

	CoordinateMappings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkit_coordinate_mappings_total",
			Help: "Total number of pointer-to-sensor coordinate mappings",
		},
		[]string{"result"}, // "success", "preview_not_ready"
	)

	// Upload metrics
	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkit_uploads_total",
			Help: "Total number of frame uploads to the ParkIt API",
		},
		[]string{"result"}, // "success", "failure", "enqueued"
	)

	UploadBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parkit_upload_batch_pending",
			Help: "Number of artifacts waiting in the upload batch",
		},
	)

	// API client metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parkit_api_request_duration_seconds",
			Help:    "Duration of ParkIt API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	APIRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parkit_api_retries_total",
			Help: "Total number of ParkIt API request retries after transport errors",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parkit_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkit_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker by result",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkit_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)
