/**
 * Upload queue consumer
 *
 * Consumes frame:upload tasks from Redis and submits each frame to the ParkIt
 * backend. Uses Asynq for queue management; progress is mirrored to Redis
 * status sets and to the capture ledger.
 */

package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/parkit/camera-console/internal/clients"
	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/logging"
	"github.com/parkit/camera-console/internal/metrics"
	"github.com/parkit/camera-console/internal/storage"
)

// DefaultUploadTimeout bounds one upload attempt
const DefaultUploadTimeout = 2 * time.Minute

// StatusRecorder receives task status transitions
type StatusRecorder interface {
	Update(ctx context.Context, captureID, sessionID, status string, result interface{}) error
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL      string
	QueueName     string
	Concurrency   int
	Backend       Backend
	Status        StatusRecorder
	Ledger        Ledger
	UploadTimeout time.Duration
}

// Consumer runs the asynq server that drains the upload queue
type Consumer struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler *uploadHandler
	config  *ConsumerConfig
	logger  *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Backend == nil {
		return nil, fmt.Errorf("Backend is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	// Parse Redis connection options
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("UploadConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				logger.Warn("Upload task failed",
					"type", task.Type(),
					"retried", retried,
					"error", err)
			}),
			Logger:   asynqLogger{logger: logger},
			LogLevel: asynq.WarnLevel,
		},
	)

	handler := newUploadHandler(cfg.Backend, cfg.Status, cfg.Ledger, cfg.UploadTimeout)

	// Create multiplexer for task routing
	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeFrameUpload, handler)

	return &Consumer{
		server:  server,
		mux:     mux,
		handler: handler,
		config:  cfg,
		logger:  logger,
	}, nil
}

// retryDelay backs off exponentially: 5s, 10s, 20s, capped at 60s
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second || delay <= 0 {
		delay = 60 * time.Second
	}
	return delay
}

// Serve runs the consumer until ctx is done
func (c *Consumer) Serve(ctx context.Context) error {
	c.logger.Info("Starting upload consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start upload consumer: %w", err)
	}

	<-ctx.Done()

	c.logger.Info("Stopping upload consumer")
	c.server.Shutdown()
	return ctx.Err()
}

// uploadHandler processes one frame:upload task
type uploadHandler struct {
	backend Backend
	status  StatusRecorder
	ledger  Ledger
	timeout time.Duration
	logger  *logging.Logger
}

func newUploadHandler(backend Backend, status StatusRecorder, ledger Ledger, timeout time.Duration) *uploadHandler {
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	return &uploadHandler{
		backend: backend,
		status:  status,
		ledger:  ledger,
		timeout: timeout,
		logger:  logging.NewLogger("UploadConsumer"),
	}
}

// ProcessTask implements asynq.Handler
func (h *uploadHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	payload, err := decodeUploadPayload(task.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	h.logger.Info("Processing upload",
		"capture_id", payload.CaptureID,
		"filename", payload.Filename,
		"bytes", len(payload.FileBuffer),
		"session_id", payload.SessionID)

	h.setStatus(ctx, payload, TaskProcessing, nil)

	uploadCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp, err := h.backend.UploadFrame(uploadCtx, &clients.FrameUpload{
		Filename: payload.Filename,
		MimeType: payload.MimeType,
		Data:     payload.FileBuffer,
	}, payload.SessionID, payload.CameraID)

	duration := time.Since(startTime)

	if err != nil {
		retryable := isRetryable(err)
		if !retryable || isLastAttempt(ctx) {
			h.logger.Warn("Upload failed permanently",
				"capture_id", payload.CaptureID,
				"duration", duration,
				"error", err)
			h.setStatus(ctx, payload, TaskFailed, errorResult(err, duration))
			h.record(ctx, payload, storage.StatusFailed, nil, err)
			metrics.Uploads.WithLabelValues("failure").Inc()
		}
		if !retryable {
			return fmt.Errorf("upload of %s rejected: %w: %w", payload.Filename, err, asynq.SkipRetry)
		}
		return fmt.Errorf("upload of %s failed: %w", payload.Filename, err)
	}

	h.logger.Info("Upload completed",
		"capture_id", payload.CaptureID,
		"frame_id", resp.FrameID,
		"detections", resp.DetectionCount,
		"duration", duration)

	h.setStatus(ctx, payload, TaskCompleted, map[string]interface{}{
		"frameId":        resp.FrameID,
		"detectionCount": resp.DetectionCount,
		"isBest":         resp.IsBest,
		"processingTime": duration.Milliseconds(),
	})
	h.record(ctx, payload, storage.StatusUploaded, resp, nil)
	metrics.Uploads.WithLabelValues("success").Inc()

	return nil
}

func (h *uploadHandler) setStatus(ctx context.Context, p *UploadPayload, status string, result interface{}) {
	if h.status == nil {
		return
	}
	if err := h.status.Update(ctx, p.CaptureID, p.SessionID, status, result); err != nil {
		h.logger.Warn("Failed to update upload status",
			"capture_id", p.CaptureID,
			"status", status,
			"error", err)
	}
}

func (h *uploadHandler) record(ctx context.Context, p *UploadPayload, status string, resp *clients.UploadFrameResponse, uploadErr error) {
	if h.ledger == nil {
		return
	}
	rec := &storage.CaptureRecord{
		ID:        p.CaptureID,
		SessionID: p.SessionID,
		CameraID:  p.CameraID,
		Filename:  p.Filename,
		MimeType:  p.MimeType,
		SizeBytes: int64(len(p.FileBuffer)),
		Status:    status,
	}
	if resp != nil {
		rec.FrameID = resp.FrameID
		rec.Detections = resp.DetectionCount
	}
	if uploadErr != nil {
		rec.ErrorMessage = uploadErr.Error()
	}
	if err := h.ledger.UpsertCapture(ctx, rec); err != nil {
		h.logger.Warn("Failed to record capture",
			"capture_id", p.CaptureID,
			"error", consoleerrors.NewStorageFailedError(p.CaptureID, err))
	}
}

func errorResult(err error, duration time.Duration) map[string]interface{} {
	var ce *consoleerrors.ConsoleError
	if errors.As(err, &ce) {
		m := ce.ToMap()
		m["processingTime"] = duration.Milliseconds()
		return m
	}
	return map[string]interface{}{
		"error":          err.Error(),
		"processingTime": duration.Milliseconds(),
	}
}

// isRetryable reports whether another attempt could succeed. Rejections by
// the backend (bad key, 4xx) are final.
func isRetryable(err error) bool {
	var ce *consoleerrors.ConsoleError
	if !errors.As(err, &ce) {
		return true
	}
	switch ce.Code {
	case consoleerrors.ErrorUnauthorized, consoleerrors.ErrorInvalidUpload:
		return false
	case consoleerrors.ErrorAPICallFailed:
		status := ce.StatusCode()
		return status == 0 || status >= 500 || status == 429
	}
	return true
}

func isLastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// asynqLogger routes asynq's internal logging through the console logger
type asynqLogger struct {
	logger *logging.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

func (l asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
