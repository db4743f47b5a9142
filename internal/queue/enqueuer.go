package queue

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hibiken/asynq"
)

// TaskTypeFrameUpload is the asynq task type for one frame upload
const TaskTypeFrameUpload = "frame:upload"

// UploadPayload is the task body of a queued frame upload
type UploadPayload struct {
	CaptureID  string    `json:"captureId"`
	SessionID  string    `json:"sessionId"`
	CameraID   string    `json:"cameraId,omitempty"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mimeType"`
	FileBuffer []byte    `json:"fileBuffer"`
	QueuedAt   time.Time `json:"queuedAt"`
}

func (p *UploadPayload) validate() error {
	if p.CaptureID == "" {
		return fmt.Errorf("captureId is required")
	}
	if p.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	if len(p.FileBuffer) == 0 {
		return fmt.Errorf("fileBuffer is empty")
	}
	return nil
}

// NewUploadTask builds the asynq task for payload
func NewUploadTask(payload *UploadPayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("invalid upload payload: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload payload: %w", err)
	}
	return asynq.NewTask(TaskTypeFrameUpload, data), nil
}

// decodeUploadPayload parses a task body
func decodeUploadPayload(data []byte) (*UploadPayload, error) {
	var p UploadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upload payload: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Enqueuer submits upload tasks to Redis
type Enqueuer struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

// NewEnqueuer creates an enqueuer for queueName
func NewEnqueuer(redisURL, queueName string, maxRetry int) (*Enqueuer, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if queueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &Enqueuer{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: maxRetry,
	}, nil
}

// EnqueueUpload queues one upload. The capture id doubles as the task id, so
// a capture cannot be queued twice while its task is still retained.
func (e *Enqueuer) EnqueueUpload(ctx context.Context, payload *UploadPayload) (string, error) {
	task, err := NewUploadTask(payload)
	if err != nil {
		return "", err
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(e.maxRetry),
		asynq.TaskID(payload.CaptureID),
		asynq.Timeout(2*time.Minute),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue upload %s: %w", payload.Filename, err)
	}
	return info.ID, nil
}

// Close releases the Redis connection
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
