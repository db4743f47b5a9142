package queue

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Upload task statuses tracked in Redis
const (
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// StatusTracker mirrors upload task progress into Redis sets and publishes a
// change event on <queue>:events for each transition.
type StatusTracker struct {
	client *redis.Client
	queue  string
	now    func() time.Time
}

// StatusEvent is published on every status transition
type StatusEvent struct {
	Event     string `json:"event"`
	CaptureID string `json:"captureId"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewStatusTracker connects to Redis
func NewStatusTracker(redisURL, queueName string) (*StatusTracker, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	// Parse Redis URL
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStatusTrackerFromClient(client, queueName), nil
}

// NewStatusTrackerFromClient wraps an existing client
func NewStatusTrackerFromClient(client *redis.Client, queueName string) *StatusTracker {
	return &StatusTracker{client: client, queue: queueName, now: time.Now}
}

func statusKey(queue, suffix string) string {
	return fmt.Sprintf("%s:%s", queue, suffix)
}

func (s *StatusTracker) newEvent(status, captureID, sessionID string) StatusEvent {
	return StatusEvent{
		Event:     "upload:" + status,
		CaptureID: captureID,
		SessionID: sessionID,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}
}

// Update moves captureID into status. result, when non-nil, is stored under
// <queue>:results or <queue>:errors.
func (s *StatusTracker) Update(ctx context.Context, captureID, sessionID, status string, result interface{}) error {
	var resultData []byte
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal %s result: %w", status, err)
		}
		resultData = data
	}

	eventData, err := json.Marshal(s.newEvent(status, captureID, sessionID))
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	processing := statusKey(s.queue, TaskProcessing)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch status {
		case TaskProcessing:
			pipe.SAdd(ctx, processing, captureID)
		case TaskCompleted:
			pipe.SRem(ctx, processing, captureID)
			pipe.SAdd(ctx, statusKey(s.queue, TaskCompleted), captureID)
			if resultData != nil {
				pipe.HSet(ctx, statusKey(s.queue, "results"), captureID, resultData)
			}
		case TaskFailed:
			pipe.SRem(ctx, processing, captureID)
			pipe.SAdd(ctx, statusKey(s.queue, TaskFailed), captureID)
			if resultData != nil {
				pipe.HSet(ctx, statusKey(s.queue, "errors"), captureID, resultData)
			}
		default:
			return fmt.Errorf("unknown upload status %q", status)
		}
		pipe.Publish(ctx, statusKey(s.queue, "events"), eventData)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update upload status (capture=%s, status=%s): %w", captureID, status, err)
	}
	return nil
}

// Stats returns the size of each status set
func (s *StatusTracker) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := s.client.Pipeline()
	processing := pipe.SCard(ctx, statusKey(s.queue, TaskProcessing))
	completed := pipe.SCard(ctx, statusKey(s.queue, TaskCompleted))
	failed := pipe.SCard(ctx, statusKey(s.queue, TaskFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read upload stats: %w", err)
	}

	return map[string]int64{
		TaskProcessing: processing.Val(),
		TaskCompleted:  completed.Val(),
		TaskFailed:     failed.Val(),
	}, nil
}

// Close closes the Redis connection
func (s *StatusTracker) Close() error {
	return s.client.Close()
}
