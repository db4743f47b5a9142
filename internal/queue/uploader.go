package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/parkit/camera-console/internal/clients"
	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/logging"
	"github.com/parkit/camera-console/internal/metrics"
	"github.com/parkit/camera-console/internal/storage"
)

// Backend is the part of the ParkIt API the upload path needs
type Backend interface {
	UploadFrame(ctx context.Context, frame *clients.FrameUpload, sessionID, cameraID string) (*clients.UploadFrameResponse, error)
	CompleteSession(ctx context.Context, sessionID string) (*clients.MessageResponse, error)
}

// SessionStore remembers the last session and camera ids
type SessionStore interface {
	SetLastSessionID(id string) error
	SetLastCameraID(id string) error
}

// Ledger records capture outcomes
type Ledger interface {
	UpsertCapture(ctx context.Context, rec *storage.CaptureRecord) error
}

// TaskQueue hands uploads to background workers
type TaskQueue interface {
	EnqueueUpload(ctx context.Context, payload *UploadPayload) (string, error)
}

// Per-file outcomes
const (
	ResultUploaded = "uploaded"
	ResultQueued   = "queued"
	ResultFailed   = "failed"
)

// FileResult is the outcome of one artifact in a flush
type FileResult struct {
	ArtifactID string `json:"artifact_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	FrameID    string `json:"frame_id,omitempty"`
	Detections int    `json:"detections,omitempty"`
	IsBest     bool   `json:"is_best,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FlushResult summarizes a flush
type FlushResult struct {
	SessionID string       `json:"session_id"`
	CameraID  string       `json:"camera_id,omitempty"`
	Results   []FileResult `json:"results"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Remaining int          `json:"remaining"`
}

// UploaderConfig wires the uploader. Store, Ledger and Queue are optional.
type UploaderConfig struct {
	Batch   *Batch
	Backend Backend
	Store   SessionStore
	Ledger  Ledger
	Queue   TaskQueue
}

// Uploader submits the batch to a detection session
type Uploader struct {
	batch   *Batch
	backend Backend
	store   SessionStore
	ledger  Ledger
	queue   TaskQueue
	logger  *logging.Logger

	// flushMu serializes flushes so an artifact is never submitted twice
	flushMu sync.Mutex
}

// NewUploader creates an uploader
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.Batch == nil {
		return nil, fmt.Errorf("Batch is required")
	}
	if cfg.Backend == nil && cfg.Queue == nil {
		return nil, fmt.Errorf("Backend or Queue is required")
	}
	return &Uploader{
		batch:   cfg.Batch,
		backend: cfg.Backend,
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		queue:   cfg.Queue,
		logger:  logging.NewLogger("Uploader"),
	}, nil
}

// Batch returns the batch being flushed
func (u *Uploader) Batch() *Batch {
	return u.batch
}

// Queued reports whether uploads go through the task queue
func (u *Uploader) Queued() bool {
	return u.queue != nil
}

// Flush submits every pending artifact to sessionID, one at a time and in
// batch order. Successful artifacts are removed from the batch; failed ones
// stay for another attempt. A failed file never aborts the flush.
// Concurrent flushes run one after the other.
func (u *Uploader) Flush(ctx context.Context, sessionID, cameraID string) (*FlushResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	cameraID = strings.TrimSpace(cameraID)
	if sessionID == "" {
		return nil, consoleerrors.NewInvalidUploadError("", "Session ID is required")
	}

	u.flushMu.Lock()
	defer u.flushMu.Unlock()

	u.rememberSession(sessionID, cameraID)

	pending := u.batch.Pending()
	if len(pending) == 0 {
		return nil, consoleerrors.NewInvalidUploadError("", "No files to upload")
	}

	u.logger.Info("Flushing upload batch",
		"session_id", sessionID,
		"camera_id", cameraID,
		"files", len(pending),
		"queued", u.Queued())

	result := &FlushResult{
		SessionID: sessionID,
		CameraID:  cameraID,
		Results:   make([]FileResult, 0, len(pending)),
	}
	var done []string

	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			result.Results = append(result.Results, FileResult{
				ArtifactID: a.ID,
				Filename:   a.Filename,
				Status:     ResultFailed,
				Error:      err.Error(),
			})
			result.Failed++
			continue
		}

		var fr FileResult
		if u.queue != nil {
			fr = u.enqueue(ctx, a, sessionID, cameraID)
		} else {
			fr = u.upload(ctx, a, sessionID, cameraID)
		}

		result.Results = append(result.Results, fr)
		if fr.Status == ResultFailed {
			result.Failed++
			metrics.Uploads.WithLabelValues("failure").Inc()
			continue
		}
		result.Succeeded++
		done = append(done, a.ID)
		if fr.Status == ResultQueued {
			metrics.Uploads.WithLabelValues("enqueued").Inc()
		} else {
			metrics.Uploads.WithLabelValues("success").Inc()
		}
	}

	u.batch.Remove(done...)
	result.Remaining = u.batch.Len()

	u.logger.Info("Upload batch flushed",
		"session_id", sessionID,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"remaining", result.Remaining)

	return result, nil
}

func (u *Uploader) upload(ctx context.Context, a *Artifact, sessionID, cameraID string) FileResult {
	fr := FileResult{ArtifactID: a.ID, Filename: a.Filename}
	u.record(ctx, a, sessionID, cameraID, storage.StatusCaptured, nil, nil)

	resp, err := u.backend.UploadFrame(ctx, &clients.FrameUpload{
		Filename: a.Filename,
		MimeType: a.MimeType,
		Data:     a.Data,
	}, sessionID, cameraID)
	if err != nil {
		u.logger.Warn("Upload failed", "filename", a.Filename, "error", err)
		fr.Status = ResultFailed
		fr.Error = err.Error()
		u.record(ctx, a, sessionID, cameraID, storage.StatusFailed, nil, err)
		return fr
	}

	fr.Status = ResultUploaded
	fr.FrameID = resp.FrameID
	fr.Detections = resp.DetectionCount
	fr.IsBest = resp.IsBest
	u.record(ctx, a, sessionID, cameraID, storage.StatusUploaded, resp, nil)
	return fr
}

func (u *Uploader) enqueue(ctx context.Context, a *Artifact, sessionID, cameraID string) FileResult {
	fr := FileResult{ArtifactID: a.ID, Filename: a.Filename}

	taskID, err := u.queue.EnqueueUpload(ctx, &UploadPayload{
		CaptureID:  a.ID,
		SessionID:  sessionID,
		CameraID:   cameraID,
		Filename:   a.Filename,
		MimeType:   a.MimeType,
		FileBuffer: a.Data,
		QueuedAt:   time.Now(),
	})
	if err != nil {
		u.logger.Warn("Enqueue failed", "filename", a.Filename, "error", err)
		fr.Status = ResultFailed
		fr.Error = err.Error()
		return fr
	}

	fr.Status = ResultQueued
	fr.TaskID = taskID
	u.record(ctx, a, sessionID, cameraID, storage.StatusQueued, nil, nil)
	return fr
}

// record writes the artifact's state to the ledger. Ledger failures are
// logged and never fail the upload.
func (u *Uploader) record(ctx context.Context, a *Artifact, sessionID, cameraID, status string, resp *clients.UploadFrameResponse, uploadErr error) {
	if u.ledger == nil {
		return
	}

	rec := &storage.CaptureRecord{
		ID:        a.ID,
		SessionID: sessionID,
		CameraID:  cameraID,
		Filename:  a.Filename,
		MimeType:  a.MimeType,
		Width:     a.Width,
		Height:    a.Height,
		SizeBytes: a.Size,
		Status:    status,
		Metadata:  map[string]interface{}{"source": a.Source},
	}
	if resp != nil {
		rec.FrameID = resp.FrameID
		rec.Detections = resp.DetectionCount
		rec.Metadata["is_best"] = resp.IsBest
	}
	if uploadErr != nil {
		rec.ErrorMessage = uploadErr.Error()
	}

	if err := u.ledger.UpsertCapture(ctx, rec); err != nil {
		u.logger.Warn("Failed to record capture",
			"capture_id", a.ID,
			"status", status,
			"error", consoleerrors.NewStorageFailedError(a.ID, err))
	}
}

func (u *Uploader) rememberSession(sessionID, cameraID string) {
	if u.store == nil {
		return
	}
	if err := u.store.SetLastSessionID(sessionID); err != nil {
		u.logger.Warn("Failed to remember session ID", "error", err)
	}
	if err := u.store.SetLastCameraID(cameraID); err != nil {
		u.logger.Warn("Failed to remember camera ID", "error", err)
	}
}

// CompleteSession marks sessionID as completed on the backend
func (u *Uploader) CompleteSession(ctx context.Context, sessionID string) (*clients.MessageResponse, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, consoleerrors.NewInvalidUploadError("", "No session to complete")
	}
	if u.backend == nil {
		return nil, fmt.Errorf("no ParkIt backend configured")
	}

	resp, err := u.backend.CompleteSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	u.logger.Info("Session completed", "session_id", sessionID)
	return resp, nil
}
