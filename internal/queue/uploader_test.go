package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parkit/camera-console/internal/clients"
	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/storage"
)

type fakeBackend struct {
	mu        sync.Mutex
	fail      map[string]error
	uploads   []string
	sessions  []string
	cameras   []string
	completed []string
	delay     time.Duration
}

func (f *fakeBackend) UploadFrame(_ context.Context, frame *clients.FrameUpload, sessionID, cameraID string) (*clients.UploadFrameResponse, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, frame.Filename)
	f.sessions = append(f.sessions, sessionID)
	f.cameras = append(f.cameras, cameraID)
	if err := f.fail[frame.Filename]; err != nil {
		return nil, err
	}
	return &clients.UploadFrameResponse{
		FrameID:        "frame-" + frame.Filename,
		SessionID:      sessionID,
		DetectionCount: 2,
	}, nil
}

func (f *fakeBackend) CompleteSession(_ context.Context, sessionID string) (*clients.MessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, sessionID)
	return &clients.MessageResponse{Message: "Session completed", SessionID: sessionID}, nil
}

type fakeSessionStore struct {
	session, camera string
}

func (s *fakeSessionStore) SetLastSessionID(id string) error { s.session = id; return nil }
func (s *fakeSessionStore) SetLastCameraID(id string) error  { s.camera = id; return nil }

type fakeLedger struct {
	mu      sync.Mutex
	records []storage.CaptureRecord
	err     error
}

func (l *fakeLedger) UpsertCapture(_ context.Context, rec *storage.CaptureRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, *rec)
	return l.err
}

func (l *fakeLedger) statuses(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, r := range l.records {
		if r.ID == id {
			out = append(out, r.Status)
		}
	}
	return out
}

type fakeTaskQueue struct {
	payloads []*UploadPayload
	err      error
}

func (q *fakeTaskQueue) EnqueueUpload(_ context.Context, p *UploadPayload) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.payloads = append(q.payloads, p)
	return p.CaptureID, nil
}

func newTestUploader(t *testing.T, cfg UploaderConfig) *Uploader {
	t.Helper()
	u, err := NewUploader(cfg)
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}
	return u
}

func TestUploader_FlushSequential(t *testing.T) {
	batch := NewBatch(0)
	ok1, _ := batch.Add("1.jpg", "image/jpeg", jpegBytes)
	bad, _ := batch.Add("2.jpg", "image/jpeg", jpegBytes)
	ok2, _ := batch.Add("3.png", "image/png", pngBytes)

	backend := &fakeBackend{fail: map[string]error{
		"2.jpg": consoleerrors.NewAPICallFailedError("/api/frames/upload", 500, "boom"),
	}}
	store := &fakeSessionStore{}
	ledger := &fakeLedger{}

	u := newTestUploader(t, UploaderConfig{Batch: batch, Backend: backend, Store: store, Ledger: ledger})

	res, err := u.Flush(context.Background(), "  session-1 ", "cam-1")
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if res.Succeeded != 2 || res.Failed != 1 || res.Remaining != 1 {
		t.Errorf("counts = %d ok, %d failed, %d remaining", res.Succeeded, res.Failed, res.Remaining)
	}
	if len(backend.uploads) != 3 || backend.uploads[0] != "1.jpg" || backend.uploads[2] != "3.png" {
		t.Errorf("uploads not sequential in batch order: %v", backend.uploads)
	}
	for _, s := range backend.sessions {
		if s != "session-1" {
			t.Errorf("session id not trimmed: %q", s)
		}
	}
	if res.Results[1].Status != ResultFailed || res.Results[1].Error == "" {
		t.Errorf("failed result = %+v", res.Results[1])
	}
	if res.Results[0].FrameID != "frame-1.jpg" || res.Results[0].Detections != 2 {
		t.Errorf("success result = %+v", res.Results[0])
	}

	pending := batch.Pending()
	if len(pending) != 1 || pending[0].ID != bad.ID {
		t.Errorf("only the failed file should remain, got %v", pending)
	}

	if store.session != "session-1" || store.camera != "cam-1" {
		t.Errorf("store = %+v", store)
	}

	if got := ledger.statuses(ok1.ID); len(got) != 2 || got[1] != storage.StatusUploaded {
		t.Errorf("ledger(ok1) = %v", got)
	}
	if got := ledger.statuses(bad.ID); len(got) != 2 || got[1] != storage.StatusFailed {
		t.Errorf("ledger(bad) = %v", got)
	}
	if got := ledger.statuses(ok2.ID); len(got) != 2 {
		t.Errorf("ledger(ok2) = %v", got)
	}
}

func TestUploader_FlushRequiresSession(t *testing.T) {
	batch := NewBatch(0)
	batch.Add("1.jpg", "image/jpeg", jpegBytes)
	backend := &fakeBackend{}
	u := newTestUploader(t, UploaderConfig{Batch: batch, Backend: backend})

	for _, s := range []string{"", "   "} {
		if _, err := u.Flush(context.Background(), s, ""); !errors.Is(err, consoleerrors.ErrInvalidUpload) {
			t.Errorf("Flush(%q) error = %v", s, err)
		}
	}
	if len(backend.uploads) != 0 || batch.Len() != 1 {
		t.Error("nothing should be uploaded without a session")
	}
}

func TestUploader_FlushEmptyBatch(t *testing.T) {
	u := newTestUploader(t, UploaderConfig{Batch: NewBatch(0), Backend: &fakeBackend{}})
	if _, err := u.Flush(context.Background(), "s", ""); !errors.Is(err, consoleerrors.ErrInvalidUpload) {
		t.Errorf("Flush() error = %v", err)
	}
}

func TestUploader_FlushQueued(t *testing.T) {
	batch := NewBatch(0)
	a, _ := batch.Add("1.jpg", "image/jpeg", jpegBytes)
	q := &fakeTaskQueue{}
	ledger := &fakeLedger{}
	u := newTestUploader(t, UploaderConfig{Batch: batch, Queue: q, Ledger: ledger})

	res, err := u.Flush(context.Background(), "session-9", "")
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if res.Succeeded != 1 || res.Results[0].Status != ResultQueued || res.Results[0].TaskID != a.ID {
		t.Errorf("Flush() = %+v", res)
	}
	if len(q.payloads) != 1 || q.payloads[0].SessionID != "session-9" || q.payloads[0].CameraID != "" {
		t.Errorf("payloads = %+v", q.payloads)
	}
	if batch.Len() != 0 {
		t.Error("queued files leave the batch")
	}
	if got := ledger.statuses(a.ID); len(got) != 1 || got[0] != storage.StatusQueued {
		t.Errorf("ledger = %v", got)
	}
}

func TestUploader_EnqueueFailureKeepsFile(t *testing.T) {
	batch := NewBatch(0)
	batch.Add("1.jpg", "image/jpeg", jpegBytes)
	u := newTestUploader(t, UploaderConfig{Batch: batch, Queue: &fakeTaskQueue{err: errors.New("redis down")}})

	res, err := u.Flush(context.Background(), "s", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || batch.Len() != 1 {
		t.Errorf("Flush() = %+v, batch %d", res, batch.Len())
	}
}

func TestUploader_LedgerFailureDoesNotFailUpload(t *testing.T) {
	batch := NewBatch(0)
	batch.Add("1.jpg", "image/jpeg", jpegBytes)
	u := newTestUploader(t, UploaderConfig{
		Batch:   batch,
		Backend: &fakeBackend{},
		Ledger:  &fakeLedger{err: errors.New("db down")},
	})

	res, err := u.Flush(context.Background(), "s", "")
	if err != nil || res.Succeeded != 1 {
		t.Errorf("Flush() = %+v, %v", res, err)
	}
}

func TestUploader_CompleteSession(t *testing.T) {
	backend := &fakeBackend{}
	u := newTestUploader(t, UploaderConfig{Batch: NewBatch(0), Backend: backend})

	if _, err := u.CompleteSession(context.Background(), ""); !errors.Is(err, consoleerrors.ErrInvalidUpload) {
		t.Errorf("CompleteSession(\"\") error = %v", err)
	}
	resp, err := u.CompleteSession(context.Background(), "session-1")
	if err != nil || resp.SessionID != "session-1" {
		t.Errorf("CompleteSession() = %+v, %v", resp, err)
	}
	if len(backend.completed) != 1 {
		t.Errorf("completed = %v", backend.completed)
	}
}

func TestNewUploader_Validation(t *testing.T) {
	if _, err := NewUploader(UploaderConfig{}); err == nil {
		t.Error("expected error without batch")
	}
	if _, err := NewUploader(UploaderConfig{Batch: NewBatch(0)}); err == nil {
		t.Error("expected error without backend or queue")
	}
}

func TestUploader_ConcurrentFlushUploadsOnce(t *testing.T) {
	batch := NewBatch(0)
	batch.Add("1.jpg", "image/jpeg", jpegBytes)
	batch.Add("2.png", "image/png", pngBytes)

	backend := &fakeBackend{delay: 50 * time.Millisecond}
	u := newTestUploader(t, UploaderConfig{Batch: batch, Backend: backend})

	var wg sync.WaitGroup
	results := make([]*FlushResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = u.Flush(context.Background(), "s1", "")
		}(i)
	}
	wg.Wait()

	backend.mu.Lock()
	uploads := len(backend.uploads)
	backend.mu.Unlock()
	if uploads != 2 {
		t.Errorf("backend uploads = %d, want 2", uploads)
	}
	if batch.Len() != 0 {
		t.Errorf("pending = %d, want 0", batch.Len())
	}

	// One flush uploads both files; the other finds the batch empty.
	succeeded, empty := 0, 0
	for i := range results {
		if errs[i] != nil {
			if !errors.Is(errs[i], consoleerrors.ErrInvalidUpload) {
				t.Errorf("Flush() error = %v, want InvalidUpload", errs[i])
			}
			empty++
			continue
		}
		succeeded += results[i].Succeeded
	}
	if succeeded != 2 || empty != 1 {
		t.Errorf("succeeded = %d, empty flushes = %d; want 2 and 1", succeeded, empty)
	}
}
