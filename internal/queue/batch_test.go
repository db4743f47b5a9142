package queue

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/metrics"
	"github.com/parkit/camera-console/internal/processor"
)

var (
	jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x01}, 64)...)
	pngBytes  = append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0x02}, 64)...)
	pdfBytes  = []byte("%PDF-1.7 not an image")
)

func TestBatch_Add(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		data        []byte
		maxSize     int64
		wantMime    string
		wantErr     bool
	}{
		{"jpeg", "a.jpg", "image/jpeg", jpegBytes, 0, "image/jpeg", false},
		{"jpg alias", "a.jpg", "image/jpg", jpegBytes, 0, "image/jpg", false},
		{"png with params", "b.png", "image/png; charset=binary", pngBytes, 0, "image/png", false},
		{"octet-stream detected", "c.png", "application/octet-stream", pngBytes, 0, "image/png", false},
		{"missing type detected", "d.jpg", "", jpegBytes, 0, "image/jpeg", false},
		{"gif rejected", "e.gif", "image/gif", []byte("GIF89a......"), 0, "", true},
		{"pdf disguised as jpeg", "f.jpg", "image/jpeg", pdfBytes, 0, "", true},
		{"unknown content", "g.bin", "", []byte("hello world"), 0, "", true},
		{"empty", "h.jpg", "image/jpeg", nil, 0, "", true},
		{"no filename", " ", "image/jpeg", jpegBytes, 0, "", true},
		{"too large", "i.jpg", "image/jpeg", jpegBytes, 16, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBatch(tt.maxSize)
			a, err := b.Add(tt.filename, tt.contentType, tt.data)
			if tt.wantErr {
				if !errors.Is(err, consoleerrors.ErrInvalidUpload) {
					t.Fatalf("Add() error = %v, want INVALID_UPLOAD", err)
				}
				if b.Len() != 0 {
					t.Error("rejected file must not be added")
				}
				return
			}
			if err != nil {
				t.Fatalf("Add() error = %v", err)
			}
			if a.MimeType != tt.wantMime || a.Source != SourceFile || a.ID == "" {
				t.Errorf("Add() = %+v", a)
			}
			if a.Size != int64(len(tt.data)) {
				t.Errorf("Size = %d", a.Size)
			}
		})
	}
}

func TestBatch_TooLargeMessage(t *testing.T) {
	b := NewBatch(0)
	big := make([]byte, DefaultMaxFileSize+1)
	copy(big, jpegBytes)

	_, err := b.Add("huge.jpg", "image/jpeg", big)
	var ce *consoleerrors.ConsoleError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v", err)
	}
	if ce.Details["reason"] != "File too large (max 10MB)" {
		t.Errorf("reason = %v", ce.Details["reason"])
	}
}

func TestBatch_AddCapture(t *testing.T) {
	b := NewBatch(0)
	frame := &processor.CapturedFrame{
		Filename:  "capture_1700000000000_portrait.jpg",
		MimeType:  processor.CaptureMimeType,
		Data:      jpegBytes,
		Width:     720,
		Height:    1280,
		CreatedAt: time.Now(),
	}

	a, err := b.AddCapture(frame)
	if err != nil {
		t.Fatalf("AddCapture() error = %v", err)
	}
	if a.Source != SourceCapture || a.Width != 720 || a.Height != 1280 {
		t.Errorf("AddCapture() = %+v", a)
	}

	if _, err := b.AddCapture(nil); !errors.Is(err, consoleerrors.ErrInvalidUpload) {
		t.Errorf("AddCapture(nil) error = %v", err)
	}
}

func TestBatch_PendingRemoveClear(t *testing.T) {
	b := NewBatch(0)
	first, _ := b.Add("1.jpg", "image/jpeg", jpegBytes)
	second, _ := b.Add("2.png", "image/png", pngBytes)
	third, _ := b.Add("3.jpg", "image/jpeg", jpegBytes)

	pending := b.Pending()
	if len(pending) != 3 || pending[0].ID != first.ID || pending[2].ID != third.ID {
		t.Fatalf("Pending() order wrong: %v", pending)
	}

	// Mutating the returned slice must not affect the batch
	pending[0] = nil
	if b.Pending()[0] == nil {
		t.Error("Pending() must return a copy")
	}

	if n := b.Remove(second.ID, "unknown"); n != 1 {
		t.Errorf("Remove() = %d, want 1", n)
	}
	pending = b.Pending()
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != third.ID {
		t.Errorf("after Remove: %v", pending)
	}

	if n := b.Clear(); n != 2 {
		t.Errorf("Clear() = %d", n)
	}
	if b.Len() != 0 {
		t.Error("batch should be empty")
	}
}

func TestDetectMimeType(t *testing.T) {
	tests := map[string]struct {
		data []byte
		want string
	}{
		"jpeg":  {jpegBytes, "image/jpeg"},
		"png":   {pngBytes, "image/png"},
		"gif":   {[]byte("GIF87a...."), "image/gif"},
		"webp":  {[]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		"pdf":   {pdfBytes, "application/pdf"},
		"short": {[]byte{0xFF}, ""},
		"text":  {[]byte("plain text"), ""},
	}
	for name, tt := range tests {
		if got := DetectMimeType(tt.data); got != tt.want {
			t.Errorf("%s: DetectMimeType() = %q, want %q", name, got, tt.want)
		}
	}
}

func TestBatch_PendingGauge(t *testing.T) {
	b := NewBatch(0)
	a, err := b.Add("a.jpg", "image/jpeg", jpegBytes)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := b.Add("b.png", "image/png", pngBytes); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := testutil.ToFloat64(metrics.UploadBatchSize); got != 2 {
		t.Errorf("pending gauge = %v, want 2", got)
	}

	b.Remove(a.ID)
	if got := testutil.ToFloat64(metrics.UploadBatchSize); got != 1 {
		t.Errorf("pending gauge after Remove = %v, want 1", got)
	}

	b.Clear()
	if got := testutil.ToFloat64(metrics.UploadBatchSize); got != 0 {
		t.Errorf("pending gauge after Clear = %v, want 0", got)
	}
}
