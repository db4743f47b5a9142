/**
 * Upload batch
 *
 * Holds the artifacts waiting to be submitted to a detection session: portrait
 * captures from the live camera and image files supplied by the operator.
 */

package queue

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/metrics"
	"github.com/parkit/camera-console/internal/processor"
)

// DefaultMaxFileSize is the largest artifact the backend accepts
const DefaultMaxFileSize = 10 * 1024 * 1024 // 10MB

// AllowedMimeTypes are the content types accepted into a batch
var AllowedMimeTypes = []string{"image/jpeg", "image/jpg", "image/png"}

// Artifact sources
const (
	SourceCapture = "capture"
	SourceFile    = "file"
)

// Artifact is one file waiting in the batch
type Artifact struct {
	ID       string    `json:"id"`
	Filename string    `json:"filename"`
	MimeType string    `json:"mime_type"`
	Size     int64     `json:"size"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	Source   string    `json:"source"`
	AddedAt  time.Time `json:"added_at"`
	Data     []byte    `json:"-"`
}

// Batch is the ordered set of pending artifacts. Safe for concurrent use.
type Batch struct {
	mu          sync.Mutex
	items       []*Artifact
	maxFileSize int64
	now         func() time.Time
}

// NewBatch creates an empty batch. A non-positive maxFileSize uses DefaultMaxFileSize.
func NewBatch(maxFileSize int64) *Batch {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Batch{
		maxFileSize: maxFileSize,
		now:         time.Now,
	}
}

// Add validates a file and appends it. An empty or generic content type is
// replaced by the type detected from the file's magic bytes.
func (b *Batch) Add(filename, contentType string, data []byte) (*Artifact, error) {
	mimeType, err := b.validate(filename, contentType, data)
	if err != nil {
		return nil, err
	}

	return b.append(&Artifact{
		Filename: filename,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Source:   SourceFile,
		Data:     data,
	}), nil
}

// AddCapture appends a portrait capture
func (b *Batch) AddCapture(frame *processor.CapturedFrame) (*Artifact, error) {
	if frame == nil {
		return nil, consoleerrors.NewInvalidUploadError("", "capture is empty")
	}
	mimeType, err := b.validate(frame.Filename, frame.MimeType, frame.Data)
	if err != nil {
		return nil, err
	}

	return b.append(&Artifact{
		Filename: frame.Filename,
		MimeType: mimeType,
		Size:     frame.Size(),
		Width:    frame.Width,
		Height:   frame.Height,
		Source:   SourceCapture,
		Data:     frame.Data,
	}), nil
}

func (b *Batch) append(a *Artifact) *Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()

	a.ID = uuid.NewString()
	a.AddedAt = b.now()
	b.items = append(b.items, a)
	metrics.UploadBatchSize.Set(float64(len(b.items)))
	return a
}

func (b *Batch) validate(filename, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", consoleerrors.NewInvalidUploadError(filename, "Filename is required")
	}
	if len(data) == 0 {
		return "", consoleerrors.NewInvalidUploadError(filename, "File is empty")
	}

	mimeType := normalizeMimeType(contentType)
	detected := DetectMimeType(data)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = detected
	}

	if !isAllowedMimeType(mimeType) {
		return "", consoleerrors.NewInvalidUploadError(filename, "Invalid file type")
	}
	if detected != "" && !isAllowedMimeType(detected) {
		return "", consoleerrors.NewInvalidUploadError(filename, fmt.Sprintf("Content is %s, not an image", detected))
	}

	if int64(len(data)) > b.maxFileSize {
		return "", consoleerrors.NewInvalidUploadError(filename,
			fmt.Sprintf("File too large (max %dMB)", b.maxFileSize/(1024*1024)))
	}

	return mimeType, nil
}

// Pending returns the artifacts in insertion order
func (b *Batch) Pending() []*Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Artifact, len(b.items))
	copy(out, b.items)
	return out
}

// Len returns the number of pending artifacts
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Remove drops the artifacts with the given ids and returns how many were removed
func (b *Batch) Remove(ids ...string) int {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.items[:0]
	for _, a := range b.items {
		if !drop[a.ID] {
			kept = append(kept, a)
		}
	}
	removed := len(b.items) - len(kept)
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = nil
	}
	b.items = kept
	metrics.UploadBatchSize.Set(float64(len(b.items)))
	return removed
}

// Clear empties the batch and returns how many artifacts were dropped
func (b *Batch) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.items)
	b.items = nil
	metrics.UploadBatchSize.Set(0)
	return n
}

func normalizeMimeType(contentType string) string {
	mt := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

func isAllowedMimeType(mimeType string) bool {
	for _, allowed := range AllowedMimeTypes {
		if mimeType == allowed {
			return true
		}
	}
	return false
}

// DetectMimeType detects the MIME type from file content magic bytes.
// Returns "" when the content is not recognized.
func DetectMimeType(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return "image/webp"
	}

	// PDF: %PDF-
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return "application/pdf"
	}

	return ""
}
