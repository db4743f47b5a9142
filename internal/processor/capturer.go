/**
 * Frame capturer
 *
 * Turns the latest native camera frame into a portrait JPEG: allocate an H x W
 * target, apply translate(H, 0) then rotate(π/2), draw the source at its native
 * extent and encode. Only the 90° clockwise rotation is implemented.
 */

package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/logging"
	"github.com/parkit/camera-console/internal/metrics"
)

// DefaultJPEGQuality matches a 0.95 browser encoder quality
const DefaultJPEGQuality = 95

// CaptureMimeType is the content type of every captured frame
const CaptureMimeType = "image/jpeg"

// CameraFrame is one decoded snapshot in native sensor orientation
type CameraFrame struct {
	Image     image.Image
	Data      []byte
	Width     int
	Height    int
	FetchedAt time.Time
}

// DecodeFrame decodes a JPEG or PNG snapshot body
func DecodeFrame(data []byte, fetchedAt time.Time) (*CameraFrame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	b := img.Bounds()
	return &CameraFrame{
		Image:     img,
		Data:      data,
		Width:     b.Dx(),
		Height:    b.Dy(),
		FetchedAt: fetchedAt,
	}, nil
}

// Ready reports whether the frame has loaded pixel data
func (f *CameraFrame) Ready() bool {
	return f != nil && f.Image != nil && f.Width > 0 && f.Height > 0
}

// Transform returns the display transform for this frame
func (f *CameraFrame) Transform() DisplayTransform {
	if f == nil {
		return DisplayTransform{Rotation: DefaultRotation}
	}
	return NewDisplayTransform(f.Width, f.Height)
}

// CapturedFrame is an encoded portrait capture. It is not modified after creation.
type CapturedFrame struct {
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Data      []byte    `json:"-"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	CreatedAt time.Time `json:"created_at"`
}

// Size returns the encoded size in bytes
func (c *CapturedFrame) Size() int64 {
	return int64(len(c.Data))
}

// EncodeFunc writes img to w at the given quality
type EncodeFunc func(w io.Writer, img image.Image, quality int) error

func encodeJPEG(w io.Writer, img image.Image, quality int) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// Capturer produces portrait captures
type Capturer struct {
	quality int
	now     func() time.Time
	encode  EncodeFunc
	logger  *logging.Logger
}

// CapturerOption configures a Capturer
type CapturerOption func(*Capturer)

// WithQuality sets the JPEG quality (1-100)
func WithQuality(quality int) CapturerOption {
	return func(c *Capturer) {
		if quality >= 1 && quality <= 100 {
			c.quality = quality
		}
	}
}

// WithClock replaces the clock used for capture filenames
func WithClock(now func() time.Time) CapturerOption {
	return func(c *Capturer) { c.now = now }
}

// WithEncoder replaces the JPEG encoder
func WithEncoder(encode EncodeFunc) CapturerOption {
	return func(c *Capturer) { c.encode = encode }
}

// NewCapturer creates a capturer with JPEG quality 95 and the wall clock
func NewCapturer(opts ...CapturerOption) *Capturer {
	c := &Capturer{
		quality: DefaultJPEGQuality,
		now:     time.Now,
		encode:  encodeJPEG,
		logger:  logging.NewLogger("Capturer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capture rotates the frame to portrait and encodes it as a JPEG
func (c *Capturer) Capture(frame *CameraFrame) (*CapturedFrame, error) {
	if !frame.Ready() {
		w, h := 0, 0
		if frame != nil {
			w, h = frame.Width, frame.Height
		}
		metrics.Captures.WithLabelValues("frame_not_ready").Inc()
		return nil, consoleerrors.NewFrameNotReadyError(w, h)
	}

	start := time.Now()
	portrait := RotatePortrait(frame.Image)
	createdAt := c.now()
	filename := CaptureFilename(createdAt)

	var buf bytes.Buffer
	if err := c.encode(&buf, portrait, c.quality); err != nil {
		metrics.Captures.WithLabelValues("encoding_failed").Inc()
		return nil, consoleerrors.NewCaptureEncodingFailedError(filename, err)
	}
	if buf.Len() == 0 {
		metrics.Captures.WithLabelValues("encoding_failed").Inc()
		return nil, consoleerrors.NewCaptureEncodingFailedError(filename, nil)
	}

	b := portrait.Bounds()
	captured := &CapturedFrame{
		Filename:  filename,
		MimeType:  CaptureMimeType,
		Data:      buf.Bytes(),
		Width:     b.Dx(),
		Height:    b.Dy(),
		CreatedAt: createdAt,
	}

	metrics.Captures.WithLabelValues("success").Inc()
	c.logger.Info("Frame captured",
		"filename", captured.Filename,
		"width", captured.Width,
		"height", captured.Height,
		"bytes", buf.Len(),
		"duration", time.Since(start))

	return captured, nil
}

// CaptureFilename names a capture taken at t
func CaptureFilename(t time.Time) string {
	return fmt.Sprintf("capture_%d_portrait.jpg", t.UnixMilli())
}

// RotatePortrait draws src rotated 90° clockwise onto a new H x W RGBA image.
// Source pixel (sx, sy) lands at (H-1-(sy-minY), sx-minX).
func RotatePortrait(src image.Image) *image.RGBA {
	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))

	// translate(h, 0) ∘ rotate(π/2), with the source origin moved to (0, 0)
	s2d := f64.Aff3{
		0, -1, float64(h + sb.Min.Y),
		1, 0, float64(-sb.Min.X),
	}
	draw.NearestNeighbor.Transform(dst, s2d, src, sb, draw.Src, nil)
	return dst
}

// EncodePreview encodes the rotated preview of a frame for display
func EncodePreview(frame *CameraFrame, quality int) ([]byte, error) {
	if !frame.Ready() {
		return nil, consoleerrors.NewFrameNotReadyError(0, 0)
	}
	var buf bytes.Buffer
	if err := encodeJPEG(&buf, RotatePortrait(frame.Image), quality); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
