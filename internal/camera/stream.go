/**
 * Camera stream
 *
 * Keeps the latest snapshot of a remote camera fresh by polling it:
 * - the initial fetch runs synchronously and its failure is reported to the caller
 * - afterwards one poll runs at a time, rescheduled 500ms after a success or
 *   2000ms after a failure
 * - every connect starts a new generation; a poll that settles after its
 *   generation ended is discarded and never reschedules
 */

package camera

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/logging"
	"github.com/parkit/camera-console/internal/metrics"
	"github.com/parkit/camera-console/internal/processor"
)

// ConnectionState is a snapshot of the stream's connection
type ConnectionState struct {
	URL                 string             `json:"url"`
	Connected           bool               `json:"connected"`
	Generation          uint64             `json:"generation"`
	Rotation            processor.Rotation `json:"rotation"`
	LastFrameAt         time.Time          `json:"last_frame_at,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	FrameWidth          int                `json:"frame_width"`
	FrameHeight         int                `json:"frame_height"`
}

// URLStore remembers the last camera URL across restarts
type URLStore interface {
	SetCameraURL(url string) error
}

// Options configures a Stream
type Options struct {
	PollInterval  time.Duration
	RetryInterval time.Duration
	FetchTimeout  time.Duration
	Overlay       *processor.Overlay
	Store         URLStore
	Now           func() time.Time
}

// Stream polls a snapshot camera and holds its latest frame
type Stream struct {
	fetcher Fetcher
	opts    Options
	logger  *logging.Logger

	// connectMu serializes Connect and Disconnect
	connectMu sync.Mutex

	mu     sync.RWMutex
	state  ConnectionState
	frame  *processor.CameraFrame
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream creates a disconnected stream
func NewStream(fetcher Fetcher, opts Options) *Stream {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2000 * time.Millisecond
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Stream{
		fetcher: fetcher,
		opts:    opts,
		logger:  logging.NewLogger("CameraStream"),
		state:   ConnectionState{Rotation: processor.DefaultRotation},
	}
}

// Connect fetches the first snapshot from rawURL and starts polling.
// An already connected stream is disconnected first.
func (s *Stream) Connect(ctx context.Context, rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if err := validateCameraURL(rawURL); err != nil {
		return consoleerrors.NewCameraUnreachableError(rawURL, err)
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.disconnect()

	if s.opts.Store != nil {
		if err := s.opts.Store.SetCameraURL(rawURL); err != nil {
			s.logger.Warn("Failed to persist camera URL", "error", err)
		}
	}

	frame, err := s.fetchFrame(ctx, rawURL)
	if err != nil {
		s.mu.Lock()
		s.state.URL = rawURL
		s.mu.Unlock()
		s.logger.Error("Failed to connect to camera", "url", rawURL, "error", err)
		return consoleerrors.NewCameraUnreachableError(rawURL, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.state.Generation++
	gen := s.state.Generation
	s.state.URL = rawURL
	s.state.Connected = true
	s.state.Rotation = processor.DefaultRotation
	s.state.ConsecutiveFailures = 0
	s.setFrameLocked(frame)
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	metrics.CameraConnected.Set(1)

	tr := frame.Transform()
	s.logger.Info("Camera connected",
		"url", rawURL,
		"generation", gen,
		"native", fmt.Sprintf("%dx%d", tr.NativeWidth, tr.NativeHeight),
		"canvas", fmt.Sprintf("%dx%d", tr.CanvasWidth, tr.CanvasHeight),
		"rotation", tr.Rotation.String())

	go s.pollLoop(pollCtx, gen, rawURL, done)
	return nil
}

// Disconnect stops polling and clears the frame and the marker overlay.
// Calling it again leaves the state unchanged.
func (s *Stream) Disconnect() {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	s.disconnect()
}

func (s *Stream) disconnect() {
	s.mu.Lock()
	wasConnected := s.state.Connected
	// Only a live poll task needs invalidating
	if wasConnected || s.cancel != nil {
		s.state.Generation++
	}
	s.state.Connected = false
	s.state.Rotation = processor.DefaultRotation
	s.state.ConsecutiveFailures = 0
	s.setFrameLocked(nil)
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if s.opts.Overlay != nil {
		s.opts.Overlay.Clear()
	}

	metrics.CameraConnected.Set(0)
	if wasConnected {
		s.logger.Info("Camera disconnected", "url", s.State().URL)
	}
}

// State returns a copy of the connection state
func (s *Stream) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LatestFrame returns the most recent snapshot, or nil when none is loaded
func (s *Stream) LatestFrame() *processor.CameraFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame
}

// Transform returns the display transform of the latest frame
func (s *Stream) Transform() processor.DisplayTransform {
	return s.LatestFrame().Transform()
}

// Serve blocks until ctx is done and then disconnects the camera
func (s *Stream) Serve(ctx context.Context) error {
	<-ctx.Done()
	s.Disconnect()
	return ctx.Err()
}

func (s *Stream) setFrameLocked(frame *processor.CameraFrame) {
	s.frame = frame
	if frame == nil {
		s.state.FrameWidth, s.state.FrameHeight = 0, 0
		return
	}
	s.state.LastFrameAt = frame.FetchedAt
	s.state.FrameWidth, s.state.FrameHeight = frame.Width, frame.Height
}

func (s *Stream) pollLoop(ctx context.Context, gen uint64, rawURL string, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ok, current := s.poll(ctx, gen, rawURL)
		if !current {
			return
		}

		if ok {
			timer.Reset(s.opts.PollInterval)
		} else {
			timer.Reset(s.opts.RetryInterval)
		}
	}
}

// poll fetches one snapshot. It reports whether the fetch succeeded and whether
// gen was still the live generation when the fetch settled.
func (s *Stream) poll(ctx context.Context, gen uint64, rawURL string) (ok bool, current bool) {
	start := time.Now()
	frame, err := s.fetchFrame(ctx, rawURL)
	metrics.CameraPollDuration.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Generation != gen || !s.state.Connected {
		metrics.CameraPolls.WithLabelValues("stale").Inc()
		return false, false
	}

	if err != nil {
		s.state.ConsecutiveFailures++
		metrics.CameraPolls.WithLabelValues("failure").Inc()
		s.logger.Debug("Snapshot poll failed",
			"url", rawURL,
			"consecutive_failures", s.state.ConsecutiveFailures,
			"error", err)
		return false, true
	}

	s.state.ConsecutiveFailures = 0
	s.setFrameLocked(frame)
	metrics.CameraPolls.WithLabelValues("success").Inc()
	return true, true
}

func (s *Stream) fetchFrame(ctx context.Context, rawURL string) (*processor.CameraFrame, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	data, err := s.fetcher.Fetch(fetchCtx, CacheBustURL(rawURL, s.opts.Now()))
	if err != nil {
		return nil, err
	}
	return processor.DecodeFrame(data, s.opts.Now())
}

func validateCameraURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("camera URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid camera URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("camera URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("camera URL has no host")
	}
	return nil
}
