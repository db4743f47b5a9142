package api

import (
	"bytes"
	"errors"
	"image/png"
	"net/http"
	"strconv"

	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/metrics"
	"github.com/parkit/camera-console/internal/processor"
)

type connectRequest struct {
	URL string `json:"url" validate:"required,url"`
}

type rectBody struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type pointBody struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// mapRequest carries the preview's on-screen rectangle and a pointer position
// in the same coordinate space
type mapRequest struct {
	Rect    rectBody  `json:"rect"`
	Pointer pointBody `json:"pointer"`
}

type mapResponse struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Readout  string `json:"readout"`
	Label    string `json:"label"`
	InBounds bool   `json:"in_bounds"`
	Canvas   struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"canvas"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := s.deps.Stream.Connect(r.Context(), req.URL); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Stream.State())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.deps.Stream.Disconnect()
	respondJSON(w, http.StatusOK, s.deps.Stream.State())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Stream.State())
}

// handleFrame serves the latest frame rotated for portrait display
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	frame := s.deps.Stream.LatestFrame()
	if frame == nil {
		respondErr(w, consoleerrors.NewFrameNotReadyError(0, 0))
		return
	}

	data, err := processor.EncodePreview(frame, s.config.PreviewQuality)
	if err != nil {
		respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", processor.CaptureMimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Generation", strconv.FormatUint(s.deps.Stream.State().Generation, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) mapPointer(req mapRequest) (processor.SensorCoordinate, processor.CanvasSize, error) {
	canvas := s.deps.Stream.Transform().CanvasSize()
	coord, err := processor.MapPointer(
		processor.DisplayRect{Left: req.Rect.Left, Top: req.Rect.Top, Width: req.Rect.Width, Height: req.Rect.Height},
		processor.Point{X: req.Pointer.X, Y: req.Pointer.Y},
		canvas,
	)
	if err != nil {
		metrics.CoordinateMappings.WithLabelValues("preview_not_ready").Inc()
		return coord, canvas, err
	}
	metrics.CoordinateMappings.WithLabelValues("success").Inc()
	return coord, canvas, nil
}

func newMapResponse(coord processor.SensorCoordinate, canvas processor.CanvasSize) mapResponse {
	resp := mapResponse{
		X:        coord.X,
		Y:        coord.Y,
		Readout:  coord.Readout(),
		Label:    coord.Label(),
		InBounds: coord.InBounds(canvas),
	}
	resp.Canvas.Width = canvas.Width
	resp.Canvas.Height = canvas.Height
	return resp
}

// handleMap converts a pointer position to sensor coordinates
func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	var req mapRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	coord, canvas, err := s.mapPointer(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newMapResponse(coord, canvas))
}

// handleMark maps a click and places the overlay marker there
func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	var req mapRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	coord, canvas, err := s.mapPointer(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.deps.Overlay.Mark(coord)
	respondJSON(w, http.StatusOK, newMapResponse(coord, canvas))
}

// handleOverlay renders the marker layer as a transparent PNG the size of the canvas
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	transform := s.deps.Stream.Transform()
	if !transform.Ready() {
		respondErr(w, consoleerrors.NewPreviewNotReadyError(0, 0))
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, s.deps.Overlay.Render(transform.CanvasSize())); err != nil {
		respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleClearOverlay(w http.ResponseWriter, r *http.Request) {
	s.deps.Overlay.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// handleCapture snapshots the latest frame in portrait and adds it to the upload batch
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	captured, err := s.deps.Capturer.Capture(s.deps.Stream.LatestFrame())
	if err != nil {
		respondErr(w, err)
		return
	}

	artifact, err := s.deps.Uploader.Batch().AddCapture(captured)
	if err != nil {
		var ce *consoleerrors.ConsoleError
		if errors.As(err, &ce) {
			respondErr(w, err)
			return
		}
		respondErr(w, consoleerrors.NewCaptureEncodingFailedError(captured.Filename, err))
		return
	}

	respondJSON(w, http.StatusCreated, artifact)
}
