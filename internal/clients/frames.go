package clients

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"
)

// FrameUpload is one image submitted to a detection session
type FrameUpload struct {
	Filename string
	MimeType string
	Data     []byte
}

// Detection is one detected object in an uploaded frame
type Detection struct {
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

// ParkingAnalysis summarizes empty-space detection for a calibrated camera
type ParkingAnalysis struct {
	TotalMotorcycles     int            `json:"total_motorcycles"`
	TotalEmptySpaces     int            `json:"total_empty_spaces"`
	EmptySpacesPerRow    map[string]int `json:"empty_spaces_per_row"`
	ParkingOccupancyRate float64        `json:"parking_occupancy_rate"`
}

// UploadFrameResponse is the backend's answer to a frame upload
type UploadFrameResponse struct {
	FrameID         string           `json:"frame_id"`
	SessionID       string           `json:"session_id"`
	DetectionCount  int              `json:"detection_count"`
	Detections      []Detection      `json:"detections"`
	IsBest          bool             `json:"is_best"`
	ParkingAnalysis *ParkingAnalysis `json:"parking_analysis,omitempty"`
}

// MessageResponse is the generic acknowledgement envelope
type MessageResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// UploadFrame submits one frame to a session. cameraID is optional and enables
// empty-space detection on the backend.
func (c *ParkItClient) UploadFrame(ctx context.Context, frame *FrameUpload, sessionID, cameraID string) (*UploadFrameResponse, error) {
	if len(frame.Data) == 0 {
		return nil, fmt.Errorf("file buffer is required: received empty buffer")
	}
	if frame.Filename == "" {
		return nil, fmt.Errorf("filename is required: received empty string")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	c.logger.Info("Uploading frame",
		"filename", frame.Filename,
		"bytes", len(frame.Data),
		"session_id", sessionID,
		"camera_id", cameraID)

	// Create multipart form request
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, frame.Filename))
	if frame.MimeType != "" {
		header.Set("Content-Type", frame.MimeType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file part: %w", err)
	}
	bytesWritten, err := part.Write(frame.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to write file data to form: %w", err)
	}
	if bytesWritten != len(frame.Data) {
		return nil, fmt.Errorf("incomplete file write: expected %d bytes, wrote %d bytes", len(frame.Data), bytesWritten)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	q := url.Values{}
	q.Set("session_id", sessionID)
	if cameraID != "" {
		q.Set("camera_id", cameraID)
	}

	startTime := time.Now()
	var out UploadFrameResponse
	err = c.doJSON(ctx, apiRequest{
		method:      http.MethodPost,
		endpoint:    "/api/frames/upload?" + q.Encode(),
		body:        body.Bytes(),
		contentType: writer.FormDataContentType(),
	}, &out)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Frame uploaded",
		"filename", frame.Filename,
		"frame_id", out.FrameID,
		"detections", out.DetectionCount,
		"is_best", out.IsBest,
		"duration", time.Since(startTime))

	return &out, nil
}

// CompleteSession marks a detection session as completed
func (c *ParkItClient) CompleteSession(ctx context.Context, sessionID string) (*MessageResponse, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	var out MessageResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/api/frames/complete/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
