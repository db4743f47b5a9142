package clients

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"
)

// SessionResult is the detection result of one session
type SessionResult struct {
	SessionID            string            `json:"session_id"`
	CameraID             *string           `json:"camera_id"`
	Status               string            `json:"status"`
	MaxDetectionCount    int               `json:"max_detection_count"`
	BestFrame            json.RawMessage   `json:"best_frame,omitempty"`
	TotalFrames          int               `json:"total_frames"`
	ParkingAnalysis      json.RawMessage   `json:"parking_analysis,omitempty"`
	EmptySpaces          []json.RawMessage `json:"empty_spaces,omitempty"`
	TotalMotorcycles     *int              `json:"total_motorcycles,omitempty"`
	TotalEmptySpaces     *int              `json:"total_empty_spaces,omitempty"`
	EmptySpacesPerRow    map[string]int    `json:"empty_spaces_per_row,omitempty"`
	ParkingOccupancyRate *float64          `json:"parking_occupancy_rate,omitempty"`
	CreatedAt            *Timestamp        `json:"created_at,omitempty"`
	UpdatedAt            *Timestamp        `json:"updated_at,omitempty"`
}

// LiveResult is the latest active session, or an empty result with a message
type LiveResult struct {
	SessionResult
	Message string `json:"message,omitempty"`
}

// HasSession reports whether a session is currently active
func (r *LiveResult) HasSession() bool {
	return r.SessionID != ""
}

// SessionSummary is one row of a session listing
type SessionSummary struct {
	SessionID          string     `json:"session_id"`
	CameraID           *string    `json:"camera_id,omitempty"`
	UserID             *string    `json:"user_id,omitempty"`
	MaxDetectionCount  int        `json:"max_detection_count"`
	Status             string     `json:"status"`
	TotalFrames        int        `json:"total_frames,omitempty"`
	HasParkingAnalysis bool       `json:"has_parking_analysis,omitempty"`
	CreatedAt          *Timestamp `json:"created_at,omitempty"`
	UpdatedAt          *Timestamp `json:"updated_at,omitempty"`
}

// SessionList is a page of sessions
type SessionList struct {
	Total    int              `json:"total"`
	Sessions []SessionSummary `json:"sessions"`
}

// DefaultLatestLimit is the page size of GetLatestResults when limit is 0
const DefaultLatestLimit = 10

// GetLiveResults returns the most recently updated active session
func (c *ParkItClient) GetLiveResults(ctx context.Context) (*LiveResult, error) {
	var out LiveResult
	if err := c.getJSON(ctx, "/api/results/live", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetResult returns the result of one session
func (c *ParkItClient) GetResult(ctx context.Context, sessionID string) (*SessionResult, error) {
	var out SessionResult
	if err := c.getJSON(ctx, "/api/results/"+url.PathEscape(sessionID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLatestResults returns completed sessions, newest first
func (c *ParkItClient) GetLatestResults(ctx context.Context, limit, skip int) (*SessionList, error) {
	if limit <= 0 {
		limit = DefaultLatestLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("skip", strconv.Itoa(max(skip, 0)))

	var out SessionList
	if err := c.getJSON(ctx, "/api/results/latest?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetResultImage downloads the annotated best frame of a session
func (c *ParkItClient) GetResultImage(ctx context.Context, sessionID string) ([]byte, error) {
	return c.do(ctx, apiRequest{
		method:   http.MethodGet,
		endpoint: "/api/results/" + url.PathEscape(sessionID) + "/image",
	})
}
