package clients

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	consoleerrors "github.com/parkit/camera-console/internal/errors"
)

// DefaultPageSize is the page size used by list views
const DefaultPageSize = 20

// Stats are the backend's system statistics
type Stats struct {
	TotalUsers        int       `json:"total_users"`
	TotalSessions     int       `json:"total_sessions"`
	ActiveSessions    int       `json:"active_sessions"`
	CompletedSessions int       `json:"completed_sessions"`
	TotalDetections   int       `json:"total_detections"`
	Timestamp         Timestamp `json:"timestamp"`
}

// User is one backend user account
type User struct {
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	IsActive  bool       `json:"is_active"`
	IsAdmin   bool       `json:"is_admin"`
	CreatedAt *Timestamp `json:"created_at,omitempty"`
}

// UserList is a page of users
type UserList struct {
	Total int    `json:"total"`
	Users []User `json:"users"`
}

// ToggleUserResponse reports a user's new active flag
type ToggleUserResponse struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	IsActive bool   `json:"is_active"`
}

// GetStats returns system statistics
func (c *ParkItClient) GetStats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.getJSON(ctx, "/api/admin/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns detection sessions, optionally filtered by status
func (c *ParkItClient) ListSessions(ctx context.Context, limit, skip int, status string) (*SessionList, error) {
	endpoint := "/api/admin/sessions"
	if q := pageQuery(limit, skip, status); q != "" {
		endpoint += "?" + q
	}
	var out SessionList
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSession removes a session and its stored image
func (c *ParkItClient) DeleteSession(ctx context.Context, sessionID string) (*MessageResponse, error) {
	var out MessageResponse
	if err := c.sendJSON(ctx, http.MethodDelete, "/api/admin/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListUsers returns user accounts
func (c *ParkItClient) ListUsers(ctx context.Context, limit, skip int) (*UserList, error) {
	endpoint := "/api/admin/users"
	if q := pageQuery(limit, skip, ""); q != "" {
		endpoint += "?" + q
	}
	var out UserList
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ToggleUserActive flips a user's active flag
func (c *ParkItClient) ToggleUserActive(ctx context.Context, username string) (*ToggleUserResponse, error) {
	var out ToggleUserResponse
	if err := c.sendJSON(ctx, http.MethodPut, "/api/admin/users/"+url.PathEscape(username)+"/toggle-active", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateAPIKey checks a candidate key against the stats endpoint. Any
// failure, including transport errors, reports the key as invalid. A rejected
// candidate does not log out the current session.
func (c *ParkItClient) ValidateAPIKey(ctx context.Context, apiKey string) bool {
	if apiKey == "" {
		return false
	}
	_, err := c.do(ctx, apiRequest{
		method:   http.MethodGet,
		endpoint: "/api/admin/stats",
		apiKey:   apiKey,
	})
	if err != nil {
		if !errors.Is(err, consoleerrors.ErrUnauthorized) {
			c.logger.Warn("API key validation failed", "error", err)
		}
		return false
	}
	return true
}
