package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/parkit/camera-console/internal/clients"
)

// Backend is the part of the ParkIt API the dashboard routes proxy
type Backend interface {
	GetStats(ctx context.Context) (*clients.Stats, error)

	ListCalibrations(ctx context.Context) ([]clients.Calibration, error)
	GetCalibration(ctx context.Context, cameraID string) (*clients.Calibration, error)
	CreateCalibration(ctx context.Context, cal *clients.Calibration) (*clients.Calibration, error)
	UpdateCalibration(ctx context.Context, cameraID string, cal *clients.Calibration) (*clients.Calibration, error)
	DeleteCalibration(ctx context.Context, cameraID string) (*clients.MessageResponse, error)

	GetLiveResults(ctx context.Context) (*clients.LiveResult, error)
	GetLatestResults(ctx context.Context, limit, skip int) (*clients.SessionList, error)
	GetResult(ctx context.Context, sessionID string) (*clients.SessionResult, error)
	GetResultImage(ctx context.Context, sessionID string) ([]byte, error)

	ListSessions(ctx context.Context, limit, skip int, status string) (*clients.SessionList, error)
	DeleteSession(ctx context.Context, sessionID string) (*clients.MessageResponse, error)

	ListUsers(ctx context.Context, limit, skip int) (*clients.UserList, error)
	ToggleUserActive(ctx context.Context, username string) (*clients.ToggleUserResponse, error)
}

// maxPageSize caps limit on list routes
const maxPageSize = 100

// pageParams reads limit and skip from the query string
func pageParams(w http.ResponseWriter, r *http.Request, defaultLimit int) (limit, skip int, ok bool) {
	limit, skip = defaultLimit, 0
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 100", nil)
			return 0, 0, false
		}
		limit = n
	}
	if raw := q.Get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "skip must be a non-negative integer", nil)
			return 0, 0, false
		}
		skip = n
	}
	return limit, skip, true
}

func (s *Server) requireBackend(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Backend == nil {
			respondError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "ParkIt backend is not configured", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Backend.GetStats(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Calibrations

func (s *Server) handleListCalibrations(w http.ResponseWriter, r *http.Request) {
	cals, err := s.deps.Backend.ListCalibrations(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if cals == nil {
		cals = []clients.Calibration{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"calibrations": cals,
		"count":        len(cals),
	})
}

func (s *Server) handleGetCalibration(w http.ResponseWriter, r *http.Request) {
	cal, err := s.deps.Backend.GetCalibration(r.Context(), chi.URLParam(r, "cameraID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cal)
}

// decodeCalibration reads a calibration body, fills the default right
// boundary and validates it before anything reaches the backend. When the
// path names a camera, a body without camera_id inherits it.
func decodeCalibration(w http.ResponseWriter, r *http.Request, pathCameraID string) (*clients.Calibration, bool) {
	var cal clients.Calibration
	if !readJSON(w, r, &cal, false) {
		return nil, false
	}
	cal.CameraID = strings.TrimSpace(cal.CameraID)
	if pathCameraID != "" {
		switch cal.CameraID {
		case "":
			cal.CameraID = pathCameraID
		case pathCameraID:
		default:
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "camera_id does not match the path", nil)
			return nil, false
		}
	}
	if cal.RowEndX == 0 {
		cal.RowEndX = clients.DefaultRowEndX
	}
	if err := cal.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return nil, false
	}
	return &cal, true
}

func (s *Server) handleCreateCalibration(w http.ResponseWriter, r *http.Request) {
	cal, ok := decodeCalibration(w, r, "")
	if !ok {
		return
	}
	created, err := s.deps.Backend.CreateCalibration(r.Context(), cal)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateCalibration(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")
	cal, ok := decodeCalibration(w, r, cameraID)
	if !ok {
		return
	}
	updated, err := s.deps.Backend.UpdateCalibration(r.Context(), cameraID, cal)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteCalibration(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Backend.DeleteCalibration(r.Context(), chi.URLParam(r, "cameraID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Results

func (s *Server) handleLiveResults(w http.ResponseWriter, r *http.Request) {
	live, err := s.deps.Backend.GetLiveResults(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, live)
}

func (s *Server) handleLatestResults(w http.ResponseWriter, r *http.Request) {
	limit, skip, ok := pageParams(w, r, clients.DefaultLatestLimit)
	if !ok {
		return
	}
	list, err := s.deps.Backend.GetLatestResults(r.Context(), limit, skip)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Backend.GetResult(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleResultImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Backend.GetResultImage(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Sessions and users

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, skip, ok := pageParams(w, r, clients.DefaultPageSize)
	if !ok {
		return
	}
	list, err := s.deps.Backend.ListSessions(r.Context(), limit, skip, r.URL.Query().Get("status"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Backend.DeleteSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, skip, ok := pageParams(w, r, clients.DefaultPageSize)
	if !ok {
		return
	}
	list, err := s.deps.Backend.ListUsers(r.Context(), limit, skip)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleToggleUser(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Backend.ToggleUserActive(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
