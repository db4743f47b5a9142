package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/parkit/camera-console/internal/storage"
)

// CaptureLedger is the read side of the capture ledger
type CaptureLedger interface {
	GetCapture(ctx context.Context, id string) (*storage.CaptureRecord, error)
	ListCapturesBySession(ctx context.Context, sessionID string, statuses ...string) ([]*storage.CaptureRecord, error)
}

var captureStatuses = map[string]bool{
	storage.StatusCaptured: true,
	storage.StatusQueued:   true,
	storage.StatusUploaded: true,
	storage.StatusFailed:   true,
}

func (s *Server) requireLedger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Captures == nil {
			respondError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "Capture ledger is not enabled", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleListCaptures lists a session's captures, optionally filtered by a
// comma-separated status list
func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "session_id is required", nil)
		return
	}

	var statuses []string
	for _, st := range strings.Split(q.Get("status"), ",") {
		if st = strings.TrimSpace(st); st == "" {
			continue
		}
		if !captureStatuses[st] {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status "+st, nil)
			return
		}
		statuses = append(statuses, st)
	}

	recs, err := s.deps.Captures.ListCapturesBySession(r.Context(), sessionID, statuses...)
	if err != nil {
		respondErr(w, err)
		return
	}
	if recs == nil {
		recs = []*storage.CaptureRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"captures":   recs,
		"count":      len(recs),
	})
}

func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Captures.GetCapture(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
