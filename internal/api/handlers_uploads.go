package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/queue"
)

// maxMultipartMemory bounds the in-memory part of a multipart upload
const maxMultipartMemory = 32 << 20

type flushRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	CameraID  string `json:"camera_id"`
}

type addUploadsResponse struct {
	Added   []*queue.Artifact `json:"added"`
	Errors  []string          `json:"errors,omitempty"`
	Pending int               `json:"pending"`
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	pending := s.deps.Uploader.Batch().Pending()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"files": pending,
		"count": len(pending),
	})
}

// handleAddUploads adds every "file" part of a multipart form to the batch.
// Invalid files are reported and skipped; valid ones are still added.
func (s *Server) handleAddUploads(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected multipart form with file parts", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		respondErr(w, consoleerrors.NewInvalidUploadError("", "No files selected"))
		return
	}

	batch := s.deps.Uploader.Batch()
	resp := addUploadsResponse{Added: []*queue.Artifact{}}
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			resp.Errors = append(resp.Errors, fh.Filename+": "+err.Error())
			continue
		}
		a, err := batch.Add(fh.Filename, fh.Header.Get("Content-Type"), data)
		if err != nil {
			var ce *consoleerrors.ConsoleError
			if errors.As(err, &ce) {
				resp.Errors = append(resp.Errors, ce.Message)
			} else {
				resp.Errors = append(resp.Errors, err.Error())
			}
			continue
		}
		resp.Added = append(resp.Added, a)
	}
	resp.Pending = batch.Len()

	status := http.StatusCreated
	if len(resp.Added) == 0 {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, resp)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleClearUploads(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Uploader.Batch().Clear()
	respondJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	result, err := s.deps.Uploader.Flush(r.Context(), req.SessionID, req.CameraID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleGenerateSession issues a fresh session id and remembers it
func (s *Server) handleGenerateSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	if s.deps.Prefs != nil {
		if err := s.deps.Prefs.SetLastSessionID(id); err != nil {
			s.logger.Warn("Failed to remember session ID", "error", err)
		}
	}
	respondJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Uploader.CompleteSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
