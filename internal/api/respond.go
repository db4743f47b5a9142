package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/parkit/camera-console/internal/auth"
	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/logging"
	"github.com/parkit/camera-console/internal/storage"
)

var (
	validate  = validator.New(validator.WithRequiredStructEnabled())
	apiLogger = logging.NewLogger("API")
)

// maxJSONBody bounds JSON request bodies
const maxJSONBody = 1 << 20

// ErrorBody is the error envelope of every failed request
type ErrorBody struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		apiLogger.Error("Failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		apiLogger.Debug("Failed to write JSON response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	respondJSON(w, status, ErrorBody{
		Error:     code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
}

// statusForCode maps console error codes to HTTP statuses
func statusForCode(code consoleerrors.ErrorCode) int {
	switch code {
	case consoleerrors.ErrorPreviewNotReady, consoleerrors.ErrorFrameNotReady:
		return http.StatusConflict
	case consoleerrors.ErrorInvalidUpload:
		return http.StatusBadRequest
	case consoleerrors.ErrorUnauthorized:
		return http.StatusUnauthorized
	case consoleerrors.ErrorCameraUnreachable:
		return http.StatusBadGateway
	case consoleerrors.ErrorNetworkTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// statusForError passes the backend's client errors (404, 422, ...) through
// and maps everything else by code
func statusForError(ce *consoleerrors.ConsoleError) int {
	if ce.Code == consoleerrors.ErrorAPICallFailed {
		if sc, ok := ce.Details["status_code"].(int); ok && sc >= 400 && sc < 500 && sc != http.StatusUnauthorized {
			return sc
		}
	}
	return statusForCode(ce.Code)
}

// respondErr writes err with the status its code maps to
func respondErr(w http.ResponseWriter, err error) {
	var ce *consoleerrors.ConsoleError
	switch {
	case errors.As(err, &ce):
		status := statusForError(ce)
		if status >= http.StatusInternalServerError {
			apiLogger.Warn("Request failed", "code", ce.Code, "error", err)
		}
		respondError(w, status, string(ce.Code), ce.Message, ce.Details)
	case errors.Is(err, storage.ErrCaptureNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, auth.ErrEmptyAPIKey):
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidAPIKey):
		respondError(w, http.StatusUnauthorized, string(consoleerrors.ErrorUnauthorized), "Invalid API key", nil)
	default:
		apiLogger.Error("Request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}

// decodeJSON reads a JSON body into dst and validates it. An empty body is
// allowed when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	if !readJSON(w, r, dst, allowEmpty) {
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", describeValidation(err), nil)
		return false
	}
	return true
}

// readJSON reads a JSON body into dst without validating it
func readJSON(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body", nil)
		return false
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, dst); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return false
		}
	} else if !allowEmpty {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body is required", nil)
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Namespace()+" failed '"+fe.Tag()+"'")
	}
	return strings.Join(parts, "; ")
}
