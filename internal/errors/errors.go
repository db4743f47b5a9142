package errors

import (
	"fmt"
	"time"
)

/**
 * Custom error types for the ParkIt camera console
 *
 * Every failure the operator can see carries an ErrorCode. Callers match on
 * the code with errors.Is against the sentinel values below.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Preview / capture errors
	ErrorPreviewNotReady       ErrorCode = "PREVIEW_NOT_READY"
	ErrorFrameNotReady         ErrorCode = "FRAME_NOT_READY"
	ErrorCaptureEncodingFailed ErrorCode = "CAPTURE_ENCODING_FAILED"

	// Camera errors
	ErrorCameraUnreachable ErrorCode = "CAMERA_UNREACHABLE"

	// Upload errors
	ErrorInvalidUpload ErrorCode = "INVALID_UPLOAD"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"

	// Network errors
	ErrorNetworkTimeout ErrorCode = "NETWORK_TIMEOUT"
	ErrorAPICallFailed  ErrorCode = "API_CALL_FAILED"
	ErrorUnauthorized   ErrorCode = "UNAUTHORIZED"
)

// Sentinels for errors.Is matching. Only the Code is compared.
var (
	ErrPreviewNotReady       = &ConsoleError{Code: ErrorPreviewNotReady}
	ErrFrameNotReady         = &ConsoleError{Code: ErrorFrameNotReady}
	ErrCaptureEncodingFailed = &ConsoleError{Code: ErrorCaptureEncodingFailed}
	ErrCameraUnreachable     = &ConsoleError{Code: ErrorCameraUnreachable}
	ErrInvalidUpload         = &ConsoleError{Code: ErrorInvalidUpload}
	ErrStorageFailed         = &ConsoleError{Code: ErrorStorageFailed}
	ErrNetworkTimeout        = &ConsoleError{Code: ErrorNetworkTimeout}
	ErrAPICallFailed         = &ConsoleError{Code: ErrorAPICallFailed}
	ErrUnauthorized          = &ConsoleError{Code: ErrorUnauthorized}
)

// ConsoleError represents a structured console error
type ConsoleError struct {
	Code      ErrorCode
	Message   string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ConsoleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ConsoleError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ConsoleError with the same code.
func (e *ConsoleError) Is(target error) bool {
	t, ok := target.(*ConsoleError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not a ConsoleError.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if ce, ok := err.(*ConsoleError); ok {
			return ce.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Factory functions for common errors

func NewPreviewNotReadyError(width, height float64) *ConsoleError {
	return &ConsoleError{
		Code:      ErrorPreviewNotReady,
		Message:   fmt.Sprintf("Preview has no layout (%.0fx%.0f)", width, height),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"display_width":  width,
			"display_height": height,
		},
	}
}

func NewFrameNotReadyError(width, height int) *ConsoleError {
	return &ConsoleError{
		Code:      ErrorFrameNotReady,
		Message:   "Image not loaded",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"natural_width":  width,
			"natural_height": height,
		},
	}
}

func NewCaptureEncodingFailedError(filename string, cause error) *ConsoleError {
	return &ConsoleError{
		Code:      ErrorCaptureEncodingFailed,
		Message:   "Failed to capture frame",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"filename": filename,
		},
		Cause: cause,
	}
}

func NewCameraUnreachableError(url string, cause error) *ConsoleError {
	return &ConsoleError{
		Code:      ErrorCameraUnreachable,
		Message:   "Failed to connect to camera. Check URL and network.",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"camera_url": url,
		},
		Cause: cause,
	}
}

func NewInvalidUploadError(filename string, reason string) *ConsoleError {
	return &ConsoleError{
		Code:      ErrorInvalidUpload,
		Message:   fmt.Sprintf("%s: %s", filename, reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"filename": filename,
			"reason":   reason,
		},
	}
}

func NewStorageFailedError(captureID string, cause error) *ConsoleError {
	return &ConsoleError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store capture record",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"capture_id": captureID,
		},
		Cause: cause,
	}
}

func NewNetworkTimeoutError(endpoint string, timeout time.Duration, cause error) *ConsoleError {
	return &ConsoleError{
		Code:      ErrorNetworkTimeout,
		Message:   fmt.Sprintf("Request timed out after %v", timeout),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"endpoint":         endpoint,
			"timeout_duration": timeout.String(),
		},
		Cause: cause,
	}
}

func NewAPICallFailedError(endpoint string, status int, message string) *ConsoleError {
	return &ConsoleError{
		Code:      ErrorAPICallFailed,
		Message:   message,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"endpoint":    endpoint,
			"status_code": status,
		},
	}
}

func NewUnauthorizedError(endpoint string) *ConsoleError {
	return &ConsoleError{
		Code:      ErrorUnauthorized,
		Message:   "Session expired. Please login again.",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"endpoint": endpoint,
		},
	}
}

// ToMap converts error to map for JSON responses and the capture ledger
func (e *ConsoleError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// StatusCode returns the backend HTTP status recorded on an API_CALL_FAILED
// error, or 0 when none was received.
func (e *ConsoleError) StatusCode() int {
	status, _ := e.Details["status_code"].(int)
	return status
}
