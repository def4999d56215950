package common

import (
	"context"
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Failure taxonomy. The orchestrator alone maps these to retry-vs-terminal;
// stages only classify, they never retry themselves.
var (
	// ErrUnsupportedFormat: bytes match no supported signature. Permanent.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrExtractionFailed: every page failed both native extraction and OCR. Permanent.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrTemplateNotFound: no template registered under the requested id. Permanent.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrRenderError: malformed template or data rejected by the template schema. Permanent.
	ErrRenderError = errors.New("render error")
	// ErrStorageUnavailable: the artifact store could not be reached. Transient.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrTimeout: a stage watchdog or the housekeeping sweep expired the work. Transient.
	ErrTimeout = errors.New("timeout")
	// ErrEngineFailure: an external engine (tesseract, weasyprint) crashed or
	// was killed, as opposed to rejecting the content. Transient.
	ErrEngineFailure = errors.New("engine failure")

	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsTransient reports whether a failure is expected to succeed on retry.
// Context deadline expiry counts as transient: it means an engine or the
// store stalled, not that the content is defective.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrEngineFailure),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// ErrorCode returns the stable taxonomy code for an error, for storage in
// the job row and for user-visible summaries.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedFormat):
		return "UNSUPPORTED_FORMAT"
	case errors.Is(err, ErrExtractionFailed):
		return "EXTRACTION_FAILED"
	case errors.Is(err, ErrTemplateNotFound):
		return "TEMPLATE_NOT_FOUND"
	case errors.Is(err, ErrRenderError):
		return "RENDER_ERROR"
	case errors.Is(err, ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, ErrEngineFailure):
		return "ENGINE_FAILURE"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	default:
		return "INTERNAL"
	}
}
