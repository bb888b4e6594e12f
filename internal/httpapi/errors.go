package httpapi

import (
	"errors"
	"net/http"

	"github.com/fleetwire/provisioner/internal/scheduler"
	"github.com/fleetwire/provisioner/internal/state"
	"github.com/fleetwire/provisioner/internal/workflow"
)

// APIError is the uniform error envelope every handler returns.
type APIError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
}

func (e *APIError) Error() string { return e.Message }

// NewAPIError builds an APIError.
func NewAPIError(code, message string, httpStatus int) *APIError {
	return &APIError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// NewAPIErrorWithDetails builds an APIError carrying structured details.
func NewAPIErrorWithDetails(code, message string, httpStatus int, details map[string]any) *APIError {
	return &APIError{Code: code, Message: message, HTTPStatus: httpStatus, Details: details}
}

var (
	ErrMissingParameter = NewAPIError("MISSING_PARAMETER", "required parameter is missing", http.StatusBadRequest)
	ErrInvalidJSON      = NewAPIError("INVALID_JSON", "invalid JSON in request body", http.StatusBadRequest)
	ErrUnknownWorkflow  = NewAPIError("UNKNOWN_WORKFLOW", "workflow is not registered", http.StatusNotFound)
	ErrJobNotFound      = NewAPIError("JOB_NOT_FOUND", "job not found", http.StatusNotFound)
	ErrWrongJobState    = NewAPIError("WRONG_JOB_STATE", "job is not in the required state for this operation", http.StatusBadRequest)
	ErrInternal         = NewAPIError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
)

// TranslateError maps a domain error to the HTTP-facing APIError it
// should surface as, falling back to 500 for anything unrecognized.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, state.ErrNotFound):
		return ErrJobNotFound
	case errors.Is(err, scheduler.ErrWrongState):
		return ErrWrongJobState
	case errors.Is(err, state.ErrLockNotHeld):
		return NewAPIError("CONFLICT", "job is currently locked by another operation", http.StatusConflict)
	}

	var unreachable *workflow.UnreachablePhaseError
	if errors.As(err, &unreachable) {
		return NewAPIError("INVALID_WORKFLOW", err.Error(), http.StatusBadRequest)
	}
	var missingDep *workflow.MissingDependencyError
	if errors.As(err, &missingDep) {
		return NewAPIError("INVALID_WORKFLOW", err.Error(), http.StatusBadRequest)
	}

	return NewAPIError("INTERNAL_ERROR", "an unexpected error occurred", http.StatusInternalServerError)
}
