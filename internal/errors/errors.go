package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// HangarError represents an error that can be returned to clients
type HangarError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *HangarError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *HangarError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *HangarError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors. The deployment error kinds map onto HTTP codes:
// invalid input 400, name conflict 409, not found 404, forbidden 403,
// capacity exhausted 503, agent unreachable 502, agent timeout 504,
// build/internal failure 500.
var (
	ErrBadRequest = &HangarError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrUnauthorized = &HangarError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrForbidden = &HangarError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrNotFound = &HangarError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrConflict = &HangarError{
		Code:    http.StatusConflict,
		Message: "Conflict",
	}

	ErrNoCapacity = &HangarError{
		Code:    http.StatusServiceUnavailable,
		Message: "No Capacity",
	}

	ErrAgentUnreachable = &HangarError{
		Code:    http.StatusBadGateway,
		Message: "Agent Unreachable",
	}

	ErrAgentTimeout = &HangarError{
		Code:    http.StatusGatewayTimeout,
		Message: "Agent Timeout",
	}

	ErrInternalServer = &HangarError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*HangarError][]byte

func init() {
	bases := []*HangarError{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrNotFound,
		ErrConflict, ErrNoCapacity, ErrAgentUnreachable, ErrAgentTimeout,
		ErrInternalServer,
	}
	preSerialized = make(map[*HangarError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new HangarError
func New(code int, message string) *HangarError {
	return &HangarError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *HangarError {
	return &HangarError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *HangarError) WithDetails(details string) *HangarError {
	return &HangarError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithCause attaches an underlying error, keeping the HTTP mapping
func (e *HangarError) WithCause(err error) *HangarError {
	return &HangarError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  e.RequestID,
		underlying: err,
	}
}

// WithRequestID adds a request ID to the error
func (e *HangarError) WithRequestID(requestID string) *HangarError {
	return &HangarError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsHangarError checks if an error is a HangarError
func IsHangarError(err error) (*HangarError, bool) {
	if he, ok := err.(*HangarError); ok {
		return he, true
	}
	return nil, false
}
