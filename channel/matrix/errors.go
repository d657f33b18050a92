package matrix

import (
	"errors"
	"fmt"
)

// MatrixError represents a structured error response from the homeserver.
// Callers can use errors.As to extract it:
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) && matrixErr.Code == ErrCodeForbidden { ... }
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
)

// ErrNoToken is returned when an identity has no access token configured.
var ErrNoToken = errors.New("matrix: no access token for identity")

// IsMatrixError checks whether err is a *MatrixError with the given code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}
