package mailbridge

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// AppError wraps an application error with an HTTP response code.
type AppError struct {
	Code     int    // HTTP response code
	Message  string // custom message
	Internal error  // original error, if any
}

// AppErr returns a new AppError including the given HTTP response code.
func AppErr(code int, message string) *AppError {
	return &AppError{Code: code, Message: message, Internal: nil}
}

// WrapErr returns a new AppError wrapping the given error.
func WrapErr(code int, err error) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: err.Error(), Internal: err}
}

// Error returns the error message.
func (e *AppError) Error() string {
	return e.Message
}

// PayloadAlreadyExists reports a duplicate (referenceId, contentId) pair
// rejected by the store's uniqueness constraint. The first offending row
// is identified; nothing from the batch is retained.
type PayloadAlreadyExists struct {
	ReferenceID uuid.UUID
	ContentID   string
}

func (e *PayloadAlreadyExists) Error() string {
	return fmt.Sprintf("payload already exists for reference id (%s) and content id (%s)",
		e.ReferenceID, e.ContentID)
}

// PayloadNotFound reports that no payload rows exist for a reference id.
type PayloadNotFound struct {
	ReferenceID string
}

func (e *PayloadNotFound) Error() string {
	return fmt.Sprintf("Payload not found for reference id (%s)", e.ReferenceID)
}

// InvalidReferenceID reports a reference id that is not a valid UUID.
type InvalidReferenceID struct {
	ReferenceID string
}

func (e *InvalidReferenceID) Error() string {
	return fmt.Sprintf("Invalid reference id (%s)", e.ReferenceID)
}

// UnknownPayloadError carries the response body of an unexpected status
// from the payload fetch endpoint.
type UnknownPayloadError struct {
	Body string
}

func (e *UnknownPayloadError) Error() string {
	return fmt.Sprintf("unknown payload error: %s", e.Body)
}

// ErrUnauthorized is returned when the payload fetch endpoint rejects the
// bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// appendError combines two errors into a single error using errors.Join.
func appendError(err1, err2 error) error {
	if err1 == nil && err2 == nil {
		return nil
	}

	if err1 == nil {
		return err2
	}

	if err2 == nil {
		return err1
	}

	return errors.Join(err1, err2)
}
