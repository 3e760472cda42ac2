package ota

import (
	"errors"
	"fmt"

	"bonsai-backend/internal/storage"
)

// Error kinds. Callers classify with errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("upload already in progress")
	ErrNotFound     = storage.ErrNotFound
	ErrStorage      = errors.New("storage failure")
	ErrTransport    = errors.New("transport failure")
)

// Error carries a client-facing message alongside its kind and cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func validationError(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func storageError(message string, err error) error {
	return &Error{Kind: ErrStorage, Message: message, Err: err}
}

// Message returns the client-facing message of err: the Message of an
// *Error, or the kind's text otherwise.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
