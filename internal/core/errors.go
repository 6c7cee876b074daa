package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the API and dashboard can react without
// parsing error text.
type ErrorKind string

// Error kinds surfaced in job records and API payloads.
const (
	KindValidation      ErrorKind = "validation"
	KindFetch           ErrorKind = "fetch"
	KindExtraction      ErrorKind = "extraction"
	KindPersist         ErrorKind = "persist"
	KindWorkerTimeout   ErrorKind = "worker_timeout"
	KindSchedulerConfig ErrorKind = "scheduler_config"
)

// Retryable reports whether jobs failing with this kind may be re-enqueued.
// Validation and schedule errors are rejected up front and never retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindFetch, KindExtraction, KindPersist, KindWorkerTimeout:
		return true
	default:
		return false
	}
}

// Error is a classified failure. It wraps an underlying cause when one exists.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error wrapping cause (which may be nil).
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// ValidationError rejects bad plugin configuration at the API boundary.
func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// KindOf extracts the ErrorKind from err, or "" if err is unclassified.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Sentinel errors returned by stores and the dispatcher.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid state transition")
)
