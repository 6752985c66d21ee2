// Package apperror defines the error taxonomy shared by the command side and
// the asynchronous pipeline.
package apperror

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the retry harness.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindInvalidTransition   Kind = "invalid_transition"
	KindNotFound            Kind = "not_found"
	KindTransient           Kind = "transient"
	KindPermanent           Kind = "permanent"
)

// Error is a classified error. Two errors match with errors.Is when the
// target carries no message and both have the same kind, so the exported
// sentinels below match every error of their kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrTransient           = &Error{Kind: KindTransient}
	ErrPermanent           = &Error{Kind: KindPermanent}
)

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a malformed command or event. Never retried.
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// ConcurrencyConflict reports an expected-version mismatch.
func ConcurrencyConflict(format string, args ...any) *Error {
	return newf(KindConcurrencyConflict, format, args...)
}

// InvalidTransition reports a domain rule violation. Never retried.
func InvalidTransition(format string, args ...any) *Error {
	return newf(KindInvalidTransition, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

// Transient wraps an infrastructure failure that may succeed when retried.
func Transient(err error, format string, args ...any) *Error {
	e := newf(KindTransient, format, args...)
	e.Err = err
	return e
}

// Permanent wraps a failure that will not succeed on retry.
func Permanent(err error, format string, args ...any) *Error {
	e := newf(KindPermanent, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of the first classified error in the chain.
// Deadline errors count as transient; anything unclassified is transient too.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Retryable reports whether the retry harness may try the operation again.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindInvalidTransition, KindNotFound, KindPermanent:
		return false
	}
	return true
}
