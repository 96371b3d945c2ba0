// Package apperr defines the error kinds shared by the marketplace services.
//
// Services return *Error values (or wrap them); handlers switch on Kind to
// pick an HTTP status. Kind sentinels work with errors.Is:
//
//	if errors.Is(err, apperr.ErrConflict) { ... }
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindAuthorization   Kind = "authorization_error"
	KindNotFound        Kind = "not_found"
	KindInvalidState    Kind = "invalid_state"
	KindConflict        Kind = "conflict"
	KindChainSubmission Kind = "chain_submission_error"
	KindReconciliation  Kind = "reconciliation_error"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrAuthorization   = &Error{Kind: KindAuthorization}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrChainSubmission = &Error{Kind: KindChainSubmission}
	ErrReconciliation  = &Error{Kind: KindReconciliation}
)

// Error carries a Kind, a message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Retryable is meaningful for chain submission failures: a timeout or
	// unavailable chain may succeed later, a rejection never will.
	Retryable bool
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return newf(KindAuthorization, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return newf(KindInvalidState, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

// ChainSubmission wraps a chain failure. Timeouts and transport errors are
// retryable; on-chain rejections are not.
func ChainSubmission(err error, retryable bool) *Error {
	msg := "chain submission rejected"
	if retryable {
		msg = "chain submission failed, retry later"
	}
	return &Error{Kind: KindChainSubmission, Msg: msg, Err: err, Retryable: retryable}
}

// Reconciliation wraps a bookkeeping failure that followed a confirmed
// chain transfer.
func Reconciliation(digest string, err error) *Error {
	return &Error{Kind: KindReconciliation, Msg: "settlement bookkeeping deferred (tx " + digest + ")", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable chain submission failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindChainSubmission && e.Retryable
}
