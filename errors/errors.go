// Package errors is the one error import for erpsync code. It re-exports
// github.com/cockroachdb/errors, so errors carry stack traces, details and
// user-facing hints, and adds the sentinel kinds callers branch on:
//
//	if errors.IsNotFoundError(err) { ... }
//	return errors.Wrapf(errors.ErrInvalidRequest, "batch size %d", n)
package errors

import (
	"strings"

	crdb "github.com/cockroachdb/errors"
)

var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	CombineErrors = crdb.CombineErrors

	Is    = crdb.Is
	IsAny = crdb.IsAny
	As    = crdb.As

	// Details travel with the error for logs; hints are meant for the
	// person at the terminal.
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllDetails = crdb.GetAllDetails
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	GetAllHints   = crdb.GetAllHints
)

// Sentinel kinds. Wrap them to add context; the Is* helpers see through.
var (
	ErrNotFound           = New("not found")
	ErrInvalidRequest     = New("invalid request")
	ErrConflict           = New("resource conflict")
	ErrUnauthorized       = New("unauthorized")        // source rejected the credentials
	ErrServiceUnavailable = New("service unavailable") // a collaborator is not configured or not reachable
	ErrTimeout            = New("operation timed out")
	ErrCancelled          = New("cancelled")
)

// IsNotFoundError reports whether err wraps ErrNotFound. Errors from
// outside the module are matched on a trailing "not found" as well.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrNotFound) || strings.HasSuffix(err.Error(), "not found")
}

// IsInvalidRequestError reports whether err wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool { return Is(err, ErrInvalidRequest) }

// IsConflictError reports whether err wraps ErrConflict.
func IsConflictError(err error) bool { return Is(err, ErrConflict) }

// NewNotFoundError formats a message under ErrNotFound.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError formats a message under ErrInvalidRequest.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// NewConflictError formats a message under ErrConflict.
func NewConflictError(format string, args ...interface{}) error {
	return Wrapf(ErrConflict, format, args...)
}
